package credentials

import (
	"context"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

const (
	ProviderEnvironment = "environment"
	ProviderAWS         = "aws"
)

// ErrNotFound is returned when a provider has no value for the requested
// credential name.
var ErrNotFound = errors.New("credential not found")

// Provider resolves a credential name to its secret value. Names are logical
// ("github.api-key"); each provider defines its own mapping to real storage.
type Provider interface {
	Lookup(ctx context.Context, name string) (string, error)
}

type Config struct {
	Provider string `yaml:"provider"`
	// AWSRegion overrides the ambient region for the aws provider. The
	// AWS_REGION environment variable still wins when set.
	AWSRegion string `yaml:"aws_region"`
}

// New builds the configured base provider. Callers typically wrap it in a
// Chain with a store-backed provider so deployments can keep credentials next
// to the rest of their state.
func New(ctx context.Context, cfg Config, logger log.Logger) (Provider, error) {
	switch cfg.Provider {
	case ProviderEnvironment, "":
		return NewEnvironment(""), nil
	case ProviderAWS:
		return NewAWSSecretsManager(ctx, cfg.AWSRegion, logger)
	default:
		return nil, errors.Errorf("unknown credentials provider %q", cfg.Provider)
	}
}

// Chain tries providers in order and returns the first hit. Lookup errors
// other than ErrNotFound stop the chain.
type Chain []Provider

func (c Chain) Lookup(ctx context.Context, name string) (string, error) {
	for _, p := range c {
		v, err := p.Lookup(ctx, name)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return "", err
		}
		return v, nil
	}
	return "", ErrNotFound
}
