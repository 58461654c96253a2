package credentials

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type awsProvider struct {
	client secretsAPI
	logger log.Logger

	mtx   sync.RWMutex
	cache map[string]string
}

// NewAWSSecretsManager resolves credentials from AWS Secrets Manager.
// Resolved values are cached for the process lifetime; runs are short-lived
// so rotation is picked up on the next run.
func NewAWSSecretsManager(ctx context.Context, region string, logger log.Logger) (Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading aws config")
	}

	return &awsProvider{
		client: secretsmanager.NewFromConfig(awsCfg),
		logger: logger,
		cache:  map[string]string{},
	}, nil
}

func (p *awsProvider) Lookup(ctx context.Context, name string) (string, error) {
	p.mtx.RLock()
	v, ok := p.cache[name]
	p.mtx.RUnlock()
	if ok {
		return v, nil
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", ErrNotFound
		}
		return "", errors.Wrapf(err, "fetching secret %s", name)
	}

	var secret string
	switch {
	case out.SecretString != nil:
		secret = *out.SecretString
	case out.SecretBinary != nil:
		secret = string(out.SecretBinary)
	default:
		level.Warn(p.logger).Log("msg", "secret has no value", "name", name)
		return "", ErrNotFound
	}

	p.mtx.Lock()
	p.cache[name] = secret
	p.mtx.Unlock()
	return secret, nil
}
