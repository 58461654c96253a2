package remote

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/opencivic/datafetcher/modules/credentials"
)

const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
	AuthOAuth  = "oauth"
)

// Authenticator augments request headers with whatever the endpoint needs.
// Implementations are safe for concurrent use.
type Authenticator interface {
	Authenticate(ctx context.Context, headers http.Header) error
}

// AuthConfig selects one mechanism. Secret-bearing fields can be given inline
// or as a *_credential name resolved through the credentials provider.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"`

	// basic
	Username           string         `yaml:"username"`
	UsernameCredential string         `yaml:"username_credential"`
	Password           flagext.Secret `yaml:"password"`
	PasswordCredential string         `yaml:"password_credential"`

	// bearer
	Token           flagext.Secret `yaml:"token"`
	TokenCredential string         `yaml:"token_credential"`

	// oauth client credentials grant
	TokenURL               string         `yaml:"token_url"`
	ClientID               string         `yaml:"client_id"`
	ClientSecret           flagext.Secret `yaml:"client_secret"`
	ClientSecretCredential string         `yaml:"client_secret_credential"`
	Scopes                 []string       `yaml:"scopes"`
}

// NewAuthenticator resolves the configured credentials once and returns the
// mechanism's Authenticator. OAuth tokens are fetched lazily and re-fetched
// on expiry.
func NewAuthenticator(ctx context.Context, cfg AuthConfig, creds credentials.Provider) (Authenticator, error) {
	switch cfg.Mechanism {
	case AuthNone, "":
		return noneAuth{}, nil

	case AuthBasic:
		user, err := resolveCredential(ctx, creds, cfg.Username, cfg.UsernameCredential)
		if err != nil {
			return nil, errors.Wrap(err, "resolving basic auth username")
		}
		pass, err := resolveCredential(ctx, creds, cfg.Password.String(), cfg.PasswordCredential)
		if err != nil {
			return nil, errors.Wrap(err, "resolving basic auth password")
		}
		if user == "" {
			return nil, errors.New("basic auth requires a username")
		}
		return headerAuth{
			value: "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass)),
		}, nil

	case AuthBearer:
		token, err := resolveCredential(ctx, creds, cfg.Token.String(), cfg.TokenCredential)
		if err != nil {
			return nil, errors.Wrap(err, "resolving bearer token")
		}
		if token == "" {
			return nil, errors.New("bearer auth requires a token")
		}
		return headerAuth{value: "Bearer " + token}, nil

	case AuthOAuth:
		if cfg.TokenURL == "" || cfg.ClientID == "" {
			return nil, errors.New("oauth requires token_url and client_id")
		}
		secret, err := resolveCredential(ctx, creds, cfg.ClientSecret.String(), cfg.ClientSecretCredential)
		if err != nil {
			return nil, errors.Wrap(err, "resolving oauth client secret")
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: secret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		return &oauthAuth{source: cc.TokenSource(ctx)}, nil

	default:
		return nil, errors.Errorf("unknown auth mechanism %q", cfg.Mechanism)
	}
}

func resolveCredential(ctx context.Context, creds credentials.Provider, inline, name string) (string, error) {
	if name == "" {
		return inline, nil
	}
	if creds == nil {
		return "", errors.Errorf("no credentials provider to resolve %q", name)
	}
	v, err := creds.Lookup(ctx, name)
	if err != nil {
		return "", errors.Wrapf(err, "looking up credential %q", name)
	}
	return v, nil
}

type noneAuth struct{}

func (noneAuth) Authenticate(context.Context, http.Header) error { return nil }

// headerAuth serves mechanisms whose Authorization value never changes.
type headerAuth struct {
	value string
}

func (a headerAuth) Authenticate(_ context.Context, headers http.Header) error {
	headers.Set("Authorization", a.value)
	return nil
}

type oauthAuth struct {
	source oauth2.TokenSource
}

func (a *oauthAuth) Authenticate(_ context.Context, headers http.Header) error {
	tok, err := a.source.Token()
	if err != nil {
		return errors.Wrap(err, "fetching oauth token")
	}
	headers.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return nil
}
