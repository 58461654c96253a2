package credentials

import (
	"context"
	"os"
	"strings"
)

// EnvName maps a logical credential name to the environment variable that
// holds it: uppercased, with every non-alphanumeric run collapsed to one
// underscore. "github.api-key" becomes "GITHUB_API_KEY".
func EnvName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToUpper(name) {
		alnum := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

type envProvider struct {
	prefix string
}

// NewEnvironment resolves credentials from environment variables, optionally
// under a fixed prefix.
func NewEnvironment(prefix string) Provider {
	return &envProvider{prefix: prefix}
}

func (p *envProvider) Lookup(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(p.prefix + EnvName(name))
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}
