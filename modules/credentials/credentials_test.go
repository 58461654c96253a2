package credentials

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencivic/datafetcher/modules/kvstore"
)

func TestEnvName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"github.api-key", "GITHUB_API_KEY"},
		{"simple", "SIMPLE"},
		{"already_UPPER", "ALREADY_UPPER"},
		{"dots..and--dashes", "DOTS_AND_DASHES"},
		{"trailing.", "TRAILING"},
		{".leading", "LEADING"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, EnvName(tc.in), tc.in)
	}
}

func TestEnvironmentProvider(t *testing.T) {
	t.Setenv("GITHUB_API_KEY", "s3cret")

	p := NewEnvironment("")
	v, err := p.Lookup(context.Background(), "github.api-key")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = p.Lookup(context.Background(), "absent.credential")
	assert.Equal(t, ErrNotFound, err)
}

func TestEnvironmentProviderPrefix(t *testing.T) {
	t.Setenv("OC_TOKEN", "v")

	p := NewEnvironment("OC_")
	v, err := p.Lookup(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestStoreProvider(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	require.NoError(t, store.Put(ctx, "credentials:portal.password", []byte("hunter2"), 0))

	p := NewStore(store)
	v, err := p.Lookup(ctx, "portal.password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = p.Lookup(ctx, "absent")
	assert.Equal(t, ErrNotFound, err)
}

func TestChainFallsThrough(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	require.NoError(t, store.Put(ctx, "credentials:only.in.store", []byte("from-store"), 0))

	t.Setenv("BOTH", "from-env")
	require.NoError(t, store.Put(ctx, "credentials:both", []byte("from-store"), 0))

	chain := Chain{NewEnvironment(""), NewStore(store)}

	// first provider wins
	v, err := chain.Lookup(ctx, "both")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	// falls through on ErrNotFound
	v, err = chain.Lookup(ctx, "only.in.store")
	require.NoError(t, err)
	assert.Equal(t, "from-store", v)

	_, err = chain.Lookup(ctx, "nowhere")
	assert.Equal(t, ErrNotFound, err)
}

type fakeSecretsAPI struct {
	secrets map[string]string
	calls   int
}

func (f *fakeSecretsAPI) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	v, ok := f.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestAWSProviderLookupAndCache(t *testing.T) {
	api := &fakeSecretsAPI{secrets: map[string]string{"prod/api-key": "k1"}}
	p := &awsProvider{client: api, logger: log.NewNopLogger(), cache: map[string]string{}}

	v, err := p.Lookup(context.Background(), "prod/api-key")
	require.NoError(t, err)
	assert.Equal(t, "k1", v)

	// second lookup is served from the cache
	v, err = p.Lookup(context.Background(), "prod/api-key")
	require.NoError(t, err)
	assert.Equal(t, "k1", v)
	assert.Equal(t, 1, api.calls)

	_, err = p.Lookup(context.Background(), "missing")
	assert.Equal(t, ErrNotFound, err)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "vault"}, log.NewNopLogger())
	assert.Error(t, err)

	p, err := New(context.Background(), Config{Provider: ProviderEnvironment}, log.NewNopLogger())
	require.NoError(t, err)
	assert.NotNil(t, p)
}
