package credentials

import (
	"context"

	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/modules/kvstore"
)

const storeKeyPrefix = "credentials:"

type storeProvider struct {
	store kvstore.Store
}

// NewStore resolves credentials from the key-value store under
// credentials:{name}. It sits at the end of the default Chain so secrets
// provisioned into the store work without any cloud wiring.
func NewStore(store kvstore.Store) Provider {
	return &storeProvider{store: store}
}

func (p *storeProvider) Lookup(ctx context.Context, name string) (string, error) {
	data, err := p.store.Get(ctx, storeKeyPrefix+name)
	if err == kvstore.ErrNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading credential %s", name)
	}
	return string(data), nil
}
