package fetcher

import (
	"context"

	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/bundledb"
	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/modules/remote"
)

type SFTPLoaderConfig struct {
	Protocol remote.SFTPConfig `yaml:"protocol"`
	// ContentType is stamped on stored resources, sftp carries no type
	// information of its own.
	ContentType string `yaml:"content_type"`
}

// SFTPLoader streams one remote file into bundle storage.
type SFTPLoader struct {
	cfg SFTPLoaderConfig
}

var _ Loader = (*SFTPLoader)(nil)

func NewSFTPLoader(cfg SFTPLoaderConfig) *SFTPLoader {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}
	return &SFTPLoader{cfg: cfg}
}

func (l *SFTPLoader) Load(ctx context.Context, req *backend.RequestMeta, storage bundledb.Storage, rctx *RunContext, recipe *Recipe) ([]*backend.BundleRef, error) {
	if rctx.App.SFTP == nil {
		return nil, errors.New("run context has no sftp client")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ref, ok := bundleRefFromRequest(req)
	if !ok {
		ref = &backend.BundleRef{
			BID:        storage.BundleFound(*req),
			PrimaryURL: req.URL,
		}
	}

	bc, err := storage.StartBundle(ctx, ref, recipe)
	if err != nil {
		return nil, err
	}

	f, err := rctx.App.SFTP.Open(ctx, l.cfg.Protocol, req.URL)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	meta := backend.ResourceMeta{
		URL:         req.URL,
		ContentType: l.cfg.ContentType,
	}
	if err := bc.AddResource(ctx, req.URL, meta, f); err != nil {
		return nil, err
	}

	if err := bc.Complete(ctx, map[string]interface{}{"path": req.URL}); err != nil {
		return nil, err
	}
	return []*backend.BundleRef{ref}, nil
}
