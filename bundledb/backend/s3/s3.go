package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/bundledb/backend/instrumentation"
	"github.com/opencivic/datafetcher/pkg/util/log"
)

const defaultPartSize = 8 * 1024 * 1024

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// readerWriter streams bundle resources into an s3 bucket. Resources larger
// than one part go through a multipart upload, one buffered part in memory at
// a time.
type readerWriter struct {
	logger gkLog.Logger
	cfg    *Config
	core   *minio.Core
}

// v2SigningProvider forces signature v2 on credentials retrieved from the
// wrapped provider, for object stores that never learned v4.
type v2SigningProvider struct {
	upstream credentials.Provider
}

func (p *v2SigningProvider) Retrieve() (credentials.Value, error) {
	v, err := p.upstream.Retrieve()
	if err != nil {
		return v, err
	}

	if !v.SignerType.IsAnonymous() {
		v.SignerType = credentials.SignatureV2
	}

	return v, nil
}

func (p *v2SigningProvider) RetrieveWithCredContext(cc *credentials.CredContext) (credentials.Value, error) {
	v, err := p.upstream.RetrieveWithCredContext(cc)
	if err != nil {
		return v, err
	}

	if !v.SignerType.IsAnonymous() {
		v.SignerType = credentials.SignatureV2
	}

	return v, nil
}

func (p *v2SigningProvider) IsExpired() bool {
	return p.upstream.IsExpired()
}

// NewNoConfirm creates an S3 writer without probing the bucket.
func NewNoConfirm(cfg *Config) (backend.Writer, error) {
	return newWriter(cfg, false)
}

// New creates an S3 writer and confirms the bucket is listable.
func New(cfg *Config) (backend.Writer, error) {
	return newWriter(cfg, true)
}

func newWriter(cfg *Config, confirm bool) (backend.Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = defaultPartSize
	}

	core, err := createCore(cfg)
	if err != nil {
		return nil, fmt.Errorf("unexpected error creating core: %w", err)
	}

	// a single list proves the bucket exists and the credentials can reach it
	if confirm {
		_, err = core.ListObjects(cfg.Bucket, cfg.Prefix, "", "/", 0)
		if err != nil {
			return nil, fmt.Errorf("unexpected error from ListObjects on %s: %w", cfg.Bucket, err)
		}
	}

	rw := &readerWriter{
		logger: log.Component("s3"),
		cfg:    cfg,
		core:   core,
	}
	return rw, nil
}

// StoreResource implements backend.Writer
func (rw *readerWriter) StoreResource(ctx context.Context, bid backend.BID, name string, meta backend.ResourceMeta, r io.Reader) ([]backend.StoredResource, error) {
	if bid == "" {
		return nil, backend.ErrEmptyBundleID
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	objName := backend.ObjectName(rw.cfg.Prefix, bid, backend.ResourceBaseName(name))
	level.Debug(rw.logger).Log("msg", "S3_UPLOAD_STARTING", "objectName", objName, "name", name)

	stored, err := rw.storeObject(ctx, objName, name, meta, r)
	if err != nil {
		level.Warn(rw.logger).Log("msg", "S3_UPLOAD_FAILED", "objectName", objName, "err", err)
		return nil, err
	}
	return stored, nil
}

func (rw *readerWriter) storeObject(ctx context.Context, objName, name string, meta backend.ResourceMeta, r io.Reader) ([]backend.StoredResource, error) {
	options := rw.putObjectOptions(name, meta)

	var (
		uploadID string
		parts    []minio.CompletePart
		size     int64
	)

	buf := make([]byte, rw.cfg.PartSize)
	for {
		n, readErr := io.ReadFull(r, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			rw.abortUpload(objName, uploadID)
			return nil, errors.Wrapf(readErr, "error reading resource %s", name)
		}

		if n > 0 && uploadID == "" && readErr != nil {
			// the whole resource fits in a single part, skip multipart
			_, err := rw.core.Client.PutObject(ctx, rw.cfg.Bucket, objName, bytes.NewReader(buf[:n]), int64(n), options)
			if err != nil {
				return nil, errors.Wrapf(err, "error writing object to s3 backend, object %s", objName)
			}
			size = int64(n)
			break
		}

		if n > 0 {
			if uploadID == "" {
				id, err := rw.core.NewMultipartUpload(ctx, rw.cfg.Bucket, objName, options)
				if err != nil {
					return nil, errors.Wrapf(err, "error starting multipart upload, object %s", objName)
				}
				uploadID = id
			}

			level.Debug(rw.logger).Log("msg", "appending object part to s3", "objectName", objName, "part", len(parts)+1, "len", n)

			objPart, err := rw.core.PutObjectPart(ctx, rw.cfg.Bucket, objName, uploadID, len(parts)+1, bytes.NewReader(buf[:n]), int64(n), minio.PutObjectPartOptions{})
			if err != nil {
				rw.abortUpload(objName, uploadID)
				return nil, errors.Wrap(err, "error in multipart upload")
			}
			parts = append(parts, minio.CompletePart{
				PartNumber: objPart.PartNumber,
				ETag:       objPart.ETag,
			})
			size += int64(n)
		}

		if readErr != nil { // io.EOF or a short final read, stream exhausted
			break
		}
	}

	switch {
	case uploadID != "":
		_, err := rw.core.CompleteMultipartUpload(ctx, rw.cfg.Bucket, objName, uploadID, parts, minio.PutObjectOptions{})
		if err != nil {
			rw.abortUpload(objName, uploadID)
			return nil, errors.Wrapf(err, "error completing multipart upload, object: %s", objName)
		}
	case size == 0:
		// empty resources still get an object
		_, err := rw.core.Client.PutObject(ctx, rw.cfg.Bucket, objName, bytes.NewReader(nil), 0, options)
		if err != nil {
			return nil, errors.Wrapf(err, "error writing object to s3 backend, object %s", objName)
		}
	}

	level.Debug(rw.logger).Log("msg", "object uploaded to s3", "objectName", objName, "size", humanize.Bytes(uint64(size)))

	return []backend.StoredResource{{
		Name:        name,
		Key:         objName,
		URL:         meta.URL,
		ContentType: meta.ContentType,
		StatusCode:  meta.StatusCode,
		Size:        size,
	}}, nil
}

// StoreManifest implements backend.Writer
func (rw *readerWriter) StoreManifest(ctx context.Context, bid backend.BID, m *backend.Manifest) (string, error) {
	if bid == "" {
		return "", backend.ErrEmptyBundleID
	}

	buf, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "error marshalling manifest")
	}

	key := backend.ManifestName(rw.cfg.Prefix, bid)
	_, err = rw.core.Client.PutObject(ctx, rw.cfg.Bucket, key, bytes.NewReader(buf), int64(len(buf)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", errors.Wrapf(err, "error writing manifest to s3 backend, object %s", key)
	}

	return key, nil
}

// Shutdown implements backend.Writer
func (rw *readerWriter) Shutdown() {
}

func (rw *readerWriter) putObjectOptions(name string, meta backend.ResourceMeta) minio.PutObjectOptions {
	userMetadata := map[string]string{
		"resource_name": name,
		"status_code":   strconv.Itoa(meta.StatusCode),
	}
	if meta.URL != "" {
		userMetadata["url"] = meta.URL
	}
	if meta.ContentType != "" {
		userMetadata["content_type"] = meta.ContentType
	}
	for k, v := range rw.cfg.Metadata {
		userMetadata[k] = v
	}

	return minio.PutObjectOptions{
		PartSize:     rw.cfg.PartSize,
		UserTags:     rw.cfg.Tags,
		StorageClass: rw.cfg.StorageClass,
		UserMetadata: userMetadata,
		ContentType:  meta.ContentType,
	}
}

// abortUpload runs on a background context, an abort after a canceled store
// must still reach the bucket.
func (rw *readerWriter) abortUpload(objName, uploadID string) {
	if uploadID == "" {
		return
	}
	err := rw.core.AbortMultipartUpload(context.Background(), rw.cfg.Bucket, objName, uploadID)
	if err != nil {
		level.Warn(rw.logger).Log("msg", "failed to abort multipart upload", "objectName", objName, "err", err)
	}
}

func createCore(cfg *Config) (*minio.Core, error) {
	providers := []credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey.String(),
				SessionToken:    cfg.SessionToken.String(),
			},
		},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.FileMinioClient{},
		&credentials.IAM{
			Client: &http.Client{
				Transport: http.DefaultTransport,
			},
		},
	}
	if cfg.SignatureV2 {
		for i, p := range providers {
			providers[i] = &v2SigningProvider{upstream: p}
		}
	}
	creds := credentials.NewChainCredentials(providers)

	customTransport, err := minio.DefaultTransport(!cfg.Insecure)
	if err != nil {
		return nil, errors.Wrap(err, "create minio.DefaultTransport")
	}

	if cfg.InsecureSkipVerify {
		customTransport.TLSClientConfig.InsecureSkipVerify = true
	}

	opts := &minio.Options{
		Region:    cfg.Region,
		Secure:    !cfg.Insecure,
		Creds:     creds,
		Transport: instrumentation.NewTransport(customTransport),
	}

	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	} else {
		opts.BucketLookup = minio.BucketLookupType(cfg.BucketLookupType)
	}

	return minio.NewCore(cfg.Endpoint, opts)
}
