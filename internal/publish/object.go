package publish

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"sensorsync/internal/fileutil"
	"sensorsync/internal/storage"

	"go.uber.org/zap"
)

// ObjectTransport publishes to an S3-compatible bucket. The bucket holds the
// artifacts under <prefix>/<folder>/ and the index object at
// <prefix>/<index key>; the local index file mirrors the remote one.
type ObjectTransport struct {
	client     storage.Client
	bucket     string
	prefix     string
	folder     string
	indexKey   string
	localIndex string
	staged     []string
	logger     *zap.Logger
}

// ObjectConfig contains object transport configuration
type ObjectConfig struct {
	Bucket string
	Prefix string
	Folder string
	// IndexKey is the index object name below Prefix, empty when unused
	IndexKey string
	// LocalIndex is the local mirror of the index object
	LocalIndex string
}

// NewObjectTransport creates a transport over client
func NewObjectTransport(client storage.Client, cfg ObjectConfig, logger *zap.Logger) *ObjectTransport {
	return &ObjectTransport{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		folder:     strings.Trim(filepath.ToSlash(cfg.Folder), "/"),
		indexKey:   cfg.IndexKey,
		localIndex: cfg.LocalIndex,
		logger:     logger,
	}
}

// Name returns "s3"
func (t *ObjectTransport) Name() string { return "s3" }

// Sync ensures the bucket exists and refreshes the local index mirror from
// the remote index object.
func (t *ObjectTransport) Sync(ctx context.Context) error {
	t.staged = nil

	if err := t.client.EnsureBucket(ctx, t.bucket); err != nil {
		return err
	}
	if t.indexKey == "" || t.localIndex == "" {
		return nil
	}

	data, err := t.client.GetObject(ctx, t.bucket, t.key(t.indexKey))
	if errors.Is(err, storage.ErrNotFound) {
		data = nil
	} else if err != nil {
		return fmt.Errorf("downloading index: %w", err)
	}

	return fileutil.WriteAtomic(t.localIndex, data, 0o644)
}

// Stage queues a local file for upload
func (t *ObjectTransport) Stage(ctx context.Context, localPath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	for _, p := range t.staged {
		if p == localPath {
			return nil
		}
	}
	t.staged = append(t.staged, localPath)
	return nil
}

// Commit has nothing to record for object storage
func (t *ObjectTransport) Commit(ctx context.Context, message string) error {
	t.logger.Debug("Commit", zap.String("message", message), zap.Int("staged", len(t.staged)))
	return nil
}

// Push uploads staged files in order, so the index object is written only
// after the artifact it lists. Objects whose size and MD5 already match are
// skipped.
func (t *ObjectTransport) Push(ctx context.Context) error {
	for _, localPath := range t.staged {
		if err := t.upload(ctx, localPath, t.objectKey(localPath)); err != nil {
			return err
		}
	}
	t.staged = nil
	return nil
}

func (t *ObjectTransport) upload(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])

	if t.objectExistsAndMatches(ctx, key, int64(len(data)), etag) {
		t.logger.Debug("Skipping existing object", zap.String("key", key))
		return nil
	}

	opts := storage.PutOptions{ContentType: "text/csv"}
	if key == t.key(t.indexKey) {
		opts.ContentType = "text/plain"
	}

	if _, err := t.client.PutObject(ctx, t.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	t.logger.Debug("Uploaded object", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

func (t *ObjectTransport) objectExistsAndMatches(ctx context.Context, key string, size int64, etag string) bool {
	info, err := t.client.HeadObject(ctx, t.bucket, key)
	if err != nil {
		return false
	}
	return info.Size == size && strings.Trim(info.ETag, `"`) == etag
}

func (t *ObjectTransport) objectKey(localPath string) string {
	if t.localIndex != "" && filepath.Clean(localPath) == filepath.Clean(t.localIndex) {
		return t.key(t.indexKey)
	}
	return t.key(path.Join(t.folder, filepath.Base(localPath)))
}

func (t *ObjectTransport) key(name string) string {
	if t.prefix == "" {
		return name
	}
	return path.Join(t.prefix, name)
}
