package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"sensorsync/internal/storage"

	"go.uber.org/zap"
)

// PublishedLister counts and looks up the batch artifacts present at the
// destination
type PublishedLister interface {
	CountPublished(ctx context.Context) (count int64, size int64, err error)
	Exists(ctx context.Context, name string) (bool, error)
}

// ObjectLister counts batch objects under a bucket prefix
type ObjectLister struct {
	client storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewObjectLister creates a lister for objects below prefix in bucket
func NewObjectLister(client storage.Client, bucket, prefix string, logger *zap.Logger) *ObjectLister {
	return &ObjectLister{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// CountPublished counts the batch objects and their total size
func (l *ObjectLister) CountPublished(ctx context.Context) (int64, int64, error) {
	prefix := l.prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	objCh, errCh := l.client.ListObjects(ctx, l.bucket, prefix)

	var totalObjects int64
	var totalSize int64

	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				l.logger.Debug("Finished listing batches",
					zap.Int64("total_objects", totalObjects),
					zap.Int64("total_size_bytes", totalSize),
				)
				return totalObjects, totalSize, nil
			}
			if !strings.HasSuffix(obj.Key, ".csv") {
				continue
			}

			totalObjects++
			totalSize += obj.Size

		case err, ok := <-errCh:
			if err != nil {
				return totalObjects, totalSize, fmt.Errorf("error listing batches: %w", err)
			}
			if !ok {
				errCh = nil
			}

		case <-ctx.Done():
			return totalObjects, totalSize, ctx.Err()
		}
	}
}

// Exists reports whether a batch object called name is in the bucket
func (l *ObjectLister) Exists(ctx context.Context, name string) (bool, error) {
	_, err := l.client.HeadObject(ctx, l.bucket, path.Join(l.prefix, name))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up batch %s: %w", name, err)
	}
	return true, nil
}

// DirLister counts batch files in a directory of the local clone
type DirLister struct {
	dir string
}

// NewDirLister creates a lister for dir
func NewDirLister(dir string) *DirLister {
	return &DirLister{dir: dir}
}

// CountPublished counts the .csv files in the directory. A missing
// directory means nothing has been published yet.
func (l *DirLister) CountPublished(ctx context.Context) (int64, int64, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	var count, size int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".csv" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return count, size, err
		}
		count++
		size += info.Size()
	}
	return count, size, nil
}

// Exists reports whether the directory holds a batch file called name
func (l *DirLister) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(l.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func objectFolder(prefix, folder string) string {
	return strings.Trim(path.Join(strings.Trim(prefix, "/"), filepath.ToSlash(folder)), "/")
}
