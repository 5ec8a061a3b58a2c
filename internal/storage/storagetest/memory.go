// Package storagetest provides an in-memory storage.Client for tests.
package storagetest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"sensorsync/internal/storage"
)

type object struct {
	data []byte
	info storage.ObjectInfo
}

// Memory is a storage.Client backed by a map. Fail hooks inject errors per
// operation and key.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]map[string]object

	// FailPut, when set, is consulted before every PutObject
	FailPut func(bucket, key string) error
	// FailGet, when set, is consulted before every GetObject and HeadObject
	FailGet func(bucket, key string) error

	Puts int
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string]object)}
}

func (m *Memory) EnsureBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string]object)
	}
	return nil
}

func (m *Memory) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if m.FailGet != nil {
		if err := m.FailGet(bucket, key); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if m.FailPut != nil {
		if err := m.FailPut(bucket, key); err != nil {
			return storage.ObjectInfo{}, err
		}
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if size >= 0 && int64(len(data)) != size {
		return storage.ObjectInfo{}, fmt.Errorf("size mismatch: read %d, declared %d", len(data), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	objects, ok := m.buckets[bucket]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("bucket %s does not exist", bucket)
	}

	sum := md5.Sum(data)
	info := storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: time.Now(),
		ContentType:  opts.ContentType,
		Metadata:     opts.Metadata,
	}
	objects[key] = object{data: data, info: info}
	m.Puts++
	return info, nil
}

func (m *Memory) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	if m.FailGet != nil {
		if err := m.FailGet(bucket, key); err != nil {
			return storage.ObjectInfo{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.buckets[bucket][key]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return obj.info, nil
}

func (m *Memory) ListObjects(ctx context.Context, bucket, prefix string) (<-chan storage.ObjectInfo, <-chan error) {
	m.mu.Lock()
	var infos []storage.ObjectInfo
	for key, obj := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, obj.info)
		}
	}
	m.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	objCh := make(chan storage.ObjectInfo, len(infos))
	errCh := make(chan error, 1)
	for _, info := range infos {
		objCh <- info
	}
	close(objCh)
	close(errCh)
	return objCh, errCh
}

// Object returns the stored bytes of key, for assertions
func (m *Memory) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.buckets[bucket][key]
	return obj.data, ok
}

// Keys lists every key in bucket, sorted
func (m *Memory) Keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.buckets[bucket] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var _ storage.Client = (*Memory)(nil)
