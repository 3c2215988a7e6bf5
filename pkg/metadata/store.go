package metadata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrBucketExists   = errors.New("bucket already exists")
	ErrBucketNotFound = errors.New("bucket not found")
)

// Bucket represents a bucket entry in metadata storage.
type Bucket struct {
	Name         string
	CreationDate time.Time
	// Owner is the access key id that created the bucket, empty when the
	// request was anonymous.
	Owner string
}

// Store defines the metadata operations needed by the S3 API for buckets.
type Store interface {
	ListBuckets(ctx context.Context) ([]Bucket, error)
	CreateBucket(ctx context.Context, name, owner string) error
	GetBucket(ctx context.Context, name string) (Bucket, error)
	BucketExists(ctx context.Context, name string) (bool, error)
	DeleteBucket(ctx context.Context, name string) error
}

// MemoryStore is an in-memory Store. Buckets are lost on restart; the object
// files themselves live in pkg/storage.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]Bucket
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]Bucket), now: time.Now}
}

// ListBuckets returns all buckets sorted by name for stable output.
func (m *MemoryStore) ListBuckets(ctx context.Context) ([]Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateBucket creates a new bucket owned by owner.
func (m *MemoryStore) CreateBucket(ctx context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; ok {
		return ErrBucketExists
	}
	m.buckets[name] = Bucket{Name: name, CreationDate: m.now().UTC(), Owner: owner}
	return nil
}

func (m *MemoryStore) GetBucket(ctx context.Context, name string) (Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[name]
	if !ok {
		return Bucket{}, ErrBucketNotFound
	}
	return b, nil
}

func (m *MemoryStore) BucketExists(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

func (m *MemoryStore) DeleteBucket(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[name]; !ok {
		return ErrBucketNotFound
	}
	delete(m.buckets, name)
	return nil
}
