// Package blobstore stores opaque objects (task logs, large XCom values) in
// memory or S3-compatible storage.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("object not found")

// ObjectRef describes a stored object.
type ObjectRef struct {
	// key relative to the backend's prefix
	Path string `json:"path"`
	// full location, e.g. s3://bucket/prefix/path
	URI string `json:"uri"`

	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Checksum    string    `json:"checksum,omitempty"` // hex sha256
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Backend stores whole objects under slash-separated paths.
type Backend interface {
	// Put replaces any object at path.
	Put(ctx context.Context, path string, data io.Reader, contentType string) (*ObjectRef, error)

	// Get fails with ErrNotFound for a missing object.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete succeeds for missing objects.
	Delete(ctx context.Context, path string) error

	// List returns the objects under prefix sorted by path.
	List(ctx context.Context, prefix string) ([]*ObjectRef, error)
}

const (
	TypeMemory = "memory"
	TypeS3     = "s3"
	TypeMinIO  = "minio"
)

// Config selects a backend. The S3 fields apply to s3 and minio; minio
// implies path-style addressing.
type Config struct {
	Type string

	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	PathPrefix string
}

func DefaultConfig() *Config {
	return &Config{Type: TypeMemory, PathPrefix: "dagrunner"}
}

// New opens the backend cfg.Type names; empty means memory.
func New(ctx context.Context, cfg *Config) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryBackend(), nil
	case TypeS3, TypeMinIO:
		b, err := NewS3Backend(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open %s blob backend: %w", cfg.Type, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Type)
}

// ReadAll fetches a whole object.
func ReadAll(ctx context.Context, b Backend, path string) ([]byte, error) {
	rc, err := b.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// MemoryBackend keeps objects in process memory. Objects are shared only
// within one process.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	ref  ObjectRef
	data []byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]memoryObject)}
}

func (m *MemoryBackend) Put(ctx context.Context, path string, data io.Reader, contentType string) (*ObjectRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	obj := memoryObject{
		ref: ObjectRef{
			Path:        path,
			URI:         "memory://" + path,
			ContentType: contentType,
			Size:        int64(len(content)),
			Checksum:    checksum(content),
			CreatedAt:   time.Now().UTC(),
		},
		data: content,
	}
	m.mu.Lock()
	m.objects[path] = obj
	m.mu.Unlock()

	ref := obj.ref
	return &ref, nil
}

func (m *MemoryBackend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[path]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	delete(m.objects, path)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]*ObjectRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := []*ObjectRef{}
	for path, obj := range m.objects {
		if strings.HasPrefix(path, prefix) {
			ref := obj.ref
			refs = append(refs, &ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs, nil
}

var _ Backend = (*MemoryBackend)(nil)
