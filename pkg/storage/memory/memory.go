// Package memory is an in-process blob backend for local runs and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/feichai0017/shadowtwin/pkg/storage/object"
)

type blob struct {
	data        []byte
	contentType string
	modified    time.Time
}

type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]blob
	baseURL string
	puts    int
}

func New(baseURL string) *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[string]blob),
		baseURL: baseURL,
	}
}

func (m *MemoryStorage) Store(ctx context.Context, reader io.Reader, key string, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read object body: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = blob{data: data, contentType: contentType, modified: time.Now()}
	m.puts++
	return key, nil
}

func (m *MemoryStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, object.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (m *MemoryStorage) Stat(ctx context.Context, key string) (*object.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, object.ErrNotFound)
	}
	return &object.Info{Key: key, Size: int64(len(b.data)), ContentType: b.contentType, LastModified: b.modified}, nil
}

func (m *MemoryStorage) List(ctx context.Context, prefix string) ([]object.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]object.Info, 0)
	for key, b := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, object.Info{Key: key, Size: int64(len(b.data)), ContentType: b.contentType, LastModified: b.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStorage) URL(key string) string {
	if m.baseURL == "" {
		return "memory://" + key
	}
	return object.JoinURL(m.baseURL, key)
}

// Puts returns how many Store calls succeeded.
func (m *MemoryStorage) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Len returns the number of stored objects.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
