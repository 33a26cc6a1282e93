package blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	nowFn   func() time.Time
}

type memoryObject struct {
	meta Object
	data []byte
}

// NewMemory returns an in-process store.
func NewMemory() Store {
	return &memoryStore{
		objects: make(map[string]memoryObject),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryStore) Driver() Driver { return DriverMemory }

func (s *memoryStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; exists {
		return Object{}, &KeyExistsError{Key: key}
	}
	meta := Object{
		Ref:         Ref(DriverMemory, key),
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		SHA256:      HashBytes(data),
		StoredAt:    s.nowFn(),
	}
	s.objects[key] = memoryObject{meta: meta, data: append([]byte(nil), data...)}
	return meta, nil
}

func (s *memoryStore) Get(ctx context.Context, key string) (Object, io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return Object{}, nil, ErrNotFound
	}
	data := append([]byte(nil), obj.data...)
	return obj.meta, io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memoryStore) Head(ctx context.Context, key string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj.meta, nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return false, nil
	}
	delete(s.objects, key)
	return true, nil
}

func (s *memoryStore) List(ctx context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
