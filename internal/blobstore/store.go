// Package blobstore stores rendered overlays and page images.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrNotFound   = errors.New("blobstore: object not found")
	ErrInvalidKey = errors.New("blobstore: key required")
)

// Store persists binary objects and returns the URL they are served from.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Get(ctx context.Context, key string) (Object, error)
}

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

func normalizeKey(key string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	return trimmed, nil
}

// joinURL appends an object key to a base URL, escaping each path segment.
func joinURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]Object
}

// NewMemoryStore constructs an in-memory store serving URLs under baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "memory://blobs"
	}
	return &MemoryStore{baseURL: baseURL, objects: make(map[string]Object)}
}

func (s *MemoryStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	normalized, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[normalized] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	s.mu.Unlock()
	return joinURL(s.baseURL, normalized), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	normalized, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}
	s.mu.RLock()
	object, ok := s.objects[normalized]
	s.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, normalized)
	}
	return Object{Data: append([]byte(nil), object.Data...), ContentType: object.ContentType}, nil
}

// Keys lists stored keys.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	return keys
}
