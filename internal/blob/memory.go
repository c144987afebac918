package blob

import (
	"context"
	"fmt"
	"sync"
)

// Object is one blob captured by the in-memory store.
type Object struct {
	Data        []byte
	ContentType string
}

// Memory is an in-process Store used by tests. It mimics GCS URIs so
// manifests written against it look like production manifests.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory { return &Memory{objects: make(map[string]Object)} }

func (s *Memory) Put(_ context.Context, bucket, object string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[s.URI(bucket, object)] = Object{Data: cp, ContentType: contentType}
	return nil
}

func (s *Memory) URI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

// Get returns a stored object by URI.
func (s *Memory) Get(uri string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[uri]
	return o, ok
}

// List returns all stored URIs.
func (s *Memory) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}

// Len reports how many objects were written.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
