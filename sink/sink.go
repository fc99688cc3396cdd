package sink

import (
	"context"
	"sync"
)

type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
	// Metadata is stored alongside the object when the backend supports it.
	Metadata map[string]string
}

type Sinker interface {
	Write(ctx context.Context, req WriteRequest) error
}

// Memory keeps written objects in a map. Useful for local runs and tests.
type Memory struct {
	mu      sync.Mutex
	objects map[string]WriteRequest
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]WriteRequest)}
}

func (m *Memory) Write(ctx context.Context, req WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req.Data = append([]byte(nil), req.Data...)

	m.mu.Lock()
	m.objects[req.Key] = req
	m.mu.Unlock()
	return nil
}

// Get returns the object stored under key.
func (m *Memory) Get(key string) (WriteRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.objects[key]
	return req, ok
}

// Keys returns the stored keys in no particular order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}
