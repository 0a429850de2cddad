// Package memory keeps payload snapshots in memory for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pcallen/catalogue-harvester/internal/archive"
)

// Archive stores snapshots in memory and returns pseudo URIs.
type Archive struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

var _ archive.Provider = (*Archive)(nil)

// New creates an empty in-memory archive.
func New() *Archive {
	return &Archive{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Save records the snapshot and returns a memory:// URI.
func (a *Archive) Save(_ context.Context, objectName, contentType string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[objectName] = append([]byte(nil), data...)
	a.types[objectName] = contentType
	return fmt.Sprintf("memory://%s", objectName), nil
}

// Object returns a stored snapshot by name.
func (a *Archive) Object(objectName string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.objects[objectName]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// ObjectNames lists the stored snapshot names.
func (a *Archive) ObjectNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.objects))
	for name := range a.objects {
		names = append(names, name)
	}
	return names
}
