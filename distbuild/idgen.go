package distbuild

import (
	"fmt"
	"sync"
)

// IdentifierGenerator produces monotonically increasing, namespaced ids of
// the form "<namespace>-<n>", starting at 1. It never reuses an id within a
// namespace and is safe for concurrent use even though, in practice, it is
// only ever called from event-loop handlers running on a single goroutine.
type IdentifierGenerator struct {
	mu        sync.Mutex
	namespace string
	next      uint64
}

// NewIdentifierGenerator creates a generator for the given namespace.
func NewIdentifierGenerator(namespace string) *IdentifierGenerator {
	return &IdentifierGenerator{namespace: namespace, next: 1}
}

// Next returns the next unique id for this generator's namespace.
func (g *IdentifierGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("%s-%d", g.namespace, g.next)
	g.next++
	return id
}
