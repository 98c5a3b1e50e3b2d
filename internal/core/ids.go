package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDSource produces opaque identifiers for new columns.
type IDSource interface {
	NewID() string
}

// UUIDSource generates random UUIDs.
type UUIDSource struct{}

func (UUIDSource) NewID() string { return uuid.NewString() }

// SequenceSource generates prefix-1, prefix-2, ... and is replayable in tests.
type SequenceSource struct {
	Prefix string
	n      atomic.Int64
}

func (s *SequenceSource) NewID() string {
	return fmt.Sprintf("%s-%d", s.Prefix, s.n.Add(1))
}

// IDAllocator hands out ids that never collide with ids already in use.
type IDAllocator struct {
	src IDSource

	mu   sync.Mutex
	used map[string]struct{}
}

// NewIDAllocator creates an allocator that avoids every id in existing.
func NewIDAllocator(src IDSource, existing ...string) *IDAllocator {
	if src == nil {
		src = UUIDSource{}
	}
	a := &IDAllocator{src: src, used: make(map[string]struct{}, len(existing))}
	for _, id := range existing {
		a.used[id] = struct{}{}
	}
	return a
}

// Reserve marks id as used.
func (a *IDAllocator) Reserve(id string) {
	a.mu.Lock()
	a.used[id] = struct{}{}
	a.mu.Unlock()
}

// Next returns a fresh id. It panics if the source keeps repeating itself,
// which only a broken IDSource does.
func (a *IDAllocator) Next() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for range 1000 {
		id := a.src.NewID()
		if _, taken := a.used[id]; taken || id == "" {
			continue
		}
		a.used[id] = struct{}{}
		return id
	}
	panic("core: id source keeps returning used ids")
}

type requestIDKey struct{}

// WithRequestID tags the create calls made with ctx as one logical write.
// Retries reuse the id, so a remote that already committed the first
// attempt returns its result instead of creating a duplicate.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by [WithRequestID], if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func newRequestID() string { return uuid.NewString() }

// IdempotencyHeader carries the request id of a create call over HTTP.
const IdempotencyHeader = "Idempotency-Key"
