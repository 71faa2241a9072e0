package media

import "sync/atomic"

// CountingHandle is an in-memory Handle that tracks outstanding references.
// Tests use it to prove every frame reference is eventually released.
type CountingHandle struct {
	ID   uint64
	refs *atomic.Int64
}

// NewCountingHandle returns a handle with a single outstanding reference.
func NewCountingHandle(id uint64) *CountingHandle {
	refs := &atomic.Int64{}
	refs.Store(1)
	return &CountingHandle{ID: id, refs: refs}
}

func (h *CountingHandle) Ref() Handle {
	h.refs.Add(1)
	return &CountingHandle{ID: h.ID, refs: h.refs}
}

func (h *CountingHandle) Release() {
	h.refs.Add(-1)
}

// Refs returns the number of references still held across all copies.
func (h *CountingHandle) Refs() int64 {
	return h.refs.Load()
}
