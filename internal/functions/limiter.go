package functions

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/experimental"
)

const bytesPerMB = 1 << 20

// ResourceLimiter enforces the memory cap of a single sandbox. Every linear
// memory the sandbox creates is allocated through it, so every memory.grow
// passes through Reallocate and is checked against the cap. A refused growth
// makes memory.grow return -1 inside the guest.
//
// A limiter belongs to exactly one sandbox and is discarded with it.
type ResourceLimiter struct {
	mu       sync.Mutex
	limit    uint64
	used     uint64
	peak     uint64
	rejected bool
	denied   uint64
}

// NewResourceLimiter returns a limiter that caps total linear memory at
// limitMB mebibytes.
func NewResourceLimiter(limitMB int) *ResourceLimiter {
	if limitMB < 0 {
		limitMB = 0
	}
	return &ResourceLimiter{limit: uint64(limitMB) * bytesPerMB}
}

// Attach installs the limiter as the memory allocator for modules
// instantiated with the returned context.
func (l *ResourceLimiter) Attach(ctx context.Context) context.Context {
	return experimental.WithMemoryAllocator(ctx, l)
}

// Admit checks that an initial allocation of n bytes fits under the cap
// without reserving it.
func (l *ResourceLimiter) Admit(n uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used+n > l.limit {
		l.rejected = true
		l.denied = l.used + n
		return newError(KindResourceExceeded, nil,
			"initial memory of %d bytes exceeds limit of %d bytes", n, l.limit)
	}
	return nil
}

// Allocate implements experimental.MemoryAllocator.
func (l *ResourceLimiter) Allocate(_, maxBytes uint64) experimental.LinearMemory {
	return &limitedMemory{limiter: l, max: maxBytes}
}

// Rejected reports whether any growth request was refused.
func (l *ResourceLimiter) Rejected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejected
}

// RejectionError describes the most recent refused request, or nil.
func (l *ResourceLimiter) RejectionError() *Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.rejected {
		return nil
	}
	return newError(KindResourceExceeded, nil,
		"memory growth to %d bytes exceeds limit of %d MB", l.denied, l.limit/bytesPerMB)
}

// UsedBytes returns the linear memory currently held by the sandbox.
func (l *ResourceLimiter) UsedBytes() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// PeakMB returns the high-water mark of linear memory in MiB.
func (l *ResourceLimiter) PeakMB() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.peak) / bytesPerMB
}

func (l *ResourceLimiter) grow(from, to uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if to <= from {
		return true
	}
	next := l.used + (to - from)
	if next > l.limit {
		l.rejected = true
		l.denied = next
		return false
	}
	l.used = next
	if next > l.peak {
		l.peak = next
	}
	return true
}

func (l *ResourceLimiter) release(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.used {
		n = l.used
	}
	l.used -= n
}

// limitedMemory is one linear memory backed by a Go slice whose length is
// charged against the owning limiter.
type limitedMemory struct {
	limiter *ResourceLimiter
	buf     []byte
	max     uint64
}

func (m *limitedMemory) Reallocate(size uint64) []byte {
	if size > m.max {
		return nil
	}
	current := uint64(len(m.buf))
	if !m.limiter.grow(current, size) {
		return nil
	}
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
		return m.buf
	}

	newCap := max(size, min(2*uint64(cap(m.buf)), m.max, m.limiter.limit))
	buf := make([]byte, size, newCap)
	copy(buf, m.buf)
	m.buf = buf
	return m.buf
}

func (m *limitedMemory) Free() {
	m.limiter.release(uint64(len(m.buf)))
	m.buf = nil
}
