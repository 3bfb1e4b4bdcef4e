//go:build linux
// +build linux

package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolCheckoutWithinCapacity(t *testing.T) {
	p := NewConnPool(4)

	seen := make(map[*ConnInfo]bool)
	for i := 0; i < 4; i++ {
		ci := p.Checkout()
		assert.True(t, ci.pooled, "within capacity all instances are pooled")
		assert.False(t, seen[ci], "a pooled instance must never be checked out twice")
		seen[ci] = true
	}
	assert.Equal(t, 4, p.CheckedOut())
}

func TestPoolFallbackBeyondCapacity(t *testing.T) {
	p := NewConnPool(2)

	a := p.Checkout()
	b := p.Checkout()
	c := p.Checkout()

	assert.True(t, a.pooled)
	assert.True(t, b.pooled)
	assert.False(t, c.pooled, "beyond capacity checkout falls back to a transient instance")
	assert.Equal(t, -1, c.slot)
	assert.Equal(t, 2, p.CheckedOut(), "fallbacks do not count against the pool")
	assert.Equal(t, uint64(1), p.Fallbacks())
}

func TestPoolReturnClearsState(t *testing.T) {
	p := NewConnPool(1)

	ci := p.Checkout()
	_ = ci.appendIn([]byte("datagram"), 1024)
	ci.setResponse([]byte("resp"), false)
	ci.udp = true

	p.Return(ci)
	assert.Equal(t, 0, p.CheckedOut())

	again := p.Checkout()
	assert.Same(t, ci, again, "capacity-1 pool must hand back the same slot")
	assert.Empty(t, again.in, "buffers must be cleared on return")
	assert.Zero(t, again.Len())
	assert.False(t, again.udp)
}

func TestPoolRecycledInstanceRestartsLifecycle(t *testing.T) {
	p := NewConnPool(1)

	ci := p.Checkout()
	require.NoError(t, ci.advance(StateReading))
	require.NoError(t, ci.advance(StateProcessing))
	p.Return(ci)

	// Each checkout begins a fresh lifecycle, so the datagram transitions
	// must succeed on every recycle.
	again := p.Checkout()
	assert.Same(t, ci, again)
	assert.Equal(t, StateConnecting, again.State())
	assert.NoError(t, again.advance(StateReading))
	assert.NoError(t, again.advance(StateProcessing))
}

func TestPoolDoubleReturnIsNoOp(t *testing.T) {
	p := NewConnPool(2)

	ci := p.Checkout()
	p.Return(ci)
	p.Return(ci)

	assert.Equal(t, 0, p.CheckedOut())

	// The free list must not contain the slot twice.
	a := p.Checkout()
	b := p.Checkout()
	assert.NotSame(t, a, b, "double return must not duplicate a free-list entry")
}

func TestPoolTransientReturnNeverEntersFreeList(t *testing.T) {
	p := NewConnPool(1)

	pooled := p.Checkout()
	transient := p.Checkout()
	assert.False(t, transient.pooled)

	p.Return(transient)
	assert.Equal(t, 1, p.CheckedOut(), "transient return must not free a pooled slot")

	p.Return(pooled)
	assert.Equal(t, 0, p.CheckedOut())
}

func TestPoolOverloadScenario(t *testing.T) {
	// 5000 simultaneous exchanges against a 4096-slot pool: the first 4096
	// are pooled, the remainder transient, and every one completes.
	const capacity = 4096
	const total = 5000

	p := NewConnPool(capacity)

	out := make([]*ConnInfo, 0, total)
	pooledCount := 0
	for i := 0; i < total; i++ {
		ci := p.Checkout()
		if ci.pooled {
			pooledCount++
		}
		out = append(out, ci)
		assert.LessOrEqual(t, p.CheckedOut(), capacity, "checked-out count must never exceed capacity")
	}

	assert.Equal(t, capacity, pooledCount)
	assert.Equal(t, uint64(total-capacity), p.Fallbacks())

	for _, ci := range out {
		p.Return(ci)
	}
	assert.Equal(t, 0, p.CheckedOut())

	// The pool is a closed system: after returning everything, exactly
	// capacity instances are available again.
	for i := 0; i < capacity; i++ {
		assert.True(t, p.Checkout().pooled)
	}
	assert.False(t, p.Checkout().pooled)
}
