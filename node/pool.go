//go:build linux
// +build linux

package node

import (
	"github.com/raidanetwork/raida-go/log"
	"go.uber.org/zap"
)

// ConnPool is the fixed-capacity store of ConnInfo instances used for UDP
// exchanges. Slots live in one arena; the free list holds arena indexes, so
// checkout and return are a stack pop and push. Checkout beyond capacity
// falls back to an ordinary allocation marked non-pooled; the pool itself
// never rejects a request.
//
// The pool is mutated only by the reactor goroutine, so no locking is needed
// around the free list.
type ConnPool struct {
	slots []ConnInfo
	free  []int
	inUse []bool

	fallbacks uint64 // fallback allocations since start, for diagnostics
}

func NewConnPool(capacity int) *ConnPool {
	p := &ConnPool{
		slots: make([]ConnInfo, capacity),
		free:  make([]int, 0, capacity),
		inUse: make([]bool, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		p.slots[i].slot = i
		p.slots[i].pooled = true
		p.slots[i].fd = -1
		p.free = append(p.free, i)
	}
	return p
}

// Checkout takes one free pooled instance, or allocates a transient one when
// the pool is exhausted. Never fails.
func (p *ConnPool) Checkout() *ConnInfo {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse[idx] = true
		ci := &p.slots[idx]
		ci.reset()
		return ci
	}

	p.fallbacks++
	log.Logger.Debug("udp pool exhausted, falling back to transient allocation",
		zap.Uint64("fallbacks", p.fallbacks))
	ci := newConnInfo(-1, "")
	return ci
}

// Return gives an instance back. Pooled instances are cleared and pushed
// onto the free list; transient ones are simply dropped for the GC. A second
// Return of the same pooled instance is a no-op.
func (p *ConnPool) Return(ci *ConnInfo) {
	if ci == nil {
		return
	}
	if !ci.pooled {
		ci.reset()
		return
	}
	if !p.inUse[ci.slot] {
		return
	}
	ci.reset()
	p.inUse[ci.slot] = false
	p.free = append(p.free, ci.slot)
}

// CheckedOut returns the number of pooled instances currently in use.
func (p *ConnPool) CheckedOut() int {
	return len(p.slots) - len(p.free)
}

// Cap returns the pool capacity.
func (p *ConnPool) Cap() int {
	return len(p.slots)
}

// Fallbacks returns how many transient instances have been handed out.
func (p *ConnPool) Fallbacks() uint64 {
	return p.fallbacks
}
