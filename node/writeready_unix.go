//go:build linux
// +build linux

package node

import (
	"sync"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/raidanetwork/raida-go/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pipeSignal is the value written to the reactor's eventfd. The kernel sums
// pending eventfd writes into one counter, so the stop signal uses a high
// bit that survives aggregation with any number of wakeups.
type pipeSignal uint64

const (
	SignalWakeup pipeSignal = 1
	SignalStop   pipeSignal = 1 << 32
)

// WriteReadyRequest asks the reactor to arm a connection for write. Workers
// produce them; the reactor consumes each exactly once. The ConnInfo pointer
// lets the reactor verify the descriptor still belongs to the producing
// connection before touching epoll.
type WriteReadyRequest struct {
	fd  int
	ci  *ConnInfo
	gen uint64
}

// writeReadyChannel is the only structure shared between worker goroutines
// and the reactor. Producers append under the mutex and signal the eventfd;
// the reactor drains the whole queue each loop iteration. The queue is
// unbounded so an enqueue never blocks and never drops a response.
type writeReadyChannel struct {
	mu  sync.Mutex
	q   *queue.Queue
	efd int
}

func newWriteReadyChannel(efd int) *writeReadyChannel {
	return &writeReadyChannel{
		q:   queue.New(),
		efd: efd,
	}
}

// push enqueues one request and wakes the reactor. Safe from any goroutine.
func (c *writeReadyChannel) push(req WriteReadyRequest) {
	c.mu.Lock()
	c.q.Add(req)
	c.mu.Unlock()

	if err := sendSignal(c.efd, SignalWakeup); err != nil {
		// The request is already queued; the reactor's bounded wait timeout
		// guarantees it is drained on the next iteration even without the
		// wakeup.
		log.Logger.Warn("failed to signal reactor eventfd", zap.Error(err))
	}
}

// drain removes and returns all pending requests in enqueue order. Called
// only from the reactor goroutine.
func (c *writeReadyChannel) drain() []WriteReadyRequest {
	c.mu.Lock()
	n := c.q.Length()
	if n == 0 {
		c.mu.Unlock()
		return nil
	}
	reqs := make([]WriteReadyRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, c.q.Remove().(WriteReadyRequest))
	}
	c.mu.Unlock()
	return reqs
}

// pending returns the queue length, for tests and diagnostics.
func (c *writeReadyChannel) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Length()
}

// sendSignal writes a signal value to the event fd.
func sendSignal(efd int, sig pipeSignal) error {
	_, err := unix.Write(efd, (*(*[8]byte)(unsafe.Pointer(&sig)))[:])
	if err == unix.EAGAIN {
		// Counter saturated: the reactor has an enormous backlog of wakeups
		// already pending, so it will wake regardless.
		return nil
	}
	return err
}

// readSignal drains the event fd counter and reports whether the stop bit
// was set by any producer.
func readSignal(efd int) (stop bool, err error) {
	var buf uint64
	_, err = unix.Read(efd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:])
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, err
	}
	return pipeSignal(buf) >= SignalStop, nil
}
