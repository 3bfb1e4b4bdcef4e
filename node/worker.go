//go:build linux
// +build linux

package node

import (
	"sync"

	"github.com/raidanetwork/raida-go/log"
	"go.uber.org/zap"
)

// task is one framed request handed from the reactor to the worker pool.
// The buffer is a private copy; the reactor will not touch it again.
type task struct {
	ci  *ConnInfo
	req []byte
}

// workerPool runs request handlers off the reactor thread. Workers block
// freely; the reactor never does. Completion is reported back through the
// write-ready channel, never by touching epoll directly.
type workerPool struct {
	tasks   chan task
	wg      sync.WaitGroup
	handler Handler
	ready   *writeReadyChannel
}

func newWorkerPool(n, queueSize int, handler Handler, ready *writeReadyChannel) *workerPool {
	wp := &workerPool{
		tasks:   make(chan task, queueSize),
		handler: handler,
		ready:   ready,
	}
	for i := 0; i < n; i++ {
		wp.wg.Add(1)
		go wp.run(i)
	}
	return wp
}

func (wp *workerPool) run(id int) {
	defer wp.wg.Done()
	for t := range wp.tasks {
		resp, closeAfter := wp.handler.Handle(t.req)
		t.ci.setResponse(resp, closeAfter)
		wp.ready.push(WriteReadyRequest{fd: t.ci.fd, ci: t.ci, gen: t.ci.gen})
	}
	log.Logger.Debug("worker exiting", zap.Int("worker", id))
}

// submit hands one task to the pool without blocking. A false return means
// the queue is full; the caller sheds the request instead of queuing without
// limit.
func (wp *workerPool) submit(t task) bool {
	select {
	case wp.tasks <- t:
		return true
	default:
		return false
	}
}

// stop closes the queue and waits for in-flight handlers to finish.
func (wp *workerPool) stop() {
	close(wp.tasks)
	wp.wg.Wait()
}
