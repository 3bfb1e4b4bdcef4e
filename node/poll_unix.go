//go:build linux
// +build linux

package node

import (
	"sync"
	"time"

	"github.com/raidanetwork/raida-go/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readChunkSize = 4096

	// maxDatagramSize is the largest UDP payload the kernel can deliver;
	// the receive buffer is sized to it so oversize detection happens here,
	// not by silent truncation.
	maxDatagramSize = 64 * 1024
)

// Poll is the reactor: the one goroutine that owns every epoll registration
// mutation and all descriptor I/O outside PROCESSING. Workers reach it only
// through the write-ready channel.
type Poll struct {
	*Registry

	epollFd  int
	listenFd int
	udpFd    int
	efd      int

	maxEvents   int
	waitMsec    int
	maxBody     int
	idleTimeout time.Duration

	pool    *ConnPool
	ready   *writeReadyChannel
	workers *workerPool
	handler Handler
	fast    FastPather
	framer  Framer

	readBuf    []byte
	udpBuf     []byte
	udpPending []*ConnInfo
	lastSweep  time.Time

	// stopMu and stopped fence Stop against shutdown: once CloseGracefully
	// has released the eventfd, a late Stop must not write to a descriptor
	// number the OS may have reused.
	stopMu  sync.Mutex
	stopped bool

	done chan struct{}
}

// NewPoll builds the reactor around an already-bound TCP listener and UDP
// socket. A failure to create the epoll instance or the eventfd is a fatal
// startup error.
func NewPoll(cfg Config, lnFd, udpFd int, handler Handler, framer Framer) (*Poll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Logger.Error("failed to create epoll", zap.Error(err))
		return nil, err
	}

	r := NewRegistry(epfd, cfg.MaxFDs)

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		log.Logger.Error("failed to create eventfd", zap.Error(err))
		unix.Close(epfd)
		return nil, err
	}

	// Register the eventfd, the listener and the UDP socket for read events.
	if err := r.registerRead(efd); err != nil {
		log.Logger.Error("failed to add eventfd to epoll", zap.Error(err))
		return nil, err
	}
	if err := r.registerRead(lnFd); err != nil {
		log.Logger.Error("failed to add listener to epoll", zap.Error(err))
		return nil, err
	}
	if err := r.registerRead(udpFd); err != nil {
		log.Logger.Error("failed to add udp socket to epoll", zap.Error(err))
		return nil, err
	}

	ready := newWriteReadyChannel(efd)
	fast, _ := handler.(FastPather)

	p := &Poll{
		Registry:    r,
		epollFd:     epfd,
		listenFd:    lnFd,
		udpFd:       udpFd,
		efd:         efd,
		maxEvents:   cfg.MaxEvents,
		waitMsec:    int(cfg.PollTimeout.Milliseconds()),
		maxBody:     cfg.MaxBodySize,
		idleTimeout: cfg.IdleTimeout,
		pool:        NewConnPool(cfg.UDPPoolSize),
		ready:       ready,
		workers:     newWorkerPool(cfg.Workers, cfg.WorkerQueue, handler, ready),
		handler:     handler,
		fast:        fast,
		framer:      framer,
		readBuf:     make([]byte, readChunkSize),
		udpBuf:      make([]byte, maxDatagramSize),
		lastSweep:   time.Now(),
		done:        make(chan struct{}),
	}

	return p, nil
}

// ArmWrite asks the reactor to arm the connection for write readiness. Safe
// from any goroutine, idempotent per completed request, and a no-op for a
// connection that has already closed.
func (p *Poll) ArmWrite(ci *ConnInfo) {
	p.ready.push(WriteReadyRequest{fd: ci.fd, ci: ci, gen: ci.gen})
}

// Stop asks the reactor to shut down. Safe from any goroutine, and a no-op
// once the reactor has already released its descriptors.
func (p *Poll) Stop() {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if p.stopped {
		return
	}
	if err := sendSignal(p.efd, SignalStop); err != nil {
		log.Logger.Error("failed to send stop signal", zap.Error(err))
	}
}

// Done is closed once the event loop has exited and all descriptors are
// released.
func (p *Poll) Done() <-chan struct{} {
	return p.done
}

// CloseGracefully order: workers, eventfd, listener, udp socket,
// connections, epoll. Prevents fd leaks on the way out.
func (p *Poll) CloseGracefully() error {
	p.workers.stop()

	p.stopMu.Lock()
	p.stopped = true
	p.stopMu.Unlock()

	if err := p.Delete(p.efd); err != nil {
		log.Logger.Debug("failed to delete eventfd from epoll", zap.Error(err))
	}
	if err := CloseFd(p.efd); err != nil {
		log.Logger.Debug("failed to close eventfd", zap.Error(err))
	}

	if err := p.Delete(p.listenFd); err != nil {
		log.Logger.Debug("failed to delete listener from epoll", zap.Error(err))
	}
	if err := CloseFd(p.listenFd); err != nil {
		log.Logger.Debug("failed to close listener", zap.Error(err))
	}

	for _, ci := range p.udpPending {
		p.pool.Return(ci)
	}
	p.udpPending = nil
	if err := p.Delete(p.udpFd); err != nil {
		log.Logger.Debug("failed to delete udp socket from epoll", zap.Error(err))
	}
	if err := CloseFd(p.udpFd); err != nil {
		log.Logger.Debug("failed to close udp socket", zap.Error(err))
	}

	if err := p.ClosAndClearAllFDs(); err != nil {
		log.Logger.Debug("failed to close connections", zap.Error(err))
	}

	if err := CloseFd(p.epollFd); err != nil {
		log.Logger.Info("failed to close epoll", zap.Error(err))
	}

	return nil
}

// poll is the event loop. The wait is bounded so the write-ready channel and
// the idle sweep make progress even with no I/O activity at all.
func (p *Poll) poll() {
	events := make([]unix.EpollEvent, p.maxEvents)

	defer close(p.done)
	defer p.CloseGracefully()

	for {
		n, err := unix.EpollWait(p.epollFd, events, p.waitMsec)
		if n < 0 && err == unix.EINTR {
			continue
		} else if err != nil {
			log.Logger.Error("epoll wait error", zap.Error(err))
			return
		}

		stopping := false
		for i := 0; i < n; i++ {
			ev := &events[i]
			switch err := p.processEvent(int(ev.Fd), ev); err {
			case nil:
			case ErrSignalStopped:
				stopping = true
			default:
				// A per-connection failure never takes the reactor down.
				log.Logger.Error("failed to process event", zap.Error(err))
			}
		}

		p.drainReady()
		p.sweepIdle()

		if stopping {
			return
		}
	}
}

// processEvent routes one readiness event by descriptor kind and, for client
// connections, by event direction and lifecycle state.
func (p *Poll) processEvent(fd int, ev *unix.EpollEvent) error {
	if ev.Events&unix.EPOLLERR != 0 || ev.Events&unix.EPOLLHUP != 0 {
		switch fd {
		case p.efd, p.listenFd, p.udpFd:
			log.Logger.Error("epoll error event on core descriptor", zap.Int("fd", fd))
			return nil
		}
		if ci, ok := p.Get(fd); ok {
			p.closeConn(ci, "epoll error event")
		} else {
			p.unregister(fd)
			CloseFd(fd)
		}
		return nil
	}

	switch fd {
	case p.efd:
		return p.handleSignal()
	case p.listenFd:
		return p.accept(fd)
	case p.udpFd:
		if ev.Events&unix.EPOLLIN != 0 {
			p.handleDatagrams()
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			p.flushUDPPending()
		}
		return nil
	}

	ci, ok := p.Get(fd)
	if !ok {
		// Event for a descriptor closed earlier in this batch.
		log.Logger.Debug("event for unknown fd", zap.Int("fd", fd))
		return nil
	}

	if ev.Events&unix.EPOLLIN != 0 {
		p.handleRead(ci)
	}
	if ev.Events&unix.EPOLLOUT != 0 && ci.state == StateWriting {
		p.handleWrite(ci)
	}
	return nil
}

// handleSignal drains the eventfd counter. A stop bit terminates the loop;
// plain wakeups just mean the write-ready channel has work, which the loop
// drains right after the event batch.
func (p *Poll) handleSignal() error {
	stop, err := readSignal(p.efd)
	if err != nil {
		log.Logger.Error("failed to read from event fd", zap.Error(err))
		return nil
	}
	if stop {
		return ErrSignalStopped
	}
	return nil
}

// accept drains the listener backlog. Runs until EAGAIN so a single
// readiness event cannot strand queued connections.
func (p *Poll) accept(fd int) error {
	for {
		connFd, sa, err := unix.Accept(fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			log.Logger.Error("accept error", zap.Error(err))
			return nil
		}

		if err := unix.SetNonblock(connFd, true); err != nil {
			log.Logger.Error("set nonblock error", zap.Int("fd", connFd), zap.Error(err))
			CloseFd(connFd)
			continue
		}

		if p.Full() {
			// Registry at capacity: shed the new connection, keep serving
			// the ones we have.
			log.Logger.Warn("registry full, rejecting connection",
				zap.Int("fd", connFd), zap.Int("max_fds", p.maxFDs))
			CloseFd(connFd)
			continue
		}

		ci := newConnInfo(connFd, sockaddrIP(sa))
		if err := p.Put(connFd, ci); err != nil {
			log.Logger.Error("registry put error", zap.Int("fd", connFd), zap.Error(err))
			CloseFd(connFd)
			continue
		}
		if err := p.registerRead(connFd); err != nil {
			log.Logger.Error("register read error", zap.Int("fd", connFd), zap.Error(err))
			p.Remove(connFd)
			CloseFd(connFd)
			continue
		}

		log.Logger.Debug("new connection", zap.Int("fd", connFd), zap.String("ip", ci.ip))
	}
}

// handleRead accumulates request bytes and, once the framer reports a
// complete request, hands it to the worker pool.
func (p *Poll) handleRead(ci *ConnInfo) {
	if ci.state == StateConnecting {
		if err := ci.advance(StateReading); err != nil {
			p.closeConn(ci, "lifecycle error")
			return
		}
	}
	if ci.state != StateReading {
		// PROCESSING has the fd disarmed and WRITING has no read interest;
		// a stray read event in either state is ignored.
		return
	}
	ci.touch()

	for {
		n, err := unix.Read(ci.fd, p.readBuf)
		if n > 0 {
			if aerr := ci.appendIn(p.readBuf[:n], p.maxBody); aerr != nil {
				log.Logger.Warn("request body too large",
					zap.Int("fd", ci.fd), zap.Int("max", p.maxBody))
				p.closeConn(ci, "size violation")
				return
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			p.closeConn(ci, "read error")
			return
		}
		if n == 0 {
			p.closeConn(ci, "peer closed")
			return
		}
	}

	p.dispatchBuffered(ci)
}

// dispatchBuffered frames the accumulated buffer and, when a complete request
// is present, hands it to the worker pool. Called after every read burst and
// again after every response flush: a client that pipelines several requests
// in one write delivers only one EPOLLIN, so the buffer must be re-framed
// without waiting for bytes that will never arrive.
func (p *Poll) dispatchBuffered(ci *ConnInfo) {
	if ci.state != StateReading || len(ci.in) == 0 {
		return
	}

	n, err := p.framer.Frame(ci.in)
	if err != nil {
		p.closeConn(ci, "protocol violation")
		return
	}
	if n == 0 {
		// Incomplete request, keep reading.
		return
	}

	req := ci.consume(n)
	if err := ci.advance(StateProcessing); err != nil {
		p.closeConn(ci, "lifecycle error")
		return
	}
	// The worker owns the connection now; the reactor must observe nothing
	// for this fd until the worker arms it for write.
	if err := p.disarm(ci.fd); err != nil {
		p.closeConn(ci, "epoll disarm failed")
		return
	}
	if !p.workers.submit(task{ci: ci, req: req}) {
		log.Logger.Warn("worker queue full, shedding request", zap.Int("fd", ci.fd))
		p.closeConn(ci, "worker queue full")
	}
}

// handleWrite drains the response buffer across possibly multiple partial
// writes, then returns the connection to READING or closes it.
func (p *Poll) handleWrite(ci *ConnInfo) {
	ci.touch()

	for ci.Len() > 0 {
		n, err := unix.Write(ci.fd, ci.DataToWrite())
		if n > 0 {
			ci.Next(n)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				// Write interest stays armed; the next EPOLLOUT resumes.
				return
			}
			if err == unix.EINTR {
				continue
			}
			p.closeConn(ci, "write error")
			return
		}
	}

	if ci.closeAfterReply {
		p.closeConn(ci, "close after reply")
		return
	}
	if err := ci.advance(StateReading); err != nil {
		p.closeConn(ci, "lifecycle error")
		return
	}
	ci.setResponse(nil, false)
	if err := p.deregisterWrite(ci.fd); err != nil {
		p.closeConn(ci, "epoll rearm failed")
		return
	}
	// A pipelined request may already be complete in the buffer.
	p.dispatchBuffered(ci)
}

// drainReady consumes the whole cross-thread channel and applies each
// request: TCP connections get write interest armed, UDP exchanges get their
// datagram sent. Stale and duplicate requests are dropped silently.
func (p *Poll) drainReady() {
	for _, req := range p.ready.drain() {
		if req.ci != nil && req.ci.udp {
			p.sendDatagram(req)
			continue
		}

		ci, ok := p.Get(req.fd)
		if !ok || ci != req.ci || ci.gen != req.gen {
			// Connection closed (or fd reused) since the worker finished.
			continue
		}
		if ci.state != StateProcessing {
			// Duplicate arm for an already-armed request.
			continue
		}
		if err := ci.advance(StateWriting); err != nil {
			p.closeConn(ci, "lifecycle error")
			continue
		}
		if err := p.registerReadWrite(ci.fd); err != nil {
			log.Logger.Error("failed to arm write", zap.Int("fd", ci.fd), zap.Error(err))
			p.closeConn(ci, "epoll rearm failed")
		}
	}
}

// sendDatagram transmits a completed UDP response and returns the instance
// to the pool. On a full socket buffer the exchange joins the pending list
// flushed on the UDP socket's next EPOLLOUT.
func (p *Poll) sendDatagram(req WriteReadyRequest) {
	ci := req.ci
	if ci.gen != req.gen || ci.state != StateProcessing {
		// Slot already recycled, or a duplicate arm for this exchange.
		return
	}
	if err := ci.advance(StateWriting); err != nil {
		p.pool.Return(ci)
		return
	}

	err := unix.Sendto(p.udpFd, ci.DataToWrite(), 0, ci.peer)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		p.udpPending = append(p.udpPending, ci)
		if rerr := p.registerReadWrite(p.udpFd); rerr != nil {
			log.Logger.Error("failed to arm udp write", zap.Error(rerr))
			p.udpPending = p.udpPending[:len(p.udpPending)-1]
			p.pool.Return(ci)
		}
		return
	}
	if err != nil {
		log.Logger.Warn("udp send failed", zap.String("peer", ci.ip), zap.Error(err))
	}
	p.pool.Return(ci)
}

// flushUDPPending retries queued datagrams once the UDP socket reports
// writable, then drops write interest again.
func (p *Poll) flushUDPPending() {
	for len(p.udpPending) > 0 {
		ci := p.udpPending[0]
		err := unix.Sendto(p.udpFd, ci.DataToWrite(), 0, ci.peer)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			log.Logger.Warn("udp send failed", zap.String("peer", ci.ip), zap.Error(err))
		}
		p.pool.Return(ci)
		p.udpPending = p.udpPending[1:]
	}
	if err := p.deregisterWrite(p.udpFd); err != nil {
		log.Logger.Error("failed to disarm udp write", zap.Error(err))
	}
}

// handleDatagrams drains the UDP socket. Vote datagrams are answered inline;
// everything else is checked out of the pool and handed to a worker.
func (p *Poll) handleDatagrams() {
	for {
		n, sa, err := unix.Recvfrom(p.udpFd, p.udpBuf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			log.Logger.Error("recvfrom error", zap.Error(err))
			return
		}
		if n == 0 {
			continue
		}
		data := p.udpBuf[:n]

		if p.fast != nil {
			if resp, ok := p.fast.FastPath(data); ok {
				// Inline reply, no pool checkout, no worker round trip. A
				// vote that cannot be sent right now is stale by the time
				// the socket drains, so it is dropped rather than queued.
				if serr := unix.Sendto(p.udpFd, resp, 0, sa); serr != nil {
					log.Logger.Debug("vote reply dropped", zap.Error(serr))
				}
				continue
			}
		}

		ci := p.pool.Checkout()
		ci.udp = true
		ci.fd = p.udpFd
		ci.peer = sa
		ci.ip = sockaddrIP(sa)
		if aerr := ci.appendIn(data, p.maxBody); aerr != nil {
			log.Logger.Warn("oversized datagram dropped", zap.String("peer", ci.ip))
			p.pool.Return(ci)
			continue
		}
		if err := ci.advance(StateReading); err != nil {
			log.Logger.Error("datagram lifecycle error", zap.Error(err))
			p.pool.Return(ci)
			continue
		}
		req := ci.consume(n)
		if err := ci.advance(StateProcessing); err != nil {
			log.Logger.Error("datagram lifecycle error", zap.Error(err))
			p.pool.Return(ci)
			continue
		}

		if !p.workers.submit(task{ci: ci, req: req}) {
			log.Logger.Warn("worker queue full, dropping datagram", zap.String("peer", ci.ip))
			p.pool.Return(ci)
		}
	}
}

// sweepIdle reclaims connections with no activity within the idle timeout.
// Runs at most once per second, piggybacked on the loop; connections owned
// by a worker are never reclaimed out from under it.
func (p *Poll) sweepIdle() {
	now := time.Now()
	if now.Sub(p.lastSweep) < time.Second {
		return
	}
	p.lastSweep = now

	var stale []*ConnInfo
	for _, ci := range p.conns {
		if ci.state == StateProcessing {
			continue
		}
		if ci.idleFor(now) > p.idleTimeout {
			stale = append(stale, ci)
		}
	}
	for _, ci := range stale {
		p.closeConn(ci, "idle timeout")
	}
}

// closeConn tears one connection down: CLOSING, removal from the registry,
// then descriptor close, in that order. No other path may observe the fd
// between removal and close.
func (p *Poll) closeConn(ci *ConnInfo, reason string) {
	if ci.state == StateClosing {
		return
	}
	fd := ci.fd
	if err := ci.advance(StateClosing); err != nil {
		log.Logger.Error("close from unexpected state", zap.Error(err))
		ci.state = StateClosing
	}
	if err := p.Remove(fd); err != nil {
		log.Logger.Debug("failed to remove fd from epoll", zap.Int("fd", fd), zap.Error(err))
	}
	if err := CloseFd(fd); err != nil {
		log.Logger.Debug("failed to close fd", zap.Int("fd", fd), zap.Error(err))
	}
	log.Logger.Debug("connection closed", zap.Int("fd", fd), zap.String("reason", reason))
}
