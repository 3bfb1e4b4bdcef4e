//go:build linux
// +build linux

package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestPoll builds a reactor shell around a real epoll instance, without
// sockets or workers, so individual handlers can be driven directly.
func newTestPoll(t *testing.T) *Poll {
	t.Helper()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { CloseFd(epfd) })

	efd := newTestEventfd(t)
	r := NewRegistry(epfd, 64)
	require.NoError(t, r.registerRead(efd))

	ready := newWriteReadyChannel(efd)
	workers := newWorkerPool(1, 4, EchoHandler{}, ready)
	t.Cleanup(workers.stop)

	return &Poll{
		Registry:    r,
		epollFd:     epfd,
		efd:         efd,
		maxEvents:   64,
		waitMsec:    10,
		maxBody:     64 * 1024,
		idleTimeout: time.Second,
		pool:        NewConnPool(4),
		ready:       ready,
		workers:     workers,
		handler:     EchoHandler{},
		fast:        EchoHandler{},
		framer:      BurstFramer{},
		readBuf:     make([]byte, readChunkSize),
		udpBuf:      make([]byte, maxDatagramSize),
		lastSweep:   time.Now(),
		done:        make(chan struct{}),
	}
}

// registerProcessingConn wires a socketpair end into the poll as a
// connection handed off to a worker: PROCESSING, fd disarmed.
func registerProcessingConn(t *testing.T, p *Poll) (*ConnInfo, int) {
	t.Helper()
	fd, peer := newSocketPair(t)

	ci := newConnInfo(fd, "test")
	require.NoError(t, p.Put(fd, ci))
	require.NoError(t, p.registerRead(fd))
	require.NoError(t, ci.advance(StateReading))
	require.NoError(t, ci.advance(StateProcessing))
	require.NoError(t, p.disarm(fd))
	return ci, peer
}

func TestArmWriteIsIdempotent(t *testing.T) {
	p := newTestPoll(t)
	ci, _ := registerProcessingConn(t, p)
	ci.setResponse([]byte("resp"), false)

	p.ArmWrite(ci)
	p.ArmWrite(ci)

	p.drainReady()

	assert.Equal(t, StateWriting, ci.State(), "first request arms the connection")
	ev, _ := p.interest(ci.Fd())
	assert.Equal(t, uint32(readWriteEvents), ev, "write interest registered exactly once")
	assert.Equal(t, 0, p.ready.pending(), "duplicate request consumed without effect")

	// A later duplicate, drained separately, must also be a no-op.
	p.ArmWrite(ci)
	p.drainReady()
	assert.Equal(t, StateWriting, ci.State())
}

func TestArmWriteAfterCloseIsDropped(t *testing.T) {
	p := newTestPoll(t)
	ci, _ := registerProcessingConn(t, p)
	ci.setResponse([]byte("resp"), false)

	p.ArmWrite(ci)
	p.closeConn(ci, "test close")

	p.drainReady()

	assert.Equal(t, StateClosing, ci.State(), "request for a closed connection is silently dropped")
	assert.Equal(t, 0, p.Len())
}

func TestArmWriteStaleGeneration(t *testing.T) {
	p := newTestPoll(t)
	ci, _ := registerProcessingConn(t, p)
	ci.setResponse([]byte("resp"), false)

	req := WriteReadyRequest{fd: ci.Fd(), ci: ci, gen: ci.gen - 1}
	p.ready.push(req)
	p.drainReady()

	assert.Equal(t, StateProcessing, ci.State(), "a stale-generation request must not arm the connection")
}

func TestHandleWriteFlushesAndRearms(t *testing.T) {
	p := newTestPoll(t)
	ci, peer := registerProcessingConn(t, p)
	ci.setResponse([]byte("0123456789"), false)

	p.ArmWrite(ci)
	p.drainReady()
	require.Equal(t, StateWriting, ci.State())

	p.handleWrite(ci)

	buf := make([]byte, 32)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), buf[:n], "peer receives exactly the buffered response")

	assert.Equal(t, StateReading, ci.State(), "flushed keep-alive connection returns to READING")
	ev, _ := p.interest(ci.Fd())
	assert.Equal(t, uint32(readEvents), ev, "write interest dropped after the flush")
}

func TestHandleWriteCloseAfterReply(t *testing.T) {
	p := newTestPoll(t)
	ci, peer := registerProcessingConn(t, p)
	ci.setResponse([]byte("bye"), true)

	p.ArmWrite(ci)
	p.drainReady()
	p.handleWrite(ci)

	assert.Equal(t, StateClosing, ci.State())
	assert.Equal(t, 0, p.Len(), "connection removed from the registry before close")

	buf := make([]byte, 8)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("bye"), buf[:n])

	// Peer observes EOF once the descriptor is closed.
	n, err = unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHandleWriteDispatchesBufferedRequest(t *testing.T) {
	p := newTestPoll(t)
	p.framer = fixedFramer{size: 4}

	ci, peer := registerProcessingConn(t, p)
	ci.in = append(ci.in, []byte("BBBB")...)
	ci.setResponse([]byte("AAAA"), false)

	p.ArmWrite(ci)
	p.drainReady()
	p.handleWrite(ci)

	buf := make([]byte, 8)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "AAAA", string(buf[:n]))

	// The second request was already complete in the buffer; the flush must
	// hand it to a worker without waiting for a read event that never comes.
	assert.Equal(t, StateProcessing, ci.State(), "buffered request dispatched after the flush")
	assert.Empty(t, ci.in, "buffered request consumed")
	ev, _ := p.interest(ci.Fd())
	assert.Equal(t, uint32(0), ev, "fd disarmed while the worker owns it")
}

func TestHandleReadOversizeClosesConnection(t *testing.T) {
	p := newTestPoll(t)
	p.maxBody = 8
	fd, peer := newSocketPair(t)

	ci := newConnInfo(fd, "test")
	require.NoError(t, p.Put(fd, ci))
	require.NoError(t, p.registerRead(fd))

	_, err := unix.Write(peer, []byte("way more than eight bytes"))
	require.NoError(t, err)

	p.handleRead(ci)

	assert.Equal(t, StateClosing, ci.State(), "oversize input forces CLOSING")
	assert.Equal(t, 0, p.Len())
	assert.LessOrEqual(t, len(ci.in), 8, "no buffer beyond the limit is retained")
}

func TestSweepIdleReclaimsStaleConnections(t *testing.T) {
	p := newTestPoll(t)
	p.idleTimeout = 10 * time.Millisecond

	idle, _ := registerProcessingConn(t, p)
	require.NoError(t, idle.advance(StateWriting))
	require.NoError(t, idle.advance(StateReading))

	busy, _ := registerProcessingConn(t, p)

	idle.lastActivity = time.Now().Add(-time.Second)
	busy.lastActivity = time.Now().Add(-time.Second)
	p.lastSweep = time.Now().Add(-2 * time.Second)

	p.sweepIdle()

	assert.Equal(t, StateClosing, idle.State(), "idle connection reclaimed by the sweep")
	assert.Equal(t, StateProcessing, busy.State(), "worker-owned connection never reclaimed")
	assert.Equal(t, 1, p.Len())
}
