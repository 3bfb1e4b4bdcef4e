//go:build linux
// +build linux

package node

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ConnState is the lifecycle state of one connection. Transitions follow a
// fixed graph; anything else is a bug and is rejected by advance.
type ConnState uint8

const (
	// StateConnecting is entered on accept (or pool checkout), before the
	// first readiness event is seen.
	StateConnecting ConnState = iota

	// StateReading accumulates bytes until a full request is framed.
	StateReading

	// StateProcessing means a worker owns the connection. The reactor must
	// not touch the descriptor until the worker arms it for write.
	StateProcessing

	// StateWriting drains the response buffer, possibly across several
	// partial writes.
	StateWriting

	// StateClosing is terminal.
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReading:
		return "READING"
	case StateProcessing:
		return "PROCESSING"
	case StateWriting:
		return "WRITING"
	case StateClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

// validTransition encodes the allowed lifecycle graph. Self transitions are
// not listed; a state persists across events without calling advance.
func validTransition(from, to ConnState) bool {
	switch from {
	case StateConnecting:
		return to == StateReading || to == StateClosing
	case StateReading:
		return to == StateProcessing || to == StateClosing
	case StateProcessing:
		return to == StateWriting || to == StateClosing
	case StateWriting:
		return to == StateReading || to == StateClosing
	case StateClosing:
		return false
	}
	return false
}

// ConnInfo holds the full per-connection state: one TCP connection, or one
// in-flight UDP exchange. Ownership is exclusive at any instant: the reactor
// while reading or writing, a worker while processing. Never both.
type ConnInfo struct {
	fd    int
	state ConnState
	ip    string

	in     []byte // accumulated request bytes, bounded by MaxBodySize
	out    []byte // pending response
	outPos int

	createdAt    time.Time
	lastActivity time.Time

	pooled bool // drawn from the UDP pool; returned, never freed
	slot   int  // arena index when pooled, -1 otherwise
	udp    bool
	peer   unix.Sockaddr // UDP reply address

	closeAfterReply bool

	// gen increments every reset. A write-ready request carries the gen it
	// was produced under, so a request that outlives its exchange (slot
	// reused for a new datagram, fd reused by the OS) is detectably stale.
	gen uint64

	// Proto is an opaque context owned by the protocol layer. The transport
	// never looks inside it.
	Proto any
}

func newConnInfo(fd int, ip string) *ConnInfo {
	now := time.Now()
	return &ConnInfo{
		fd:           fd,
		ip:           ip,
		state:        StateConnecting,
		slot:         -1,
		createdAt:    now,
		lastActivity: now,
	}
}

// advance moves the connection to the given state, rejecting transitions
// outside the lifecycle graph.
func (c *ConnInfo) advance(to ConnState) error {
	if !validTransition(c.state, to) {
		return fmt.Errorf("illegal transition %s -> %s for fd %d", c.state, to, c.fd)
	}
	c.state = to
	return nil
}

// appendIn adds freshly read bytes to the request buffer, enforcing the
// body-size bound before any byte beyond the limit is retained.
func (c *ConnInfo) appendIn(data []byte, max int) error {
	if len(c.in)+len(data) > max {
		return ErrBodyTooLarge
	}
	c.in = append(c.in, data...)
	return nil
}

// consume removes the first n bytes of the request buffer, returning a copy
// the worker may hold on to while the buffer is reused.
func (c *ConnInfo) consume(n int) []byte {
	req := make([]byte, n)
	copy(req, c.in[:n])
	c.in = c.in[:copy(c.in, c.in[n:])]
	return req
}

// setResponse installs the response buffer. Called by the worker that owns
// the connection, before arming it for write.
func (c *ConnInfo) setResponse(data []byte, closeAfter bool) {
	c.out = data
	c.outPos = 0
	c.closeAfterReply = closeAfter
}

// DataToWrite returns the unwritten remainder of the response.
func (c *ConnInfo) DataToWrite() []byte {
	return c.out[c.outPos:]
}

// Next moves the write cursor forward after a (possibly partial) write.
func (c *ConnInfo) Next(n int) {
	c.outPos += n
}

// Len returns the number of response bytes still to be written.
func (c *ConnInfo) Len() int {
	return len(c.out) - c.outPos
}

func (c *ConnInfo) touch() {
	c.lastActivity = time.Now()
}

func (c *ConnInfo) idleFor(now time.Time) time.Duration {
	return now.Sub(c.lastActivity)
}

// reset returns the instance to its freshly-created shape. The read buffer
// keeps its backing array so pooled instances do not reallocate per datagram.
func (c *ConnInfo) reset() {
	c.fd = -1
	c.state = StateConnecting
	c.ip = ""
	c.in = c.in[:0]
	c.out = nil
	c.outPos = 0
	c.udp = false
	c.peer = nil
	c.closeAfterReply = false
	c.gen++
	c.Proto = nil
	now := time.Now()
	c.createdAt = now
	c.lastActivity = now
}

// Fd returns the file descriptor of the connection.
func (c *ConnInfo) Fd() int {
	return c.fd
}

// Ip returns the remote address of the connection.
func (c *ConnInfo) Ip() string {
	return c.ip
}

// State returns the current lifecycle state.
func (c *ConnInfo) State() ConnState {
	return c.state
}
