package node

// The protocol boundary. The reactor moves raw bytes; what those bytes mean
// belongs to the handler the embedding application installs.

// VoteMagic is the leading byte of an integrity/consensus vote datagram,
// the one request subtype answered inline on the reactor thread.
const VoteMagic byte = 0x56

// Handler computes a response for one fully framed request. It runs on a
// worker goroutine and may block (database access, crypto, and so on).
// closeAfter asks the reactor to close the connection once the response has
// been flushed instead of keeping it alive.
type Handler interface {
	Handle(req []byte) (resp []byte, closeAfter bool)
}

// FastPather recognizes latency-critical datagrams that must be answered
// before the UDP read loop continues. FastPath runs on the reactor thread
// and therefore has to be cheap and non-blocking; returning ok=false sends
// the datagram down the normal worker path.
type FastPather interface {
	FastPath(datagram []byte) (resp []byte, ok bool)
}

// Framer decides when the accumulated read buffer holds one complete
// request. It returns the length of the first complete request, 0 when more
// bytes are needed, or an error on a protocol violation (which closes the
// connection).
type Framer interface {
	Frame(buf []byte) (n int, err error)
}

// EchoHandler is the default handler: every request is echoed back and the
// connection kept alive. Vote datagrams get a two-byte acknowledgment.
type EchoHandler struct{}

func (EchoHandler) Handle(req []byte) ([]byte, bool) {
	resp := make([]byte, len(req))
	copy(resp, req)
	return resp, false
}

func (EchoHandler) FastPath(datagram []byte) ([]byte, bool) {
	if len(datagram) > 0 && datagram[0] == VoteMagic {
		return []byte{VoteMagic, 0x01}, true
	}
	return nil, false
}

// BurstFramer treats every read burst as one complete request. It stands in
// for a real protocol framer when none is installed.
type BurstFramer struct{}

func (BurstFramer) Frame(buf []byte) (int, error) {
	return len(buf), nil
}
