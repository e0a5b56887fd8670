package duplexws

import (
	"crypto/tls"
	"io"
	"net"

	"github.com/duplexws/duplexws/message"
)

type (
	// Role decides which side masks payloads: the initiator (the side that
	// opened the connection) masks, the responder must not.
	Role int

	// CloseHandler observes the final close code and reason of a connection.
	CloseHandler func(c Connection, code uint16, reason string)

	// Compressor is a negotiated permessage-deflate capability: a stateful
	// compressor/decompressor pair owned by one connection.
	Compressor interface {
		// Compress deflates one block; lastBlock marks the end of a message.
		Compress(b []byte, lastBlock bool) ([]byte, error)
		// Decompress inflates an accumulated message payload.
		Decompress(b []byte, lastBlock bool) ([]byte, error)
		// RSVBit is the header rsv bit flagging compressed messages.
		RSVBit() byte
		// Threshold is the minimum payload size worth compressing.
		Threshold() int
	}

	// Connection is a message-granularity WebSocket endpoint.
	Connection interface {
		ID() int
		LocalAddr() net.Addr
		RemoteAddr() net.Addr
		// TLSState returns the handshake state when the underlying stream
		// is a *tls.Conn, nil otherwise.
		TLSState() *tls.ConnectionState
		// IsConnected reports whether the connection is still open: false
		// as soon as a close is initiated by either side.
		IsConnected() bool

		// Recv returns the next inbound message; its body may still be
		// streaming in. Returns (nil, nil) once the connection closed.
		// Overlapping calls are a usage error answered with ErrRecvBusy.
		Recv() (*message.Message, error)
		// Send writes one text message; the payload must be valid UTF-8.
		// Returns the number of bytes written on the wire.
		Send(text []byte) (int, error)
		// SendBinary writes one binary message.
		SendBinary(b []byte) (int, error)
		// Stream writes a potentially large payload as fragmented frames,
		// without compression, flushing whenever the stream threshold of
		// bytes has accumulated.
		Stream(src io.Reader, binary bool) (int, error)
		// Ping sends a PING carrying the decimal form of a monotonically
		// increasing counter.
		Ping() (int, error)
		// Pong sends an unsolicited PONG with an application payload.
		Pong(payload []byte) (int, error)
		// Close initiates the graceful close handshake. After the
		// connection is closed it is a no-op returning 0.
		Close(code uint16, reason string) (int, error)
		// OnClose registers a post-close hook; when the connection is
		// already closed it fires synchronously.
		OnClose(cb CloseHandler)

		// CloseCode and CloseReason report the negotiated close outcome;
		// they fail with ErrNotClosed while the connection is open.
		CloseCode() (uint16, error)
		CloseReason() (string, error)
		// PeerInitiatedClose reports whether the peer sent CLOSE first.
		PeerInitiatedClose() bool
		// GetInfo returns a by-value snapshot of the connection counters.
		GetInfo() Info
	}
)

// roles
const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// masks reports whether this side masks its outbound payloads.
func (r Role) masks() bool {
	return r == Initiator
}
