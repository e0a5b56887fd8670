package duplexws

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/duplexws/duplexws/errs"
)

type (
	// Info is a snapshot of one connection's statistics. All fields are
	// copied by value so callers never observe tearing.
	Info struct {
		ID         int
		LocalAddr  net.Addr
		RemoteAddr net.Addr
		TLS        *tls.ConnectionState

		ConnectedAt time.Time
		ClosedAt    time.Time

		CloseCode          uint16
		CloseReason        string
		PeerInitiatedClose bool

		BytesRead     int64
		BytesSent     int64
		FramesRead    int64
		FramesSent    int64
		MessagesRead  int64
		MessagesSent  int64
		PingCount     int64
		PongCount     int64

		LastReadAt      time.Time
		LastDataReadAt  time.Time
		LastSentAt      time.Time
		LastDataSentAt  time.Time
		LastHeartbeatAt time.Time
	}
)

func (i Info) String() string {
	return fmt.Sprintf("Connection{id: %d, remote: %v, in: %d/%d, out: %d/%d, ping: %d/%d}",
		i.ID, i.RemoteAddr, i.MessagesRead, i.BytesRead, i.MessagesSent, i.BytesSent, i.PingCount, i.PongCount)
}

func (c *connection) initInfo() {
	c.info = Info{
		ID:          c.id,
		LocalAddr:   c.conn.LocalAddr(),
		RemoteAddr:  c.conn.RemoteAddr(),
		TLS:         c.TLSState(),
		ConnectedAt: time.Now(),
	}
}

// GetInfo returns a by-value copy of the current counters.
func (c *connection) GetInfo() Info {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.info
}

// CloseCode reports the negotiated close code once the connection closed.
func (c *connection) CloseCode() (uint16, error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closing {
		return 0, errs.ErrNotClosed
	}
	return c.closeCode, nil
}

// CloseReason reports the negotiated close reason once the connection closed.
func (c *connection) CloseReason() (string, error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closing {
		return "", errs.ErrNotClosed
	}
	return c.closeReason, nil
}

func (c *connection) PeerInitiatedClose() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.peerInitiated
}

// counter helpers, all under infoMu

func (c *connection) noteFrameSent(n int, data bool) {
	now := c.sched.Now()
	c.infoMu.Lock()
	c.info.FramesSent++
	c.info.BytesSent += int64(n)
	c.info.LastSentAt = now
	if data {
		c.info.LastDataSentAt = now
	}
	c.infoMu.Unlock()
}

func (c *connection) noteMessageSent() {
	c.infoMu.Lock()
	c.info.MessagesSent++
	c.infoMu.Unlock()
}

func (c *connection) noteBytesRead(n int) {
	c.infoMu.Lock()
	c.info.BytesRead += int64(n)
	c.info.LastReadAt = c.sched.Now()
	c.infoMu.Unlock()
}

func (c *connection) noteFrameRead(data bool) {
	c.infoMu.Lock()
	c.info.FramesRead++
	if data {
		c.info.LastDataReadAt = c.sched.Now()
	}
	c.infoMu.Unlock()
}

func (c *connection) noteMessageRead() {
	c.infoMu.Lock()
	c.info.MessagesRead++
	c.infoMu.Unlock()
}

// nextPing increments the ping counter and returns its new value.
func (c *connection) nextPing() int64 {
	now := c.sched.Now()
	c.infoMu.Lock()
	c.info.PingCount++
	c.info.LastHeartbeatAt = now
	n := c.info.PingCount
	c.infoMu.Unlock()
	return n
}

// notePong records an answered ping. The min() clamp keeps a malicious peer
// from inflating the pong counter past pings actually sent; the max() keeps
// the counter monotonic when pongs arrive out of order.
func (c *connection) notePong(acked int64) {
	c.infoMu.Lock()
	if acked > c.info.PingCount {
		acked = c.info.PingCount
	}
	if acked > c.info.PongCount {
		c.info.PongCount = acked
	}
	c.infoMu.Unlock()
}
