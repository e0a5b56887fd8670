package duplexws

import (
	log "github.com/sirupsen/logrus"

	"github.com/duplexws/duplexws/errs"
	"github.com/duplexws/duplexws/frame"
	"github.com/duplexws/duplexws/message"
	"github.com/duplexws/duplexws/utils"
)

// Close initiates the graceful close handshake: OPEN -> CLOSING, write the
// CLOSE frame, wait up to the close period for the peer's echo, then release
// the stream. Closing an already-closing connection is a no-op returning 0.
func (c *connection) Close(code uint16, reason string) (int, error) {
	return c.closeWith(code, reason, false, false)
}

// OnClose registers a post-close hook. If the connection is already closed
// the hook fires synchronously with the final code and reason.
func (c *connection) OnClose(cb CloseHandler) {
	c.closeMu.Lock()
	if c.finished {
		code, reason := c.closeCode, c.closeReason
		c.closeMu.Unlock()
		cb(c, code, reason)
		return
	}
	c.callbacks = append(c.callbacks, cb)
	c.closeMu.Unlock()
}

// closeWith performs the OPEN -> CLOSING transition. peer marks a
// peer-initiated close; locked means the caller already holds sendMu. Only
// the first transition writes the local CLOSE frame; an abnormal close
// writes nothing because the transport is presumed dead.
func (c *connection) closeWith(code uint16, reason string, peer, locked bool) (n int, err error) {
	c.closeMu.Lock()
	if c.closing {
		c.closeMu.Unlock()
		return 0, nil
	}
	c.closing = true
	c.closeCode = code
	c.closeReason = reason
	c.peerInitiated = peer
	close(c.closedq)
	c.closeMu.Unlock()

	now := c.sched.Now()
	c.infoMu.Lock()
	c.info.ClosedAt = now
	c.info.CloseCode = code
	c.info.CloseReason = reason
	c.info.PeerInitiatedClose = peer
	c.infoMu.Unlock()

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithField("domain", "connection").
			WithFields(log.Fields{"id": c.id, "code": code, "reason": reason, "peer": peer}).
			Debug("closing")
	}

	c.failAssembling(code, reason)

	if code == frame.CodeAbnormal {
		c.noteCloseSent()
		c.finish()
		return 0, nil
	}

	// the waiter owns the force-close deadline, so a send stuck on a dead
	// socket cannot hold the connection open past the close period
	go c.closeWait()

	f := &frame.Frame{Final: true, Opcode: frame.OpcodeClose, Payload: frame.BuildCloseBody(code, reason)}
	if !locked {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
	}
	n, err = c.writeFrame(f, false)
	c.noteCloseSent()
	if err != nil {
		c.finish()
		return n, nil
	}
	return n, nil
}

func (c *connection) noteCloseSent() {
	c.closeSentOnce.Do(func() {
		close(c.closeSentq)
	})
}

// abort closes without a close-frame exchange after a transport failure.
func (c *connection) abort(code uint16, reason string) {
	c.closeWith(code, reason, false, true)
}

// closeWait blocks until the peer's CLOSE releases the handshake or the
// close period expires, then releases the stream. The local CLOSE frame must
// be out first: a peer-initiated close has its echo in flight when the wait
// condition is already satisfied.
func (c *connection) closeWait() {
	t := utils.NewTimer()
	t.Reset(c.cfg.closePeriod)
	defer t.Stop()

	select {
	case <-c.peerCloseq:
	case <-t.C:
	case <-c.doneq:
	}
	t.Reset(c.cfg.closePeriod)
	select {
	case <-c.closeSentq:
	case <-t.C:
	case <-c.doneq:
	}
	c.finish()
}

// finish performs the CLOSING -> CLOSED transition exactly once: release the
// stream, deregister from the scheduler, recycle the id, fire close hooks.
func (c *connection) finish() {
	c.finishOnce.Do(func() {
		c.conn.Close()
		c.sched.Deregister(c)

		c.closeMu.Lock()
		c.finished = true
		code, reason := c.closeCode, c.closeReason
		cbs := c.callbacks
		c.callbacks = nil
		c.closeMu.Unlock()

		close(c.doneq)
		connIDs.Recycle(c.id)

		for _, cb := range cbs {
			cb(c, code, reason)
		}

		if log.IsLevelEnabled(log.DebugLevel) {
			log.WithField("domain", "connection").
				WithFields(log.Fields{"id": c.id, "code": code}).
				Debug("closed")
		}
	})
}

// failAssembling aborts the message in assembly, if any, with a ClosedError.
func (c *connection) failAssembling(code uint16, reason string) {
	c.asmMu.Lock()
	m := c.assembling
	c.assembling = nil
	c.asmMu.Unlock()
	if m != nil {
		m.Fail(errs.NewClosedError(code, reason))
	}
}

// setAssembling tracks the message currently in assembly.
func (c *connection) setAssembling(m *message.Message) {
	c.asmMu.Lock()
	c.assembling = m
	c.asmMu.Unlock()
}
