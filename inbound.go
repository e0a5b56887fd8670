package duplexws

import (
	"strconv"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/duplexws/duplexws/bytespool"
	"github.com/duplexws/duplexws/frame"
	"github.com/duplexws/duplexws/message"
)

// assembly is the read loop's state for the one message in flight.
type assembly struct {
	msg        *message.Message
	text       bool
	compressed bool
	// pending buffers body bytes until the stream threshold is reached;
	// compBuf accumulates a whole compressed message for inflation.
	pending []byte
	compBuf []byte
	utf8v   utf8Validator
}

func (a *assembly) reset() {
	a.msg = nil
	a.pending = a.pending[:0]
	a.compBuf = a.compBuf[:0]
	a.utf8v.reset()
}

// recvLoop is the single reader of the underlying stream: it feeds the
// parser, dispatches frames and applies the per-second inbound budgets.
func (c *connection) recvLoop() {
	defer c.parser.Release()

	buf := bytespool.Alloc(16 << 10)
	defer bytespool.Free(buf)

	var asm assembly
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.noteBytesRead(n)
			c.parser.Feed(buf[:n])

			frames := 0
			for {
				f, perr := c.parser.Next()
				if perr != nil {
					c.handleParseError(perr)
					return
				}
				if f == nil {
					break
				}
				frames++
				c.handleFrame(f, &asm)
			}
			c.sched.Touch(c)
			if c.throttle(n, frames) {
				return
			}
		}
		if err != nil {
			c.handleReadError(err)
			return
		}
	}
}

// throttle charges the inbound budgets and suspends reading until the next
// scheduler tick when either is exhausted. Reports whether the connection
// closed while suspended.
func (c *connection) throttle(nbytes, nframes int) bool {
	b := atomic.AddInt64(&c.bytesInSec, int64(nbytes))
	f := atomic.AddInt64(&c.framesInSec, int64(nframes))
	over := (c.cfg.bytesPerSecond > 0 && b > int64(c.cfg.bytesPerSecond)) ||
		(c.cfg.framesPerSecond > 0 && f > int64(c.cfg.framesPerSecond))
	if !over {
		return false
	}
	select {
	case <-c.sched.Throttle():
		return false
	case <-c.doneq:
		return true
	}
}

func (c *connection) handleParseError(err error) {
	if e, ok := err.(*frame.Error); ok {
		if log.IsLevelEnabled(log.DebugLevel) {
			log.WithField("domain", "connection").
				WithFields(log.Fields{"id": c.id, "code": e.Code}).
				Debug(e.Reason)
		}
		c.closeWith(e.Code, e.Reason, false, false)
		return
	}
	c.abort(frame.CodeAbnormal, "Reading from the client failed")
}

func (c *connection) handleReadError(err error) {
	c.closeMu.Lock()
	closing := c.closing
	c.closeMu.Unlock()
	if closing {
		// the peer dropped the stream during the close handshake; nothing
		// more will arrive, so release the close wait
		c.signalPeerClose()
		c.finish()
		return
	}
	c.abort(frame.CodeAbnormal, "Reading from the client failed")
}

func (c *connection) signalPeerClose() {
	c.peerCloseOnce.Do(func() {
		close(c.peerCloseq)
	})
}

func (c *connection) handleFrame(f *frame.Frame, asm *assembly) {
	c.noteFrameRead(f.IsData())

	if f.IsControl() {
		c.handleControl(f)
		return
	}

	// data frames arriving after a close are dropped
	select {
	case <-c.closedq:
		return
	default:
	}
	c.handleData(f, asm)
}

func (c *connection) handleControl(f *frame.Frame) {
	switch f.Opcode {
	case frame.OpcodePing:
		// the reply joins the outbound queue in the order the ping was
		// parsed; an error here surfaces through the write path
		c.Pong(f.Payload)

	case frame.OpcodePong:
		acked, err := strconv.ParseInt(string(f.Payload), 10, 64)
		if err != nil || acked <= 0 {
			c.closeWith(frame.CodePolicyViolation, "PONG payload must be a ping counter", false, false)
			return
		}
		c.notePong(acked)

	case frame.OpcodeClose:
		code, reason, err := frame.ParseCloseBody(f.Payload, c.cfg.validateUTF8, c.cfg.strictCloseCodes)
		if err != nil {
			e := err.(*frame.Error)
			c.closeWith(e.Code, e.Reason, false, false)
			return
		}
		c.signalPeerClose()
		c.closeWith(code, reason, true, false)
	}
}

func (c *connection) handleData(f *frame.Frame, asm *assembly) {
	if asm.msg == nil {
		if f.Opcode == frame.OpcodeContinuation {
			c.closeWith(frame.CodeProtocolError, "Unexpected continuation frame", false, false)
			return
		}
		asm.msg = message.New(f.Opcode == frame.OpcodeBinary)
		asm.text = f.Opcode == frame.OpcodeText
		asm.compressed = f.Compressed
		c.setAssembling(asm.msg)

		select {
		case c.recvq <- asm.msg:
		case <-c.closedq:
			asm.reset()
			c.setAssembling(nil)
			return
		}
	} else if f.Opcode != frame.OpcodeContinuation {
		c.closeWith(frame.CodeProtocolError, "Expected continuation frame", false, false)
		return
	}

	if asm.compressed {
		c.appendCompressed(f, asm)
		return
	}
	c.appendPlain(f, asm)
}

// appendPlain validates and forwards an uncompressed fragment, emitting a
// chunk to the body once the stream threshold accumulates or the message
// completes. A blocked consumer suspends the read loop here: that is the
// inbound backpressure.
func (c *connection) appendPlain(f *frame.Frame, asm *assembly) {
	if asm.text && c.cfg.validateUTF8 {
		if err := asm.utf8v.push(f.Payload); err != nil {
			c.closeWith(frame.CodeInconsistentData, "Invalid TEXT data; UTF-8 required", false, false)
			return
		}
		if f.Final {
			if err := asm.utf8v.finish(); err != nil {
				c.closeWith(frame.CodeInconsistentData, "Invalid TEXT data; UTF-8 required", false, false)
				return
			}
		}
	}

	asm.pending = append(asm.pending, f.Payload...)
	if len(asm.pending) > 0 && (len(asm.pending) >= c.cfg.streamThreshold || f.Final) {
		chunk := make([]byte, len(asm.pending))
		copy(chunk, asm.pending)
		asm.pending = asm.pending[:0]
		if err := asm.msg.Push(chunk); err != nil {
			asm.reset()
			c.setAssembling(nil)
			return
		}
	}

	if f.Final {
		asm.msg.End()
		c.noteMessageRead()
		asm.reset()
		c.setAssembling(nil)
	}
}

// appendCompressed accumulates a compressed message and inflates it whole
// once the final fragment arrives.
func (c *connection) appendCompressed(f *frame.Frame, asm *assembly) {
	asm.compBuf = append(asm.compBuf, f.Payload...)
	if !f.Final {
		return
	}

	out, err := c.comp.Decompress(asm.compBuf, true)
	if err != nil {
		if e, ok := err.(*frame.Error); ok {
			c.closeWith(e.Code, e.Reason, false, false)
		} else {
			c.closeWith(frame.CodeProtocolError, "Failed to decompress message", false, false)
		}
		return
	}
	if c.cfg.messageSizeLimit > 0 && len(out) > c.cfg.messageSizeLimit {
		c.closeWith(frame.CodeMessageTooLarge, "Message exceeds limit", false, false)
		return
	}
	if asm.text && c.cfg.validateUTF8 && !validUTF8(out) {
		c.closeWith(frame.CodeInconsistentData, "Invalid TEXT data; UTF-8 required", false, false)
		return
	}

	msg := asm.msg
	if len(out) > 0 {
		if err := msg.Push(out); err != nil {
			asm.reset()
			c.setAssembling(nil)
			return
		}
	}
	msg.End()
	c.noteMessageRead()
	asm.reset()
	c.setAssembling(nil)
}
