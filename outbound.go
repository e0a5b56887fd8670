package duplexws

import (
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/duplexws/duplexws/bytespool"
	"github.com/duplexws/duplexws/errs"
	"github.com/duplexws/duplexws/frame"
)

// Send writes one text message. The payload must be valid UTF-8 when
// validation is enabled.
func (c *connection) Send(text []byte) (int, error) {
	if c.cfg.validateUTF8 && !utf8.Valid(text) {
		return 0, errs.ErrInvalidUTF8
	}
	return c.sendData(text, false)
}

// SendBinary writes one binary message.
func (c *connection) SendBinary(b []byte) (int, error) {
	return c.sendData(b, true)
}

// sendData serializes one message: split above the fragmentation threshold,
// compressed when the context accepts the payload, rsv on the first frame
// only, final on the last.
func (c *connection) sendData(payload []byte, binary bool) (n int, err error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err = c.sendable(); err != nil {
		return
	}

	opcode := frame.OpcodeText
	if binary {
		opcode = frame.OpcodeBinary
	}
	// compression is negotiated per message; only text payloads above the
	// context threshold are worth it
	compress := !binary && c.comp != nil && len(payload) > c.comp.Threshold()

	split := c.cfg.frameSplitThreshold
	if split <= 0 || len(payload) <= split {
		data := payload
		if compress {
			if data, err = c.comp.Compress(payload, true); err != nil {
				return
			}
		}
		f := &frame.Frame{Final: true, Opcode: opcode, Payload: data}
		if compress {
			f.RSV = c.comp.RSVBit()
		}
		if n, err = c.writeFrame(f, true); err != nil {
			return n, c.failWrite(err)
		}
		c.noteMessageSent()
		return
	}

	for off := 0; off < len(payload); off += split {
		end := off + split
		if end > len(payload) {
			end = len(payload)
		}
		last := end == len(payload)

		data := payload[off:end]
		if compress {
			if data, err = c.comp.Compress(payload[off:end], last); err != nil {
				return
			}
		}
		f := &frame.Frame{Final: last, Opcode: opcode, Payload: data}
		if off == 0 && compress {
			f.RSV = c.comp.RSVBit()
		}
		var fn int
		if fn, err = c.writeFrame(f, true); err != nil {
			return n + fn, c.failWrite(err)
		}
		n += fn
		opcode = frame.OpcodeContinuation
	}
	c.noteMessageSent()
	return
}

// Stream fragments src on the wire as it is read, flushing a non-final
// frame whenever the stream threshold of bytes has accumulated. Streamed
// messages are never compressed: compression would require buffering the
// whole message.
func (c *connection) Stream(src io.Reader, binary bool) (n int, err error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err = c.sendable(); err != nil {
		return
	}

	opcode := frame.OpcodeText
	if binary {
		opcode = frame.OpcodeBinary
	}

	threshold := c.cfg.streamThreshold
	if threshold <= 0 {
		threshold = 16 << 10
	}
	var (
		buf  = bytespool.Alloc(threshold)
		fill int
		rn   int
		rerr error
	)
	defer bytespool.Free(buf)

	for {
		rn, rerr = src.Read(buf[fill:])
		fill += rn
		if rerr != nil {
			break
		}
		if fill >= len(buf) {
			var fn int
			fn, err = c.writeFrame(&frame.Frame{Final: false, Opcode: opcode, Payload: buf[:fill]}, true)
			if err != nil {
				return n + fn, c.failWrite(err)
			}
			n += fn
			fill = 0
			opcode = frame.OpcodeContinuation
		}
	}
	if rerr != io.EOF {
		// the caller's stream failed, not the peer: close and re-raise
		c.closeWith(frame.CodeUnexpectedError, "Error while reading outbound stream", false, true)
		return n, rerr
	}

	var fn int
	fn, err = c.writeFrame(&frame.Frame{Final: true, Opcode: opcode, Payload: buf[:fill]}, true)
	if err != nil {
		return n + fn, c.failWrite(err)
	}
	n += fn
	c.noteMessageSent()
	return
}

// Ping sends a heartbeat PING whose payload is the decimal form of the
// ping counter.
func (c *connection) Ping() (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.sendable(); err != nil {
		return 0, err
	}
	seq := c.nextPing()
	payload := strconv.AppendInt(nil, seq, 10)
	n, err := c.writeFrame(&frame.Frame{Final: true, Opcode: frame.OpcodePing, Payload: payload}, false)
	if err != nil {
		return n, c.failWrite(err)
	}
	return n, nil
}

// Pong sends an unsolicited PONG carrying an application payload.
func (c *connection) Pong(payload []byte) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.sendable(); err != nil {
		return 0, err
	}
	n, err := c.writeFrame(&frame.Frame{Final: true, Opcode: frame.OpcodePong, Payload: payload}, false)
	if err != nil {
		return n, c.failWrite(err)
	}
	return n, nil
}

// sendable rejects outbound user frames once a close is under way.
// Callers hold sendMu.
func (c *connection) sendable() error {
	select {
	case <-c.closedq:
		c.closeMu.Lock()
		defer c.closeMu.Unlock()
		return errs.NewClosedError(c.closeCode, c.closeReason)
	default:
		return nil
	}
}

// failWrite turns a transport write error into the abnormal-close outcome
// surfaced to the caller. Callers hold sendMu.
func (c *connection) failWrite(err error) error {
	c.abort(frame.CodeAbnormal, "Writing to the client failed")
	return errs.NewClosedError(frame.CodeAbnormal, "Writing to the client failed")
}

// writeFrame encodes and writes one frame. Callers hold sendMu; control
// replies from the read loop and user sends order through the same lock, so
// two messages never interleave frames on the wire.
func (c *connection) writeFrame(f *frame.Frame, data bool) (int, error) {
	dst := bytespool.Alloc(len(f.Payload) + 14)[:0]
	defer bytespool.Free(dst)

	wire, err := frame.EncodeTo(dst, f, c.role.masks())
	if err != nil {
		return 0, err
	}
	n, err := c.conn.Write(wire)
	if n > 0 {
		c.noteFrameSent(n, data)
	}
	return n, err
}
