package frame

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/duplexws/duplexws/bytespool"
)

// EncodeTo appends the wire form of f to dst and returns the extended slice.
// Initiator-role endpoints pass masked=true: a fresh key is drawn from the
// crypto RNG and the payload is masked on the wire (f.Payload is not
// modified). dst may be nil.
func EncodeTo(dst []byte, f *Frame, masked bool) ([]byte, error) {
	if f.IsControl() && len(f.Payload) > MaxControlPayload {
		return nil, NewError(CodeProtocolError, "Control frame too large")
	}

	b0 := (f.RSV << 4) | (f.Opcode & 0x0F)
	if f.Final {
		b0 |= finBit
	}

	var mb byte
	if masked {
		mb = maskBit
	}
	plen := len(f.Payload)
	switch {
	case plen <= 125:
		dst = append(dst, b0, byte(plen)|mb)
	case plen <= 0xFFFF:
		dst = append(dst, b0, 126|mb)
		dst = append(dst, byte(plen>>8), byte(plen))
	default:
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(plen))
		dst = append(dst, b0, 127|mb)
		dst = append(dst, ext[:]...)
	}

	if !masked {
		return append(dst, f.Payload...), nil
	}

	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	maskBytes(dst[start:], key)
	return dst, nil
}

// maskBytes XORs b in place with the repeating 4-byte key, one machine word
// at a time with a byte-wise tail.
func maskBytes(b []byte, key [4]byte) {
	i := 0
	if len(b) >= 16 {
		kw := uint64(binary.LittleEndian.Uint32(key[:]))
		kw |= kw << 32
		for ; i+8 <= len(b); i += 8 {
			binary.LittleEndian.PutUint64(b[i:], binary.LittleEndian.Uint64(b[i:])^kw)
		}
	}
	for ; i < len(b); i++ {
		b[i] ^= key[i&3]
	}
}

type (
	// ParserConfig fixes the parser's validation rules for one connection.
	ParserConfig struct {
		// FrameSizeLimit bounds a single frame payload, MessageSizeLimit
		// the reassembled message. Zero means unlimited.
		FrameSizeLimit   int
		MessageSizeLimit int
		// ExpectMasked is true when the peer is the initiator and must mask.
		ExpectMasked bool
		// CompressionRSV is the rsv bit granted to the compression
		// extension (RSV1), zero when compression is off.
		CompressionRSV byte
		// TextOnly rejects binary opcodes with an unacceptable-type close.
		TextOnly bool
	}

	// Parser is a resumable pull parser. Raw chunks go in through Feed,
	// frames come out of Next; it tolerates arbitrary chunk boundaries by
	// buffering the unconsumed window.
	Parser struct {
		cfg ParserConfig

		buf []byte
		off int

		// per-message accounting across fragments
		msgOpen       bool
		msgBytes      int
		msgCompressed bool
	}
)

// NewParser create a parser.
func NewParser(cfg ParserConfig) *Parser {
	return &Parser{
		cfg: cfg,
		buf: bytespool.Alloc(4 * 1024)[:0],
	}
}

// Feed appends a raw chunk to the parser window, compacting the consumed
// prefix first.
func (p *Parser) Feed(b []byte) {
	if p.off > 0 {
		n := copy(p.buf, p.buf[p.off:])
		p.buf = p.buf[:n]
		p.off = 0
	}
	p.buf = append(p.buf, b...)
}

// Release return the parser window to the pool.
func (p *Parser) Release() {
	bytespool.Free(p.buf)
	p.buf = nil
	p.off = 0
}

// Next returns the next complete frame, (nil, nil) when the window holds
// only a partial frame, or a *Error on protocol violation. Payloads are
// copied out of the window and unmasked.
func (p *Parser) Next() (*Frame, error) {
	w := p.buf[p.off:]
	if len(w) < 2 {
		return nil, nil
	}

	final := w[0]&finBit != 0
	rsv := (w[0] >> 4) & 0x07
	opcode := w[0] & 0x0F
	masked := w[1]&maskBit != 0
	marker := w[1] & 0x7F
	off := 2

	switch opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
	default:
		return nil, NewError(CodeProtocolError, "Reserved opcode")
	}

	control := opcode&0x8 != 0
	compressed := false
	if control || opcode == OpcodeContinuation {
		if rsv != 0 {
			return nil, NewError(CodeProtocolError, "Reserved rsv bits must be zero")
		}
	} else {
		if rsv&^p.cfg.CompressionRSV != 0 {
			return nil, NewError(CodeProtocolError, "Reserved rsv bits must be zero")
		}
		compressed = rsv&p.cfg.CompressionRSV != 0
	}

	length := int64(marker)
	switch marker {
	case 126:
		if len(w) < off+2 {
			return nil, nil
		}
		length = int64(binary.BigEndian.Uint16(w[off:]))
		off += 2
	case 127:
		if len(w) < off+8 {
			return nil, nil
		}
		u := binary.BigEndian.Uint64(w[off:])
		if u&(1<<63) != 0 {
			return nil, NewError(CodeProtocolError, "Negative frame length")
		}
		length = int64(u)
		off += 8
	}

	if length > 0 && masked != p.cfg.ExpectMasked {
		return nil, NewError(CodeProtocolError, "Payload mask error")
	}
	if control {
		if !final {
			return nil, NewError(CodeProtocolError, "Fragmented control frame")
		}
		if length > MaxControlPayload {
			return nil, NewError(CodeProtocolError, "Control frame too large")
		}
	}
	if p.cfg.FrameSizeLimit > 0 && length > int64(p.cfg.FrameSizeLimit) {
		return nil, NewError(CodeMessageTooLarge, "Frame payload exceeds limit")
	}
	if !control && p.cfg.MessageSizeLimit > 0 && int64(p.msgBytes)+length > int64(p.cfg.MessageSizeLimit) {
		return nil, NewError(CodeMessageTooLarge, "Message exceeds limit")
	}
	if p.cfg.TextOnly && opcode == OpcodeBinary {
		return nil, NewError(CodeUnacceptableType, "Binary messages are not accepted")
	}

	var key [4]byte
	if masked {
		if len(w) < off+4 {
			return nil, nil
		}
		copy(key[:], w[off:])
		off += 4
	}

	if int64(len(w)) < int64(off)+length {
		return nil, nil
	}
	payload := make([]byte, length)
	copy(payload, w[off:int64(off)+length])
	if masked {
		maskBytes(payload, key)
	}
	p.off += off + int(length)

	f := &Frame{
		Final:   final,
		RSV:     rsv,
		Opcode:  opcode,
		Payload: payload,
	}
	if !control {
		if !p.msgOpen {
			// compression is flagged once per message, on its first frame
			p.msgCompressed = compressed
			p.msgOpen = true
		}
		f.Compressed = p.msgCompressed
		p.msgBytes += int(length)
		if final {
			p.msgOpen = false
			p.msgBytes = 0
		}
	}
	return f, nil
}
