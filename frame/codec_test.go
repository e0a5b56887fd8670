package frame

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func parserOf(cfg ParserConfig) *Parser {
	return NewParser(cfg)
}

func feedAll(t *testing.T, p *Parser, b []byte, chunk int) []*Frame {
	t.Helper()
	var frames []*Frame
	for off := 0; off < len(b); off += chunk {
		end := off + chunk
		if end > len(b) {
			end = len(b)
		}
		p.Feed(b[off:end])
		for {
			f, err := p.Next()
			if err != nil {
				t.Fatalf("parse error: %s", err)
			}
			if f == nil {
				break
			}
			frames = append(frames, f)
		}
	}
	return frames
}

func TestEncodeLengthMarkers(t *testing.T) {
	cases := []struct {
		name    string
		size    int
		marker  byte
		hdrSize int
	}{
		{"tiny", 5, 5, 2},
		{"max7bit", 125, 125, 2},
		{"min16bit", 126, 126, 4},
		{"max16bit", 65535, 126, 4},
		{"min64bit", 65536, 127, 10},
	}
	for _, cs := range cases {
		t.Run(cs.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0xAB}, cs.size)
			wire, err := EncodeTo(nil, &Frame{Final: true, Opcode: OpcodeBinary, Payload: payload}, false)
			if err != nil {
				t.Fatalf("encode error: %s", err)
			}
			if wire[0] != 0x80|OpcodeBinary {
				t.Errorf("byte0 = %#x", wire[0])
			}
			if wire[1]&0x7F != cs.marker {
				t.Errorf("length marker = %d, want %d", wire[1]&0x7F, cs.marker)
			}
			if len(wire) != cs.hdrSize+cs.size {
				t.Errorf("wire size = %d, want %d", len(wire), cs.hdrSize+cs.size)
			}
			switch cs.marker {
			case 126:
				if int(binary.BigEndian.Uint16(wire[2:])) != cs.size {
					t.Errorf("extended length mismatch")
				}
			case 127:
				if int(binary.BigEndian.Uint64(wire[2:])) != cs.size {
					t.Errorf("extended length mismatch")
				}
			}
		})
	}
}

func TestEncodeControlTooLarge(t *testing.T) {
	_, err := EncodeTo(nil, &Frame{Final: true, Opcode: OpcodePing, Payload: make([]byte, 126)}, false)
	if err == nil {
		t.Fatal("oversize control frame encoded")
	}
}

func TestMaskedRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 3, 7, 125, 126, 1000, 65536}
	for _, sz := range sizes {
		payload := make([]byte, sz)
		for i := range payload {
			payload[i] = byte(i * 31)
		}
		wire, err := EncodeTo(nil, &Frame{Final: true, Opcode: OpcodeBinary, Payload: payload}, true)
		if err != nil {
			t.Fatalf("encode error: %s", err)
		}
		if sz > 0 && bytes.Contains(wire, payload) && sz > 8 {
			t.Errorf("size %d: payload visible on the wire despite masking", sz)
		}

		p := parserOf(ParserConfig{ExpectMasked: true})
		frames := feedAll(t, p, wire, 7)
		if len(frames) != 1 {
			t.Fatalf("size %d: got %d frames", sz, len(frames))
		}
		if !bytes.Equal(frames[0].Payload, payload) {
			t.Errorf("size %d: payload corrupted by mask round trip", sz)
		}
		if !frames[0].Final || frames[0].Opcode != OpcodeBinary {
			t.Errorf("size %d: header mismatch: %s", sz, frames[0])
		}
	}
}

func TestParserChunkBoundaries(t *testing.T) {
	var wire []byte
	payloads := [][]byte{
		[]byte("one"),
		bytes.Repeat([]byte("x"), 300),
		{},
		[]byte("four"),
	}
	for _, pl := range payloads {
		w, err := EncodeTo(nil, &Frame{Final: true, Opcode: OpcodeText, Payload: pl}, false)
		if err != nil {
			t.Fatalf("encode error: %s", err)
		}
		wire = append(wire, w...)
	}

	for _, chunk := range []int{1, 2, 3, 5, 64, len(wire)} {
		p := parserOf(ParserConfig{})
		frames := feedAll(t, p, wire, chunk)
		if len(frames) != len(payloads) {
			t.Fatalf("chunk %d: got %d frames, want %d", chunk, len(frames), len(payloads))
		}
		for i, f := range frames {
			if !bytes.Equal(f.Payload, payloads[i]) {
				t.Errorf("chunk %d: frame %d payload mismatch", chunk, i)
			}
		}
	}
}

func TestParserProtocolErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  ParserConfig
		wire []byte
		code uint16
	}{
		{"reserved opcode 3", ParserConfig{}, []byte{0x83, 0x00}, CodeProtocolError},
		{"reserved opcode 11", ParserConfig{}, []byte{0x8B, 0x00}, CodeProtocolError},
		{"rsv on control", ParserConfig{}, []byte{0xC9, 0x00}, CodeProtocolError},
		{"rsv on continuation", ParserConfig{}, []byte{0xC0, 0x00}, CodeProtocolError},
		{"rsv without negotiation", ParserConfig{}, []byte{0xC1, 0x01, 'a'}, CodeProtocolError},
		{"rsv2 with compression", ParserConfig{CompressionRSV: RSV1}, []byte{0xA1, 0x01, 'a'}, CodeProtocolError},
		{"fragmented control", ParserConfig{}, []byte{0x09, 0x00}, CodeProtocolError},
		{"oversize control", ParserConfig{}, append([]byte{0x89, 126, 0x00, 126}, make([]byte, 126)...), CodeProtocolError},
		{"negative 64bit length", ParserConfig{}, []byte{0x82, 127, 0x80, 0, 0, 0, 0, 0, 0, 1}, CodeProtocolError},
		{"unmasked from initiator", ParserConfig{ExpectMasked: true}, []byte{0x81, 0x01, 'a'}, CodeProtocolError},
		{"masked from responder", ParserConfig{}, []byte{0x81, 0x81, 1, 2, 3, 4, 'a'}, CodeProtocolError},
		{"frame limit", ParserConfig{FrameSizeLimit: 4}, []byte{0x82, 0x05, 1, 2, 3, 4, 5}, CodeMessageTooLarge},
		{"binary when text only", ParserConfig{TextOnly: true}, []byte{0x82, 0x01, 'a'}, CodeUnacceptableType},
	}
	for _, cs := range cases {
		t.Run(cs.name, func(t *testing.T) {
			p := parserOf(cs.cfg)
			p.Feed(cs.wire)
			_, err := p.Next()
			e, ok := err.(*Error)
			if !ok {
				t.Fatalf("got %v, want protocol error", err)
			}
			if e.Code != cs.code {
				t.Errorf("code = %d, want %d", e.Code, cs.code)
			}
		})
	}
}

func TestParserEmptyUnmaskedTolerated(t *testing.T) {
	// the mask check applies to frames that carry payload
	p := parserOf(ParserConfig{ExpectMasked: true})
	p.Feed([]byte{0x88, 0x00})
	f, err := p.Next()
	if err != nil {
		t.Fatalf("empty unmasked close rejected: %s", err)
	}
	if f == nil || f.Opcode != OpcodeClose {
		t.Fatalf("frame = %v", f)
	}
}

func TestParserMessageSizeAccumulation(t *testing.T) {
	p := parserOf(ParserConfig{MessageSizeLimit: 10})
	p.Feed([]byte{0x02, 0x06, 1, 2, 3, 4, 5, 6})
	if f, err := p.Next(); err != nil || f == nil {
		t.Fatalf("first fragment rejected: %v %v", f, err)
	}
	p.Feed([]byte{0x80, 0x05, 7, 8, 9, 10, 11})
	_, err := p.Next()
	e, ok := err.(*Error)
	if !ok || e.Code != CodeMessageTooLarge {
		t.Fatalf("got %v, want message-too-large", err)
	}
}

func TestParserMessageSizeResetsBetweenMessages(t *testing.T) {
	p := parserOf(ParserConfig{MessageSizeLimit: 10})
	for i := 0; i < 5; i++ {
		p.Feed([]byte{0x82, 0x08, 0, 1, 2, 3, 4, 5, 6, 7})
		f, err := p.Next()
		if err != nil || f == nil {
			t.Fatalf("message %d rejected: %v %v", i, f, err)
		}
	}
}

func TestParserCompressedFlagPerMessage(t *testing.T) {
	p := parserOf(ParserConfig{CompressionRSV: RSV1})
	// compressed first frame, then a continuation without rsv
	p.Feed([]byte{0x41, 0x01, 'a'})
	f, err := p.Next()
	if err != nil || f == nil || !f.Compressed {
		t.Fatalf("first fragment: %v %v", f, err)
	}
	p.Feed([]byte{0x80, 0x01, 'b'})
	f, err = p.Next()
	if err != nil || f == nil {
		t.Fatalf("continuation: %v %v", f, err)
	}
	if !f.Compressed {
		t.Error("continuation lost the message's compressed flag")
	}

	// the next message starts uncompressed
	p.Feed([]byte{0x81, 0x01, 'c'})
	f, err = p.Next()
	if err != nil || f == nil {
		t.Fatalf("next message: %v %v", f, err)
	}
	if f.Compressed {
		t.Error("compressed flag leaked into the next message")
	}
}

func TestControlInterleavedWithFragments(t *testing.T) {
	p := parserOf(ParserConfig{})
	p.Feed([]byte{0x01, 0x01, 'a'}) // TEXT, not final
	p.Feed([]byte{0x89, 0x00})      // PING between fragments
	p.Feed([]byte{0x80, 0x01, 'b'}) // final CONT

	var opcodes []byte
	for {
		f, err := p.Next()
		if err != nil {
			t.Fatalf("parse error: %s", err)
		}
		if f == nil {
			break
		}
		opcodes = append(opcodes, f.Opcode)
	}
	want := []byte{OpcodeText, OpcodePing, OpcodeContinuation}
	if !bytes.Equal(opcodes, want) {
		t.Errorf("opcodes = %v, want %v", opcodes, want)
	}
}

func TestMaskBytesPatterns(t *testing.T) {
	key := [4]byte{0x10, 0x20, 0x30, 0x40}
	for _, sz := range []int{0, 1, 4, 15, 16, 17, 64, 1021} {
		b := make([]byte, sz)
		for i := range b {
			b[i] = byte(i)
		}
		want := make([]byte, sz)
		for i := range want {
			want[i] = byte(i) ^ key[i%4]
		}
		got := make([]byte, sz)
		copy(got, b)
		maskBytes(got, key)
		if !bytes.Equal(got, want) {
			t.Errorf("size %d: word-wise mask diverges from byte-wise", sz)
		}
		// involution
		maskBytes(got, key)
		if !bytes.Equal(got, b) {
			t.Errorf("size %d: mask not an involution", sz)
		}
	}
}
