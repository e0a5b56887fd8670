package duplexws

import (
	"unicode/utf8"

	"github.com/duplexws/duplexws/errs"
)

// utf8Validator checks text fragments incrementally. A multi-byte sequence
// may straddle a fragment boundary: up to 3 trailing bytes are stashed and
// completed by the next fragment; a sequence still invalid at its full
// length fails immediately.
type utf8Validator struct {
	stash [utf8.UTFMax]byte
	n     int
}

func (v *utf8Validator) reset() {
	v.n = 0
}

// seqLen returns the byte length a UTF-8 sequence claims from its first
// byte, 0 for an invalid start byte.
func seqLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	}
	return 0
}

// push validates fragment b given any stashed partial sequence.
func (v *utf8Validator) push(b []byte) error {
	if v.n > 0 {
		want := seqLen(v.stash[0])
		take := want - v.n
		if take > len(b) {
			take = len(b)
		}
		copy(v.stash[v.n:], b[:take])
		v.n += take
		if v.n < want {
			return nil
		}
		if !utf8.Valid(v.stash[:v.n]) {
			return errs.ErrInvalidUTF8
		}
		v.n = 0
		b = b[take:]
	}

	i := 0
	for i < len(b) {
		if b[i] < utf8.RuneSelf {
			i++
			continue
		}
		l := seqLen(b[i])
		if l == 0 {
			return errs.ErrInvalidUTF8
		}
		if i+l > len(b) {
			v.n = copy(v.stash[:], b[i:])
			return nil
		}
		if !utf8.Valid(b[i : i+l]) {
			return errs.ErrInvalidUTF8
		}
		i += l
	}
	return nil
}

// finish fails when the message ends inside a multi-byte sequence.
func (v *utf8Validator) finish() error {
	if v.n != 0 {
		return errs.ErrInvalidUTF8
	}
	return nil
}

func validUTF8(b []byte) bool {
	return utf8.Valid(b)
}
