package frame

import (
	"bytes"
	"strings"
	"testing"
)

func TestValidCloseCode(t *testing.T) {
	cases := []struct {
		code            uint16
		strict, relaxed bool
	}{
		{1000, true, true},
		{1003, true, true},
		{1004, false, false},
		{1005, false, false},
		{1006, false, false},
		{1007, true, true},
		{1013, true, true},
		{1014, false, true},
		{1016, false, true},
		{1017, false, false},
		{1999, false, false},
		{2000, false, true},
		{2999, false, true},
		{3000, true, true},
		{4999, true, true},
		{5000, false, false},
		{999, false, false},
	}
	for _, cs := range cases {
		if got := ValidCloseCode(cs.code, true); got != cs.strict {
			t.Errorf("ValidCloseCode(%d, strict) = %v, want %v", cs.code, got, cs.strict)
		}
		if got := ValidCloseCode(cs.code, false); got != cs.relaxed {
			t.Errorf("ValidCloseCode(%d, relaxed) = %v, want %v", cs.code, got, cs.relaxed)
		}
	}
}

func TestCloseBodyRoundTrip(t *testing.T) {
	b := BuildCloseBody(CodeNormal, "bye")
	if !bytes.Equal(b, []byte{0x03, 0xE8, 'b', 'y', 'e'}) {
		t.Fatalf("body = % x", b)
	}
	code, reason, err := ParseCloseBody(b, true, true)
	if err != nil {
		t.Fatalf("parse error: %s", err)
	}
	if code != CodeNormal || reason != "bye" {
		t.Errorf("round trip = %d %q", code, reason)
	}
}

func TestCloseBodyNone(t *testing.T) {
	if b := BuildCloseBody(CodeNone, "ignored"); b != nil {
		t.Errorf("no-code body = % x", b)
	}
	code, reason, err := ParseCloseBody(nil, true, true)
	if err != nil || code != CodeNone || reason != "" {
		t.Errorf("empty body = %d %q %v", code, reason, err)
	}
}

func TestCloseBodyErrors(t *testing.T) {
	if _, _, err := ParseCloseBody([]byte{0x03}, true, true); err == nil {
		t.Error("one-byte close body accepted")
	}
	if _, _, err := ParseCloseBody([]byte{0x03, 0xED}, true, true); err == nil {
		t.Error("close code 1005 accepted from the wire")
	}
	bad := append([]byte{0x03, 0xE8}, 0xFF)
	if _, _, err := ParseCloseBody(bad, true, true); err == nil {
		t.Error("invalid UTF-8 reason accepted")
	}
	if _, _, err := ParseCloseBody(bad, false, true); err != nil {
		t.Errorf("reason validation applied while disabled: %s", err)
	}
}

func TestCloseBodyTruncatesReason(t *testing.T) {
	b := BuildCloseBody(CodeNormal, strings.Repeat("r", 200))
	if len(b) != MaxControlPayload {
		t.Errorf("body length = %d, want %d", len(b), MaxControlPayload)
	}
}
