package core

import (
	"strings"
	"testing"
)

func TestPeerID_String_RoundTrip(t *testing.T) {
	var id PeerID
	for i := range id {
		id[i] = byte(i)
	}

	s := id.String()
	if len(s) != 64 {
		t.Errorf("String() length = %d, want 64", len(s))
	}

	parsed, err := ParsePeerID(s)
	if err != nil {
		t.Fatalf("ParsePeerID failed: %v", err)
	}
	if parsed != id {
		t.Errorf("round trip mismatch: got %v, want %v", parsed, id)
	}
}

func TestPeerID_Short(t *testing.T) {
	var id PeerID
	id[0] = 0xAB
	id[1] = 0xCD

	short := id.Short()
	if short != "abcd0000" {
		t.Errorf("Short() = %q, want %q", short, "abcd0000")
	}
	if !strings.HasPrefix(id.String(), short) {
		t.Error("Short() should be a prefix of String()")
	}
}

func TestParsePeerID_Invalid(t *testing.T) {
	if _, err := ParsePeerID("not-hex"); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := ParsePeerID("abcd"); err == nil {
		t.Error("expected error for short input")
	}
}

func TestPeerIDFromBytes(t *testing.T) {
	raw := make([]byte, 32)
	raw[31] = 0x7F

	id, err := PeerIDFromBytes(raw)
	if err != nil {
		t.Fatalf("PeerIDFromBytes failed: %v", err)
	}
	if id[31] != 0x7F {
		t.Errorf("id[31] = %#x, want 0x7f", id[31])
	}

	if _, err := PeerIDFromBytes(raw[:16]); err == nil {
		t.Error("expected error for 16-byte input")
	}
}

func TestPeerID_IsZero(t *testing.T) {
	var id PeerID
	if !id.IsZero() {
		t.Error("zero value should be zero")
	}
	id[5] = 1
	if id.IsZero() {
		t.Error("non-zero ID reported as zero")
	}
}

func TestCapability_IsKnown(t *testing.T) {
	for _, c := range StandardCapabilities {
		if !c.IsKnown() {
			t.Errorf("standard capability %q not known", c)
		}
	}
	if Capability("wall_write").IsKnown() {
		t.Error("unknown capability reported as known")
	}
}

func TestChannel_Board(t *testing.T) {
	ch := BoardChannel("gardening")
	if !ch.IsBoard() {
		t.Error("board channel not recognized as board")
	}
	if ch.BoardID() != "gardening" {
		t.Errorf("BoardID() = %q, want %q", ch.BoardID(), "gardening")
	}
	if !ch.IsValid() {
		t.Error("board channel should be valid")
	}

	if ChannelWall.IsBoard() {
		t.Error("wall recognized as board")
	}
	if !ChannelWall.IsValid() {
		t.Error("wall should be valid")
	}
	if Channel("board/").IsValid() {
		t.Error("empty board id should be invalid")
	}
	if Channel("feed").IsValid() {
		t.Error("arbitrary channel should be invalid")
	}
}
