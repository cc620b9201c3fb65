package clock

import (
	"testing"

	"github.com/rookery-im/rookery-go/core"
)

func testPeer(b byte) core.PeerID {
	var id core.PeerID
	id[0] = b
	return id
}

func TestLamport_NextIncrements(t *testing.T) {
	l := NewLamport()
	a := testPeer(1)

	if got := l.Next(a); got != 1 {
		t.Errorf("first Next() = %d, want 1", got)
	}
	if got := l.Next(a); got != 2 {
		t.Errorf("second Next() = %d, want 2", got)
	}
	if got := l.Current(a); got != 2 {
		t.Errorf("Current() = %d, want 2", got)
	}
}

func TestLamport_ObserveMergesForward(t *testing.T) {
	l := NewLamport()
	a := testPeer(1)

	l.Observe(a, 10)
	if got := l.Current(a); got != 10 {
		t.Errorf("Current() after Observe(10) = %d, want 10", got)
	}

	// Older observations never move the counter back.
	l.Observe(a, 4)
	if got := l.Current(a); got != 10 {
		t.Errorf("Current() after Observe(4) = %d, want 10", got)
	}

	// Local authorship orders after everything observed.
	if got := l.Next(a); got != 11 {
		t.Errorf("Next() after Observe(10) = %d, want 11", got)
	}
}

func TestLamport_AuthorsIndependent(t *testing.T) {
	l := NewLamport()
	a, b := testPeer(1), testPeer(2)

	l.Observe(a, 50)
	if got := l.Current(b); got != 0 {
		t.Errorf("Current(b) = %d, want 0", got)
	}
	if got := l.Next(b); got != 1 {
		t.Errorf("Next(b) = %d, want 1", got)
	}
}
