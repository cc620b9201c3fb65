package clock

import (
	"testing"
	"time"
)

func TestManualClock_Now(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := NewManual(start)

	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}
	if got := c.Unix(); got != 1700000000 {
		t.Errorf("Unix() = %d, want 1700000000", got)
	}
}

func TestManualClock_Advance(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := NewManual(start)

	c.Advance(3600 * time.Second)
	want := start.Add(3600 * time.Second)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestManualClock_SetNow(t *testing.T) {
	c := NewManual(time.Unix(100, 0))
	target := time.Unix(5000, 0)

	c.SetNow(target)
	if got := c.Now(); !got.Equal(target) {
		t.Errorf("Now() after SetNow = %v, want %v", got, target)
	}
}

func TestSystemClock_AdvanceIgnored(t *testing.T) {
	c := New()
	before := c.Now()

	// Advance must not disturb a system-backed clock.
	c.Advance(24 * time.Hour)
	after := c.Now()

	if after.Sub(before) > time.Minute {
		t.Errorf("system clock jumped by %v after Advance", after.Sub(before))
	}
}

func TestSystemClock_ReturnsReasonableTime(t *testing.T) {
	c := New()
	// Should be a reasonable UNIX timestamp (after 2020).
	if got := c.Unix(); got < 1577836800 {
		t.Errorf("Unix() = %d, expected > 1577836800 (2020-01-01)", got)
	}
}
