package clock

import (
	"testing"
	"time"
)

func TestVirtualStartsUnset(t *testing.T) {
	c := NewVirtual()
	if c.Set() {
		t.Fatalf("expected fresh virtual clock to be unset")
	}
	if !c.Now().IsZero() {
		t.Fatalf("expected zero time before first advance, got %v", c.Now())
	}
}

func TestVirtualNeverMovesBackward(t *testing.T) {
	c := NewVirtual()
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	c.AdvanceTo(second)
	if !c.Set() {
		t.Fatalf("expected clock to be set after advance")
	}
	c.AdvanceTo(first)
	if got := c.Now(); !got.Equal(second) {
		t.Fatalf("expected clock to stay at %v, got %v", second, got)
	}
}

func TestVirtualNormalizesToUTC(t *testing.T) {
	c := NewVirtual()
	offset := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2024, 6, 1, 12, 0, 0, 0, offset)

	c.AdvanceTo(local)
	got := c.Now()
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if !got.Equal(local) {
		t.Fatalf("expected same instant after normalization, got %v want %v", got, local)
	}
}

func TestWallReturnsUTC(t *testing.T) {
	w := NewWall()
	if loc := w.Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC wall clock, got %v", loc)
	}
}
