package dispatch

import (
	"testing"
	"time"
)

func TestDedupCheckAndMark(t *testing.T) {
	d := NewDedup(10, time.Hour)

	if d.CheckAndMark("a") {
		t.Error("first mark reported already handled")
	}
	if !d.CheckAndMark("a") {
		t.Error("second mark did not report already handled")
	}
	if !d.Seen("a") {
		t.Error("Seen(a) = false after mark")
	}
	if d.Seen("b") {
		t.Error("Seen(b) = true without mark")
	}
}

func TestDedupLRUEviction(t *testing.T) {
	d := NewDedup(3, time.Hour)
	for _, id := range []string{"a", "b", "c", "d"} {
		d.CheckAndMark(id)
	}
	if d.Len() != 3 {
		t.Fatalf("len = %d, want 3", d.Len())
	}
	if d.Seen("a") {
		t.Error("oldest entry not evicted")
	}
	if !d.Seen("d") {
		t.Error("newest entry missing")
	}
}

func TestDedupTTLExpiry(t *testing.T) {
	d := NewDedup(10, time.Minute)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.CheckAndMark("a")
	now = now.Add(2 * time.Minute)

	if d.Seen("a") {
		t.Error("expired entry still seen")
	}
	if d.CheckAndMark("a") {
		t.Error("expired entry blocked re-mark")
	}
}

func TestDedupPreloadDoesNotQueueFlush(t *testing.T) {
	d := NewDedup(10, time.Hour)
	d.Preload([]string{"a", "b"})

	if !d.Seen("a") || !d.Seen("b") {
		t.Error("preloaded ids not seen")
	}
	if pending := d.takePending(); len(pending) != 0 {
		t.Errorf("preload queued %d ids for flush", len(pending))
	}

	d.CheckAndMark("c")
	if pending := d.takePending(); len(pending) != 1 || pending[0] != "c" {
		t.Errorf("pending = %v, want [c]", pending)
	}
}
