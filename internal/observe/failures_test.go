package observe

import (
	"context"
	"fmt"
	"testing"
)

func TestFailureLog_RecordAndRecent(t *testing.T) {
	f := NewFailureLog()
	ctx := context.Background()

	id1 := f.Record(ctx, "conf_CA1", "accept", "exhausted retry budget")
	id2 := f.Record(ctx, "conf_CA2", "attach", "participant add refused")

	if id1 == "" || id2 == "" || id1 == id2 {
		t.Fatalf("trace IDs not unique: %q, %q", id1, id2)
	}

	recent := f.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("Recent(10) returned %d entries, want 2", len(recent))
	}
	// Newest first.
	if recent[0].ConferenceName != "conf_CA2" {
		t.Errorf("first entry = %q, want conf_CA2", recent[0].ConferenceName)
	}
	if recent[1].Stage != "accept" {
		t.Errorf("second entry stage = %q, want accept", recent[1].Stage)
	}
}

func TestFailureLog_LimitAndDefault(t *testing.T) {
	f := NewFailureLog()
	ctx := context.Background()

	for i := range 5 {
		f.Record(ctx, fmt.Sprintf("conf_%d", i), "test", "boom")
	}

	if got := len(f.Recent(3)); got != 3 {
		t.Errorf("Recent(3) = %d entries, want 3", got)
	}
	if got := len(f.Recent(0)); got != 5 {
		t.Errorf("Recent(0) = %d entries, want 5", got)
	}
}

func TestFailureLog_WrapsAtCapacity(t *testing.T) {
	f := NewFailureLog()
	ctx := context.Background()

	total := failureRingSize + 10
	for i := range total {
		f.Record(ctx, fmt.Sprintf("conf_%d", i), "test", "boom")
	}

	recent := f.Recent(0)
	if len(recent) != failureRingSize {
		t.Fatalf("Recent(0) after wrap = %d entries, want %d", len(recent), failureRingSize)
	}
	want := fmt.Sprintf("conf_%d", total-1)
	if recent[0].ConferenceName != want {
		t.Errorf("newest entry = %q, want %q", recent[0].ConferenceName, want)
	}
}
