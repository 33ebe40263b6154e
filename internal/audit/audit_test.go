package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndForVM(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	if err := l.Record(ctx, "web", "qemu", "prepare", 50*time.Millisecond, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(ctx, "web", "qemu", "start", 2*time.Second, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(ctx, "web", "qemu", "stop", 30*time.Second, errors.New("sigterm timeout")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := l.ForVM(ctx, "web")
	if err != nil {
		t.Fatalf("ForVM: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[0].Op != "prepare" || events[0].Outcome != "ok" || events[0].Duration != 50*time.Millisecond {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[2].Op != "stop" || events[2].Outcome != "error" || events[2].Detail != "sigterm timeout" || events[2].Duration != 30*time.Second {
		t.Errorf("events[2] = %+v", events[2])
	}
}

func TestForVMUnknownNameReturnsEmpty(t *testing.T) {
	l := newTestLog(t)
	events, err := l.ForVM(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("ForVM: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0", len(events))
	}
}

func TestEventIDsAreOrderedAndUnique(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Record(ctx, "web", "qemu", "start", time.Millisecond, nil); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	events, err := l.ForVM(ctx, "web")
	if err != nil {
		t.Fatalf("ForVM: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range events {
		if seen[e.ID] {
			t.Fatalf("duplicate event id %s", e.ID)
		}
		seen[e.ID] = true
	}
	for i := 1; i < len(events); i++ {
		if events[i-1].ID >= events[i].ID || events[i-1].OccurredAt.After(events[i].OccurredAt) {
			t.Errorf("events[%d] (%s) does not sort before events[%d] (%s)", i-1, events[i-1].ID, i, events[i].ID)
		}
	}
}
