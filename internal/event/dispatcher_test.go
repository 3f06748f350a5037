package event

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capture is a subscriber that records every event it receives.
type capture struct {
	mu     sync.Mutex
	events []*Event
}

func (c *capture) handle(ev *Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *capture) snapshot() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := NewDispatcher(16, testLogger())
	cap := &capture{}
	d.Subscribe("capture", cap.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	for i := 0; i < 5; i++ {
		d.Publish(NewStateChange(fmt.Sprintf("call-%d", i), "on_hook", "ringing"))
	}

	waitFor(t, func() bool { return cap.len() == 5 })

	for i, ev := range cap.snapshot() {
		want := fmt.Sprintf("call-%d", i)
		if ev.CallID != want {
			t.Errorf("event %d: call_id = %q, want %q", i, ev.CallID, want)
		}
	}

	if got := d.Published(); got != 5 {
		t.Errorf("Published() = %d, want 5", got)
	}
	waitFor(t, func() bool { return d.Delivered() == 5 })
	if got := d.Dropped(); got != 0 {
		t.Errorf("Dropped() = %d, want 0", got)
	}
	if depth := d.QueueDepth(); depth != 0 {
		t.Errorf("QueueDepth() = %d, want 0", depth)
	}
}

func TestDispatcherTypeFilter(t *testing.T) {
	d := NewDispatcher(16, testLogger())
	dtmfOnly := &capture{}
	all := &capture{}
	d.Subscribe("dtmf-only", dtmfOnly.handle, TypeDTMF)
	d.Subscribe("all", all.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Publish(NewStateChange("c1", "on_hook", "ringing"))
	d.Publish(NewDTMF("c1", "1", 1, 100*time.Millisecond))
	d.Publish(NewSystem(KindTelephonyFault, "line fault", nil))
	d.Publish(NewDTMF("c1", "2", 2, 100*time.Millisecond))

	waitFor(t, func() bool { return all.len() == 4 })

	if dtmfOnly.len() != 2 {
		t.Fatalf("filtered subscriber got %d events, want 2", dtmfOnly.len())
	}
	for _, ev := range dtmfOnly.snapshot() {
		if ev.Type != TypeDTMF {
			t.Errorf("filtered subscriber received %q event", ev.Type)
		}
	}
}

func TestDispatcherOverflowKeepsMostRecent(t *testing.T) {
	d := NewDispatcher(4, testLogger())
	cap := &capture{}
	d.Subscribe("capture", cap.handle)

	// Fill past capacity before the run loop starts draining, so the
	// overflow policy is exercised deterministically.
	for i := 1; i <= 6; i++ {
		d.Publish(NewStateChange(fmt.Sprintf("call-%d", i), "on_hook", "ringing"))
	}

	if got := d.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// 4 surviving state changes plus 2 overflow reports.
	waitFor(t, func() bool { return cap.len() == 6 })

	var survived []string
	var overflow int
	for _, ev := range cap.snapshot() {
		switch ev.Type {
		case TypeStateChange:
			survived = append(survived, ev.CallID)
		case TypeSystem:
			if ev.System.Kind != KindQueueOverflow {
				t.Errorf("unexpected system kind %q", ev.System.Kind)
			}
			overflow++
		}
	}

	want := []string{"call-3", "call-4", "call-5", "call-6"}
	if len(survived) != len(want) {
		t.Fatalf("survived = %v, want %v", survived, want)
	}
	for i := range want {
		if survived[i] != want[i] {
			t.Errorf("survived[%d] = %q, want %q", i, survived[i], want[i])
		}
	}
	if overflow != 2 {
		t.Errorf("overflow reports = %d, want 2", overflow)
	}
}

func TestDispatcherPanicIsolation(t *testing.T) {
	d := NewDispatcher(16, testLogger())
	cap := &capture{}
	d.Subscribe("panicky", func(ev *Event) { panic("boom") })
	d.Subscribe("capture", cap.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Publish(NewStateChange("c1", "on_hook", "ringing"))
	d.Publish(NewStateChange("c1", "ringing", "off_hook"))

	waitFor(t, func() bool { return cap.len() == 2 })
}

func TestDispatcherUnsubscribe(t *testing.T) {
	d := NewDispatcher(16, testLogger())
	cap := &capture{}
	keep := &capture{}
	id := d.Subscribe("capture", cap.handle)
	d.Subscribe("keep", keep.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Publish(NewStateChange("c1", "on_hook", "ringing"))
	waitFor(t, func() bool { return cap.len() == 1 && keep.len() == 1 })

	d.Unsubscribe(id)
	d.Publish(NewStateChange("c1", "ringing", "on_hook"))
	waitFor(t, func() bool { return keep.len() == 2 })

	if cap.len() != 1 {
		t.Errorf("unsubscribed handler got %d events, want 1", cap.len())
	}
}

func TestDispatcherIgnoresPublishAfterStop(t *testing.T) {
	d := NewDispatcher(16, testLogger())
	cap := &capture{}
	d.Subscribe("capture", cap.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	d.Publish(NewStateChange("c1", "on_hook", "ringing"))
	if depth := d.QueueDepth(); depth != 0 {
		t.Errorf("QueueDepth() = %d after stop, want 0", depth)
	}
}
