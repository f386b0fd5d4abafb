package sandbox

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestEventBusDelivery(t *testing.T) {
	bus := NewEventBus(16)
	defer bus.Stop()

	var all, audits collector
	bus.Subscribe(all.handle, nil)
	bus.Subscribe(audits.handle, nil, EventTypeAudit)

	bus.Publish(newTransitionEvent(Transition{SandboxID: "a", SandboxName: "box", From: StateCreated, To: StateStarting}))
	bus.Publish(newAuditEvent(audit.Record{SandboxID: "a", SandboxName: "box", Kind: audit.PermissionDenied}))
	bus.Publish(newProcessEvent("a", "box", time.Now(), ProcessEvent{PID: 1001}))
	bus.Flush()

	got := all.all()
	require.Len(t, got, 3)
	assert.Equal(t, EventTypeStateChange, got[0].Type)
	assert.Equal(t, EventTypeAudit, got[1].Type)
	assert.Equal(t, EventTypeProcess, got[2].Type)
	for _, e := range got {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	require.Len(t, audits.all(), 1)
	assert.Len(t, bus.History(0), 3)
	assert.Len(t, bus.History(2), 2)
}

func TestEventBusFilters(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		filter EventFilter
		event  Event
		want   bool
	}{
		{
			name:   "sandbox by name",
			filter: SandboxFilter("box"),
			event:  Event{SandboxID: "id", SandboxName: "box"},
			want:   true,
		},
		{
			name:   "sandbox by id",
			filter: SandboxFilter("id"),
			event:  Event{SandboxID: "id", SandboxName: "box"},
			want:   true,
		},
		{
			name:   "other sandbox",
			filter: SandboxFilter("other"),
			event:  Event{SandboxID: "id", SandboxName: "box"},
			want:   false,
		},
		{
			name:   "audit kind",
			filter: AuditKindFilter(audit.AutoSuspend, audit.PermissionDenied),
			event:  newAuditEvent(audit.Record{Kind: audit.AutoSuspend}),
			want:   true,
		},
		{
			name:   "audit kind mismatch",
			filter: AuditKindFilter(audit.AutoSuspend),
			event:  newAuditEvent(audit.Record{Kind: audit.ExecRequested}),
			want:   false,
		},
		{
			name:   "audit kind on transition",
			filter: AuditKindFilter(audit.AutoSuspend),
			event:  newTransitionEvent(Transition{To: StateSuspended}),
			want:   false,
		},
		{
			name:   "time range inside",
			filter: TimeRangeFilter(start, start.Add(time.Minute)),
			event:  Event{Timestamp: start.Add(time.Second)},
			want:   true,
		},
		{
			name:   "time range end exclusive",
			filter: TimeRangeFilter(start, start.Add(time.Minute)),
			event:  Event{Timestamp: start.Add(time.Minute)},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter(tt.event))
		})
	}
}

func TestEventBusHandlerFailures(t *testing.T) {
	bus := NewEventBus(8)
	defer bus.Stop()

	var ok collector
	bus.Subscribe(func(Event) error { return errors.New("handler failed") }, nil)
	bus.Subscribe(func(Event) error { panic("handler panicked") }, nil)
	id := bus.Subscribe(ok.handle, nil)

	bus.Publish(Event{Type: EventTypeAudit})
	bus.Flush()
	assert.Len(t, ok.all(), 1)

	var counted int64
	for _, sub := range bus.Subscriptions() {
		if sub.ID == id {
			counted = sub.Count
		}
	}
	assert.Equal(t, int64(1), counted)

	bus.Unsubscribe(id)
	bus.Publish(Event{Type: EventTypeAudit})
	bus.Flush()
	assert.Len(t, ok.all(), 1)
	assert.Len(t, bus.Subscriptions(), 2)
}

func TestEventBusStop(t *testing.T) {
	bus := NewEventBus(8)
	var c collector
	bus.Subscribe(c.handle, nil)

	bus.Publish(Event{Type: EventTypeProcess})
	bus.Flush()
	bus.Stop()
	bus.Stop()

	bus.Publish(Event{Type: EventTypeProcess})
	assert.Len(t, c.all(), 1)
	assert.Zero(t, bus.Dropped())
}

func TestEventString(t *testing.T) {
	tr := newTransitionEvent(Transition{SandboxName: "box", From: StateRunning, To: StateStopping})
	assert.Equal(t, "state_change box: running -> stopping", tr.String())

	rec := newAuditEvent(audit.Record{SandboxName: "box", Kind: audit.PermissionDenied, Subject: "network-internet"})
	assert.Equal(t, "audit box: PermissionDenied network-internet", rec.String())

	proc := newProcessEvent("id", "box", time.Now(), ProcessEvent{PID: 7})
	assert.Equal(t, "process box: pid 7", proc.String())
}
