package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeStateChange carries a lifecycle transition
	EventTypeStateChange EventType = "state_change"
	// EventTypeAudit carries an audit record
	EventTypeAudit EventType = "audit"
	// EventTypeProcess reports a process joining or leaving a sandbox
	EventTypeProcess EventType = "process"
)

// ProcessEvent describes a process joining or leaving a sandbox.
type ProcessEvent struct {
	PID       int    `json:"pid"`
	ParentPID int    `json:"parent_pid,omitempty"`
	Command   string `json:"command,omitempty"`
	Exited    bool   `json:"exited"`
	ExitCode  int    `json:"exit_code,omitempty"`
	Remaining int    `json:"remaining"`
}

// Event is published on the bus for every transition, audit record and
// process change.
type Event struct {
	ID          string        `json:"id"`
	Type        EventType     `json:"type"`
	SandboxID   string        `json:"sandbox_id"`
	SandboxName string        `json:"sandbox_name"`
	Timestamp   time.Time     `json:"timestamp"`
	Transition  *Transition   `json:"transition,omitempty"`
	Record      *audit.Record `json:"record,omitempty"`
	Process     *ProcessEvent `json:"process,omitempty"`
}

// EventHandler defines a function that handles events
type EventHandler func(event Event) error

// EventFilter defines a function that filters events
type EventFilter func(event Event) bool

// EventSubscription represents an event subscription
type EventSubscription struct {
	ID       string       `json:"id"`
	Filter   EventFilter  `json:"-"`
	Handler  EventHandler `json:"-"`
	Types    []EventType  `json:"types"`
	Created  time.Time    `json:"created"`
	LastUsed time.Time    `json:"last_used"`
	Count    int64        `json:"count"`
	Active   bool         `json:"active"`
}

// EventBus delivers events to subscribers in publish order from a single
// worker.
type EventBus struct {
	mu            sync.RWMutex
	subscriptions map[string]*EventSubscription
	history       []Event
	historySize   int
	queue         chan Event
	dropped       uint64
	stopOnce      sync.Once
	done          chan struct{}

	pendingMu sync.Mutex
	pending   int
	idle      *sync.Cond
}

// NewEventBus creates a bus keeping historySize recent events.
func NewEventBus(historySize int) *EventBus {
	if historySize <= 0 {
		historySize = 1024
	}
	eb := &EventBus{
		subscriptions: make(map[string]*EventSubscription),
		history:       make([]Event, 0, historySize),
		historySize:   historySize,
		queue:         make(chan Event, historySize*4),
		done:          make(chan struct{}),
	}
	eb.idle = sync.NewCond(&eb.pendingMu)
	go eb.worker()

	log.Debug().Int("history_size", historySize).Msg("Event bus initialized")
	return eb
}

// Subscribe registers handler for events of the given types (all types
// when none are given) that pass filter.
func (eb *EventBus) Subscribe(handler EventHandler, filter EventFilter, types ...EventType) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := &EventSubscription{
		ID:       "sub-" + uuid.New().String(),
		Handler:  handler,
		Filter:   filter,
		Types:    types,
		Created:  time.Now(),
		LastUsed: time.Now(),
		Active:   true,
	}
	eb.subscriptions[sub.ID] = sub

	log.Debug().
		Str("subscription_id", sub.ID).
		Int("event_types", len(types)).
		Msg("Event subscription created")
	return sub.ID
}

// Unsubscribe removes a subscription
func (eb *EventBus) Unsubscribe(id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, ok := eb.subscriptions[id]; ok {
		sub.Active = false
		delete(eb.subscriptions, id)
		log.Debug().Str("subscription_id", id).Msg("Event subscription removed")
	}
}

// Publish queues event. Events are dropped with a warning when the queue
// is full or the bus is stopped.
func (eb *EventBus) Publish(event Event) {
	if event.ID == "" {
		event.ID = "evt-" + uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.pendingMu.Lock()
	defer eb.pendingMu.Unlock()
	select {
	case <-eb.done:
		return
	default:
	}
	select {
	case eb.queue <- event:
		eb.pending++
	default:
		eb.dropped++
		log.Warn().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("Event queue full, dropping event")
	}
}

// Subscriptions returns copies of the active subscriptions.
func (eb *EventBus) Subscriptions() []EventSubscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	out := make([]EventSubscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		c := *sub
		c.Handler = nil
		c.Filter = nil
		out = append(out, c)
	}
	return out
}

// History returns up to limit recent events, oldest first.
func (eb *EventBus) History(limit int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if limit <= 0 || limit > len(eb.history) {
		limit = len(eb.history)
	}
	out := make([]Event, limit)
	copy(out, eb.history[len(eb.history)-limit:])
	return out
}

// Dropped returns the number of events lost to a full queue.
func (eb *EventBus) Dropped() uint64 {
	eb.pendingMu.Lock()
	defer eb.pendingMu.Unlock()
	return eb.dropped
}

// Flush blocks until every queued event has been handled.
func (eb *EventBus) Flush() {
	eb.pendingMu.Lock()
	defer eb.pendingMu.Unlock()
	for eb.pending > 0 {
		eb.idle.Wait()
	}
}

// Stop delivers the queued events and stops the worker.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		eb.pendingMu.Lock()
		close(eb.done)
		close(eb.queue)
		eb.pendingMu.Unlock()
		log.Debug().Msg("Event bus stopped")
	})
}

func (eb *EventBus) worker() {
	for event := range eb.queue {
		eb.process(event)

		eb.pendingMu.Lock()
		eb.pending--
		if eb.pending == 0 {
			eb.idle.Broadcast()
		}
		eb.pendingMu.Unlock()
	}
}

func (eb *EventBus) process(event Event) {
	eb.mu.Lock()
	if len(eb.history) >= eb.historySize {
		copy(eb.history, eb.history[1:])
		eb.history[len(eb.history)-1] = event
	} else {
		eb.history = append(eb.history, event)
	}
	subs := make([]*EventSubscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		if sub.Active && matches(event, sub) {
			subs = append(subs, sub)
		}
	}
	eb.mu.Unlock()

	for _, sub := range subs {
		eb.callHandler(event, sub)
	}
}

func matches(event Event, sub *EventSubscription) bool {
	if len(sub.Types) > 0 {
		matched := false
		for _, t := range sub.Types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return sub.Filter == nil || sub.Filter(event)
}

func (eb *EventBus) callHandler(event Event, sub *EventSubscription) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("subscription_id", sub.ID).
				Str("event_id", event.ID).
				Msg("Event handler panicked")
		}
	}()

	if sub.Handler == nil {
		return
	}
	if err := sub.Handler(event); err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", sub.ID).
			Str("event_id", event.ID).
			Msg("Event handler returned error")
		return
	}
	eb.mu.Lock()
	sub.LastUsed = time.Now()
	sub.Count++
	eb.mu.Unlock()
}

func newTransitionEvent(t Transition) Event {
	return Event{
		Type:        EventTypeStateChange,
		SandboxID:   t.SandboxID,
		SandboxName: t.SandboxName,
		Timestamp:   t.Timestamp,
		Transition:  &t,
	}
}

func newAuditEvent(rec audit.Record) Event {
	return Event{
		Type:        EventTypeAudit,
		SandboxID:   rec.SandboxID,
		SandboxName: rec.SandboxName,
		Timestamp:   rec.Timestamp,
		Record:      &rec,
	}
}

func newProcessEvent(id, name string, at time.Time, p ProcessEvent) Event {
	return Event{
		Type:        EventTypeProcess,
		SandboxID:   id,
		SandboxName: name,
		Timestamp:   at,
		Process:     &p,
	}
}

// SandboxFilter matches events of one sandbox by id or name.
func SandboxFilter(idOrName string) EventFilter {
	return func(event Event) bool {
		return event.SandboxID == idOrName || event.SandboxName == idOrName
	}
}

// AuditKindFilter matches audit events of the given kinds.
func AuditKindFilter(kinds ...audit.Kind) EventFilter {
	set := make(map[audit.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(event Event) bool {
		return event.Record != nil && set[event.Record.Kind]
	}
}

// TimeRangeFilter matches events within a time range
func TimeRangeFilter(start, end time.Time) EventFilter {
	return func(event Event) bool {
		return !event.Timestamp.Before(start) && event.Timestamp.Before(end)
	}
}

func (e Event) String() string {
	switch {
	case e.Transition != nil:
		return fmt.Sprintf("%s %s: %s -> %s", e.Type, e.SandboxName, e.Transition.From, e.Transition.To)
	case e.Record != nil:
		return fmt.Sprintf("%s %s: %s %s", e.Type, e.SandboxName, e.Record.Kind, e.Record.Subject)
	case e.Process != nil:
		return fmt.Sprintf("%s %s: pid %d", e.Type, e.SandboxName, e.Process.PID)
	default:
		return fmt.Sprintf("%s %s", e.Type, e.SandboxName)
	}
}
