package audit

import (
	"context"
	"errors"
	"sync"
)

// Sink receives copies of audit records. Submit is called at most once per
// record and must honour the context deadline.
type Sink interface {
	Submit(ctx context.Context, rec Record) error
	Close() error
}

// NopSink discards records.
type NopSink struct{}

func (NopSink) Submit(context.Context, Record) error { return nil }
func (NopSink) Close() error                         { return nil }

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Submit(ctx context.Context, rec Record) error { return f(ctx, rec) }
func (f SinkFunc) Close() error                                 { return nil }

// MultiSink fans a record out to several sinks. Delivery fails if any sink
// fails.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks, skipping nils.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) Submit(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Submit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps delivered records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemorySink) Submit(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Records returns the delivered records in order.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}
