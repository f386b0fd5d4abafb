package audit

import "time"

// Window counts events inside a sliding time span.
type Window struct {
	threshold int
	span      time.Duration
	hits      []time.Time
}

// NewWindow creates a window that is exceeded when more than threshold
// events fall within span. A non-positive threshold never trips.
func NewWindow(threshold int, span time.Duration) *Window {
	return &Window{threshold: threshold, span: span}
}

// Add records an event at now and reports whether the window is exceeded.
func (w *Window) Add(now time.Time) bool {
	cutoff := now.Add(-w.span)
	kept := w.hits[:0]
	for _, h := range w.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	w.hits = append(kept, now)
	return w.threshold > 0 && len(w.hits) > w.threshold
}

// Count returns the events currently inside the window.
func (w *Window) Count() int { return len(w.hits) }

// Reset forgets every event.
func (w *Window) Reset() { w.hits = w.hits[:0] }
