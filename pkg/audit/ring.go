package audit

// DefaultRingSize is the number of records a sandbox keeps in memory.
const DefaultRingSize = 1024

// Ring is a fixed-capacity buffer of records; the oldest entry is evicted
// on overflow. Callers serialise access.
type Ring struct {
	buf     []Record
	start   int
	size    int
	evicted uint64
}

// NewRing creates a ring holding capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Ring{buf: make([]Record, capacity)}
}

// Append adds rec, evicting the oldest record when full.
func (r *Ring) Append(rec Record) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = rec
		r.size++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
	r.evicted++
}

// Records returns the buffered records, oldest first.
func (r *Ring) Records() []Record {
	out := make([]Record, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of buffered records.
func (r *Ring) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Evicted returns how many records were dropped on overflow.
func (r *Ring) Evicted() uint64 { return r.evicted }
