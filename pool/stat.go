package pool

import "sync/atomic"

// counter is a lock-free monotonic-ish counter used for the pool's
// lightweight instrumentation. Kept in the same shape the teacher used for
// its connection stats: an atomic int64 behind a tiny interface so callers
// never touch the atomic ops directly.
type counter interface {
	inc() (newVal int)
	dec() (newVal int)
	val() int
}

type count struct {
	v int64
}

func newCounter() counter {
	return &count{}
}

func (c *count) inc() (v int) {
	return int(atomic.AddInt64(&c.v, 1))
}

func (c *count) dec() (v int) {
	return int(atomic.AddInt64(&c.v, -1))
}

func (c *count) val() int {
	return int(atomic.LoadInt64(&c.v))
}

// Stats is a point-in-time snapshot of pool activity.
type Stats interface {
	// Available is the number of idle, ready-to-hand-out connections.
	Available() int
	// Active is the number of connections currently checked out.
	Active() int
	// Requests is the total number of Acquire calls made.
	Requests() int
	// Successes is the total number of Acquire calls that returned a
	// connection rather than an error.
	Successes() int
}

// poolStats accumulates the counters a Pool exposes through Stats(). It
// mirrors the teacher's stats type: one counter per tracked quantity, an
// availability callback for the quantity that isn't a simple counter.
type poolStats struct {
	available func() int
	active    counter
	requests  counter
	successes counter
}

func newPoolStats(available func() int) *poolStats {
	return &poolStats{
		available: available,
		active:    newCounter(),
		requests:  newCounter(),
		successes: newCounter(),
	}
}

func (s *poolStats) recordAcquire(err error) {
	s.requests.inc()
	if err == nil {
		s.successes.inc()
	}
}

func (s *poolStats) snapshot() Stats {
	return &statsSnapshot{
		available: s.available(),
		active:    s.active.val(),
		requests:  s.requests.val(),
		successes: s.successes.val(),
	}
}

type statsSnapshot struct {
	available int
	active    int
	requests  int
	successes int
}

func (s *statsSnapshot) Available() int  { return s.available }
func (s *statsSnapshot) Active() int     { return s.active }
func (s *statsSnapshot) Requests() int   { return s.requests }
func (s *statsSnapshot) Successes() int  { return s.successes }
