package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Stats holds store statistics.
type Stats struct {
	Commits         int64
	SkippedWrites   int64
	LockRejections  int64
	Recoveries      int64
	ColdStarts      int64
	Failures        int64
	EmergencyWrites int64

	// Completion events waiting for Tasks, and events lost to a full queue.
	QueuedEvents  int
	DroppedEvents int64

	// Commit latency, queueing to completion.
	CommitP50 time.Duration
	CommitP99 time.Duration
	CommitMax time.Duration
}

type collector struct {
	skippedWrites   atomic.Int64
	lockRejections  atomic.Int64
	recoveries      atomic.Int64
	coldStarts      atomic.Int64
	failures        atomic.Int64
	emergencyWrites atomic.Int64

	mu      sync.Mutex
	commits int64
	max     time.Duration
	sketch  *ddsketch.DDSketch
}

func newCollector() *collector {
	c := &collector{}
	// NewDefaultDDSketch only fails for accuracy outside (0, 1).
	c.sketch, _ = ddsketch.NewDefaultDDSketch(0.01)
	return c
}

func (c *collector) observeCommit(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commits++
	if d > c.max {
		c.max = d
	}
	if c.sketch != nil {
		c.sketch.Add(float64(d))
	}
}

func (c *collector) snapshot() Stats {
	s := Stats{
		SkippedWrites:   c.skippedWrites.Load(),
		LockRejections:  c.lockRejections.Load(),
		Recoveries:      c.recoveries.Load(),
		ColdStarts:      c.coldStarts.Load(),
		Failures:        c.failures.Load(),
		EmergencyWrites: c.emergencyWrites.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s.Commits = c.commits
	s.CommitMax = c.max
	if c.sketch != nil && c.commits > 0 {
		p50, _ := c.sketch.GetValueAtQuantile(0.50)
		p99, _ := c.sketch.GetValueAtQuantile(0.99)
		s.CommitP50 = time.Duration(p50)
		s.CommitP99 = time.Duration(p99)
	}
	return s
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	st := s.stats.snapshot()
	q := s.events.Stats()
	st.QueuedEvents = q.Count
	st.DroppedEvents = q.DropCount
	return st
}
