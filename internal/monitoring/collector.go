package monitoring

import (
	"sync"
	"time"

	"github.com/sells-group/leadfunnel/internal/funnel"
	"github.com/sells-group/leadfunnel/internal/resilience"
)

// MetricsSnapshot holds funnel health over the interval since the previous
// collection.
type MetricsSnapshot struct {
	// Funnel activity within the interval.
	SessionsStarted int64 `json:"sessions_started"`
	QuizCompleted   int64 `json:"quiz_completed"`

	// Store calls within the interval.
	PersistenceAttempts int64   `json:"persistence_attempts"`
	PersistenceFailures int64   `json:"persistence_failures"`
	FailureRate         float64 `json:"failure_rate"`
	UnknownIDs          int64   `json:"unknown_ids"`
	UpdatesSkipped      int64   `json:"updates_skipped"`
	TasksDropped        int64   `json:"tasks_dropped"`
	NotifyFailures      int64   `json:"notify_failures"`

	// Point-in-time state.
	LiveSessions int      `json:"live_sessions"`
	OpenBreakers []string `json:"open_breakers,omitempty"`

	Interval    time.Duration `json:"interval"`
	CollectedAt time.Time     `json:"collected_at"`
}

// StatsSource provides the funnel counters.
type StatsSource interface {
	Snapshot() funnel.StatsSnapshot
}

// SessionCounter reports how many sessions are live.
type SessionCounter interface {
	Len() int
}

// Collector turns the running counters into per-interval snapshots.
type Collector struct {
	stats    StatsSource
	sessions SessionCounter
	breakers []*resilience.CircuitBreaker
	now      func() time.Time

	mu     sync.Mutex
	prev   funnel.StatsSnapshot
	prevAt time.Time
}

// NewCollector creates a collector. Nil breakers are ignored.
func NewCollector(stats StatsSource, sessions SessionCounter, breakers ...*resilience.CircuitBreaker) *Collector {
	c := &Collector{stats: stats, sessions: sessions, now: time.Now}
	for _, b := range breakers {
		if b != nil {
			c.breakers = append(c.breakers, b)
		}
	}
	c.prevAt = c.now()
	return c
}

// Collect returns the activity since the previous call, or since the
// collector was created.
func (c *Collector) Collect() *MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cur := c.stats.Snapshot()
	prev := c.prev

	snap := &MetricsSnapshot{
		SessionsStarted:     cur.SessionsStarted - prev.SessionsStarted,
		QuizCompleted:       cur.QuizCompleted - prev.QuizCompleted,
		PersistenceAttempts: cur.PersistenceAttempts() - prev.PersistenceAttempts(),
		PersistenceFailures: cur.PersistenceFailures() - prev.PersistenceFailures(),
		UnknownIDs:          cur.UnknownIDs - prev.UnknownIDs,
		UpdatesSkipped:      cur.UpdatesSkipped - prev.UpdatesSkipped,
		TasksDropped:        cur.TasksDropped - prev.TasksDropped,
		NotifyFailures:      cur.NotifyFailures - prev.NotifyFailures,
		Interval:            now.Sub(c.prevAt),
		CollectedAt:         now.UTC(),
	}
	if snap.PersistenceAttempts > 0 {
		snap.FailureRate = float64(snap.PersistenceFailures) / float64(snap.PersistenceAttempts)
	}
	if c.sessions != nil {
		snap.LiveSessions = c.sessions.Len()
	}
	for _, b := range c.breakers {
		if b.State() == resilience.CircuitOpen {
			snap.OpenBreakers = append(snap.OpenBreakers, b.Name())
		}
	}

	c.prev = cur
	c.prevAt = now
	return snap
}
