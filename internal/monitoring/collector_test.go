package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadfunnel/internal/funnel"
	"github.com/sells-group/leadfunnel/internal/resilience"
)

type fixedSessions int

func (n fixedSessions) Len() int { return int(n) }

func TestCollector_Deltas(t *testing.T) {
	stats := &funnel.Stats{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := NewCollector(stats, fixedSessions(3))
	c.now = func() time.Time { return now }
	c.prevAt = now

	stats.SessionsStarted.Add(10)
	stats.PartialCreates.Add(6)
	stats.CompleteCreates.Add(2)
	stats.CreateFailures.Add(2)
	stats.UnknownIDs.Add(1)

	now = now.Add(5 * time.Minute)
	snap := c.Collect()
	assert.Equal(t, int64(10), snap.SessionsStarted)
	assert.Equal(t, int64(10), snap.PersistenceAttempts)
	assert.Equal(t, int64(2), snap.PersistenceFailures)
	assert.InDelta(t, 0.2, snap.FailureRate, 1e-9)
	assert.Equal(t, int64(1), snap.UnknownIDs)
	assert.Equal(t, 3, snap.LiveSessions)
	assert.Equal(t, 5*time.Minute, snap.Interval)

	stats.Updates.Add(4)
	now = now.Add(time.Minute)
	snap = c.Collect()
	assert.Zero(t, snap.SessionsStarted)
	assert.Equal(t, int64(4), snap.PersistenceAttempts)
	assert.Zero(t, snap.FailureRate)
	assert.Zero(t, snap.UnknownIDs)
	assert.Equal(t, time.Minute, snap.Interval)
}

func TestCollector_OpenBreakers(t *testing.T) {
	cfg := resilience.DefaultCircuitBreakerConfig("meta_capi")
	cfg.FailureThreshold = 1
	open := resilience.NewCircuitBreaker(cfg)
	closed := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("other"))

	err := open.Execute(context.Background(), func(context.Context) error { return errors.New("503") })
	require.Error(t, err)

	c := NewCollector(&funnel.Stats{}, nil, open, nil, closed)
	snap := c.Collect()
	assert.Equal(t, []string{"meta_capi"}, snap.OpenBreakers)
	assert.Zero(t, snap.LiveSessions)
}
