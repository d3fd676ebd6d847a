package funnel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/leadfunnel/internal/model"
	"github.com/sells-group/leadfunnel/internal/store"
)

func TestDispatcher_RunsTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(4, time.Second, nil)
	var n atomic.Int32
	for range 10 {
		require.True(t, d.Go("count", func(context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, int32(10), n.Load())
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(2, time.Second, nil)
	var running, peak atomic.Int32
	release := make(chan struct{})

	for range 6 {
		d.Go("slow", func(context.Context) error {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
	}

	assert.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())

	close(release)
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, int32(2), peak.Load())
}

func TestDispatcher_TaskTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(1, 20*time.Millisecond, nil)
	got := make(chan error, 1)
	d.Go("hang", func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	})
	require.NoError(t, d.Drain(context.Background()))
	assert.ErrorIs(t, <-got, context.DeadlineExceeded)
}

func TestDispatcher_RejectsAfterDrain(t *testing.T) {
	defer goleak.VerifyNone(t)

	stats := &Stats{}
	d := NewDispatcher(1, time.Second, stats)
	require.NoError(t, d.Drain(context.Background()))

	ran := false
	ok := d.Go("late", func(context.Context) error {
		ran = true
		return nil
	})
	assert.False(t, ok)
	assert.False(t, ran)
	assert.Equal(t, int64(1), stats.TasksDropped.Load())
}

func TestDispatcher_DrainDeadlineCancelsTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(1, time.Minute, nil)
	cancelled := make(chan struct{})
	d.Go("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return errors.New("cancelled")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-cancelled
}

func TestDispatcher_QueuedTaskSeesDrainCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	stats := &Stats{}
	d := NewDispatcher(1, time.Minute, stats)
	d.Go("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	got := make(chan error, 1)
	require.True(t, d.Go("queued", func(ctx context.Context) error {
		got <- ctx.Err()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Drain(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, <-got, context.Canceled)
	assert.Equal(t, int64(1), stats.TasksDropped.Load())
}

// ctxGateway fails calls whose context is already done, like the network
// backends do.
type ctxGateway struct {
	*store.MemoryStore
}

func (g ctxGateway) CreateLead(ctx context.Context, fields model.Fields) (store.LeadID, error) {
	if err := ctx.Err(); err != nil {
		return store.UnknownLeadID, err
	}
	return g.MemoryStore.CreateLead(ctx, fields)
}

func TestDispatcher_DrainSettlesQueuedCreate(t *testing.T) {
	defer goleak.VerifyNone(t)

	stats := &Stats{}
	d := NewDispatcher(1, time.Minute, stats)
	d.Go("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	gw := ctxGateway{store.NewMemory()}
	r := NewResolver(ResolverDeps{
		Gateway: gw,
		Runner:  d,
		Clock:   newFakeClock(),
		Stats:   stats,
		Window:  window,
	}, "s1", arrival, epoch)
	r.FireNow()
	r.Complete(quizAnswers)
	require.Equal(t, LeadPending, r.State().Status)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Drain(ctx), context.DeadlineExceeded)

	assert.Equal(t, LeadFailed, r.State().Status)
	assert.Equal(t, int64(1), stats.CreateFailures.Load())
	assert.Equal(t, int64(1), stats.UpdatesSkipped.Load())
	assert.Empty(t, gw.Leads())
}
