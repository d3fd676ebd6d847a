package funnel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRegistry_StartAndGet(t *testing.T) {
	f := newMachineFixture(t)
	reg := NewRegistry(f.deps, time.Hour)
	ctx := context.Background()

	m := reg.Start(ctx, arrival)
	_, err := uuid.Parse(m.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, int64(1), reg.Stats().SessionsStarted.Load())

	got, err := reg.Get(ctx, m.ID())
	require.NoError(t, err)
	assert.Same(t, m, got)
	assert.Same(t, f.deps.Flow, reg.Flow())
}

func TestRegistry_UnknownSession(t *testing.T) {
	f := newMachineFixture(t)
	reg := NewRegistry(f.deps, time.Hour)
	ctx := context.Background()

	_, err := reg.Get(ctx, "not-a-uuid")
	assert.True(t, eris.Is(err, ErrUnknownSession))

	_, err = reg.Get(ctx, uuid.NewString())
	assert.True(t, eris.Is(err, ErrUnknownSession))
}

func TestRegistry_ResumeFromSnapshot(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, f.snapshots.Save(ctx, "silvermont_funnel:"+id, []byte(`{"step":"q2","capital":"100k_300k"}`)))

	reg := NewRegistry(f.deps, time.Hour)
	m, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Step("q2"), m.View().Step)
	assert.Equal(t, 1, reg.Len())

	again, err := reg.Resume(ctx, id)
	require.NoError(t, err)
	assert.Same(t, m, again)
}

func TestRegistry_Sweep(t *testing.T) {
	f := newMachineFixture(t)
	reg := NewRegistry(f.deps, 2*window)
	ctx := context.Background()

	idle := reg.Start(ctx, arrival)
	f.clock.Advance(window)
	f.runner.RunAll()
	active := reg.Start(ctx, arrival)

	f.clock.Advance(window + time.Second)
	_, err := active.Advance(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, reg.Sweep())
	assert.Equal(t, 1, reg.Len())

	// The swept session can still be resumed from its snapshot.
	back, err := reg.Get(ctx, idle.ID())
	require.NoError(t, err)
	assert.NotSame(t, idle, back)
	assert.Equal(t, LeadPartial, back.Lead().Status)
}

func TestRegistry_SweptSessionStaysResumable(t *testing.T) {
	f := newMachineFixture(t)
	reg := NewRegistry(f.deps, 2*window)
	ctx := context.Background()

	idle := reg.Start(ctx, arrival)
	f.clock.Advance(window)
	f.runner.RunAll()

	// Idle past the ttl and past the last snapshot write plus the ttl.
	f.clock.Advance(2*window + time.Second)
	require.Equal(t, 1, reg.Sweep())
	assert.Equal(t, 1, f.snapshots.Len())

	back, err := reg.Get(ctx, idle.ID())
	require.NoError(t, err)
	assert.Equal(t, LeadPartial, back.Lead().Status)

	// Another ttl later the snapshot is gone.
	back.Close()
	f.clock.Advance(4*window + time.Second)
	reg.Sweep()
	assert.Zero(t, f.snapshots.Len())
}

func TestRegistry_ShortTTLKeepsDeferredSave(t *testing.T) {
	f := newMachineFixture(t)
	reg := NewRegistry(f.deps, window/2)
	ctx := context.Background()

	m := reg.Start(ctx, arrival)
	f.clock.Advance(window/2 + time.Second)
	assert.Zero(t, reg.Sweep())
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(window)
	assert.Equal(t, []string{"create_lead"}, f.runner.Names())
	f.runner.RunAll()
	assert.Equal(t, LeadPartial, m.Lead().Status)

	creates, updates := f.gw.Calls()
	assert.Equal(t, 1, creates)
	assert.Zero(t, updates)
}

func TestRegistry_CloseStopsTimers(t *testing.T) {
	f := newMachineFixture(t)
	reg := NewRegistry(f.deps, time.Hour)
	ctx := context.Background()
	reg.Start(ctx, arrival)
	reg.Start(ctx, arrival)
	require.Equal(t, 2, f.clock.Pending())

	reg.Close()
	assert.Zero(t, f.clock.Pending())
}

func TestRegistry_Run(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newMachineFixture(t)
	reg := NewRegistry(f.deps, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	<-done
}
