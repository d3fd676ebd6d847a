package funnel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfunnel/internal/model"
)

// ErrUnknownSession is returned for a session id that is not live and has
// no stored snapshot.
var ErrUnknownSession = eris.New("funnel: unknown session")

// Registry holds the live sessions of this process.
type Registry struct {
	deps Deps
	ttl  time.Duration
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Machine
}

// NewRegistry creates a registry. Sessions idle for longer than ttl are
// dropped by Sweep. A ttl not longer than the deferral window would stop
// armed timers, so it is raised to twice the window.
func NewRegistry(deps Deps, ttl time.Duration) *Registry {
	if deps.Resolver.Stats == nil {
		deps.Resolver.Stats = &Stats{}
	}
	if deps.Resolver.Clock == nil {
		deps.Resolver.Clock = SystemClock{}
	}
	if deps.Flow == nil {
		deps.Flow = DefaultFlow()
	}
	log := zap.L().With(zap.String("component", "funnel.registry"))
	if ttl <= deps.Resolver.Window {
		log.Warn("session ttl does not exceed the deferral window, raising it",
			zap.Duration("ttl", ttl),
			zap.Duration("window", deps.Resolver.Window),
		)
		ttl = 2 * deps.Resolver.Window
	}
	return &Registry{
		deps:     deps,
		ttl:      ttl,
		log:      log,
		sessions: make(map[string]*Machine),
	}
}

// Flow returns the flow every session runs.
func (r *Registry) Flow() *Flow { return r.deps.Flow }

// Stats returns the shared counters.
func (r *Registry) Stats() *Stats { return r.deps.Resolver.Stats }

// Start creates a session for visitor under a new id.
func (r *Registry) Start(ctx context.Context, visitor model.Visitor) *Machine {
	m := NewMachine(ctx, uuid.NewString(), visitor, r.deps)
	r.mu.Lock()
	r.sessions[m.ID()] = m
	r.mu.Unlock()
	return m
}

// Get returns a live session, resuming it from its snapshot when this
// process does not hold it.
func (r *Registry) Get(ctx context.Context, id string) (*Machine, error) {
	r.mu.Lock()
	m, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		return m, nil
	}
	return r.Resume(ctx, id)
}

// Resume rebuilds a session from its snapshot. A live session with the same
// id is returned as is.
func (r *Registry) Resume(ctx context.Context, id string) (*Machine, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, eris.Wrapf(ErrUnknownSession, "%q", id)
	}

	r.mu.Lock()
	if m, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	m, found, err := ResumeMachine(ctx, id, r.deps)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, eris.Wrapf(ErrUnknownSession, "%q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if live, ok := r.sessions[id]; ok {
		m.Close()
		return live, nil
	}
	r.sessions[id] = m
	return m, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep drops sessions idle since before now-ttl and returns how many. Their
// timers are stopped. Snapshots are pruned only once older than twice the
// ttl, so a swept session stays resumable for another ttl.
func (r *Registry) Sweep() int {
	now := r.deps.Resolver.Clock.Now()
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	var idle []*Machine
	for id, m := range r.sessions {
		if m.LastSeen().Before(cutoff) {
			idle = append(idle, m)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, m := range idle {
		m.Close()
	}
	if p, ok := r.deps.Snapshots.(interface{ Prune(time.Time) int }); ok {
		if n := p.Prune(now.Add(-2 * r.ttl)); n > 0 {
			r.log.Debug("pruned session snapshots", zap.Int("count", n))
		}
	}
	return len(idle)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Info("swept idle sessions", zap.Int("count", n), zap.Int("live", r.Len()))
			}
		}
	}
}

// Close stops every session's deferral timer. Saves already dispatched are
// left to the dispatcher to drain.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Machine, 0, len(r.sessions))
	for _, m := range r.sessions {
		sessions = append(sessions, m)
	}
	r.mu.Unlock()

	for _, m := range sessions {
		m.Close()
	}
}
