package funnel

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfunnel/internal/attribution"
	"github.com/sells-group/leadfunnel/internal/model"
	"github.com/sells-group/leadfunnel/internal/store"
)

// LeadStatus tracks what the store holds for a session.
type LeadStatus string

const (
	LeadNone     LeadStatus = "none"     // no create attempted
	LeadPending  LeadStatus = "pending"  // create in flight
	LeadPartial  LeadStatus = "partial"  // contact and attribution only
	LeadComplete LeadStatus = "complete" // answers saved, completed=true
	LeadFailed   LeadStatus = "failed"   // create failed; nothing more is attempted
)

// LeadState is the persisted view of a session's lead.
type LeadState struct {
	Status LeadStatus   `json:"status"`
	ID     store.LeadID `json:"id,omitempty"`
}

// Notifier reports saved leads to an ad platform.
type Notifier interface {
	Notify(ctx context.Context, ev attribution.Event) error
}

// ResolverDeps are the collaborators of a Resolver.
type ResolverDeps struct {
	Gateway  store.Gateway
	Runner   Runner
	Clock    Clock
	Notifier Notifier
	Stats    *Stats
	Window   time.Duration
}

// Resolver decides, for one session, whether the lead is created by the
// deferral timer or by quiz completion, and turns a completion after a
// partial save into a single update.
//
// Timer fire and completion are linearized by mu: whichever enters first
// wins. A timer callback that starts after Complete took the lock sees
// completed and does nothing.
type Resolver struct {
	deps      ResolverDeps
	sessionID string
	visitor   model.Visitor
	startedAt time.Time
	onChange  func()
	log       *zap.Logger

	mu        sync.Mutex
	timer     Timer
	fired     bool
	completed bool
	closed    bool
	state     LeadState
	parked    model.Fields // completion waiting for the partial create
}

// NewResolver creates a resolver for a session. Nothing runs until Arm,
// FireNow or Complete.
func NewResolver(deps ResolverDeps, sessionID string, visitor model.Visitor, startedAt time.Time) *Resolver {
	if deps.Stats == nil {
		deps.Stats = &Stats{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	return &Resolver{
		deps:      deps,
		sessionID: sessionID,
		visitor:   visitor,
		startedAt: startedAt,
		state:     LeadState{Status: LeadNone},
		log:       zap.L().With(zap.String("component", "funnel.resolver"), zap.String("session", sessionID)),
	}
}

// OnChange registers a callback run after the lead state changes. It is
// called without the resolver lock held.
func (r *Resolver) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Arm starts the deferral timer for what is left of the window since the
// session started. An elapsed window fires on the timer goroutine at once.
func (r *Resolver) Arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.fired || r.completed || r.timer != nil {
		return
	}
	wait := r.deps.Window - r.deps.Clock.Now().Sub(r.startedAt)
	if wait < 0 {
		wait = 0
	}
	r.timer = r.deps.Clock.AfterFunc(wait, r.fire)
}

// FireNow creates the partial lead immediately instead of waiting for the
// timer.
func (r *Resolver) FireNow() {
	r.fire()
}

func (r *Resolver) fire() {
	r.mu.Lock()
	if r.closed || r.fired || r.completed {
		r.mu.Unlock()
		return
	}
	r.fired = true
	r.state.Status = LeadPending
	fields := r.visitor.LeadFields()
	fields[model.FieldCompleted] = false
	r.mu.Unlock()

	r.log.Info("deferral window elapsed, saving partial lead")
	r.changed()
	r.dispatchCreate(fields, false)
}

// Complete records quiz completion. answers holds the quiz fields. It
// never blocks on the store and never returns a store error.
func (r *Resolver) Complete(answers model.Fields) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.deps.Stats.QuizCompleted.Add(1)

	switch {
	case !r.fired:
		r.state.Status = LeadPending
		fields := r.visitor.LeadFields().Merge(answers)
		fields[model.FieldCompleted] = true
		r.mu.Unlock()
		r.changed()
		r.dispatchCreate(fields, true)
		return

	case r.state.Status == LeadPending:
		r.parked = answers.Clone()
		r.mu.Unlock()
		r.log.Debug("completion parked until partial create settles")
		return

	case r.state.Status == LeadPartial && r.state.ID.Known():
		id := r.state.ID
		r.mu.Unlock()
		r.dispatchUpdate(id, answers)
		return

	default:
		status, id := r.state.Status, r.state.ID
		r.mu.Unlock()
		r.deps.Stats.UpdatesSkipped.Add(1)
		r.log.Info("completion update skipped, no addressable lead",
			zap.String("lead_status", string(status)),
			zap.Stringer("lead_id", id),
		)
	}
}

func (r *Resolver) dispatchCreate(fields model.Fields, complete bool) {
	ok := r.deps.Runner.Go("create_lead", func(ctx context.Context) error {
		id, err := r.deps.Gateway.CreateLead(ctx, fields)
		r.createSettled(id, err, fields, complete)
		return err
	})
	if !ok {
		r.createSettled(store.UnknownLeadID, errDropped, fields, complete)
	}
}

func (r *Resolver) createSettled(id store.LeadID, err error, fields model.Fields, complete bool) {
	r.mu.Lock()
	parked := r.parked
	r.parked = nil

	if err != nil {
		r.state = LeadState{Status: LeadFailed}
		r.mu.Unlock()
		r.deps.Stats.CreateFailures.Add(1)
		logPersistence(r.log, "create lead failed", err)
		if parked != nil {
			r.deps.Stats.UpdatesSkipped.Add(1)
		}
		r.changed()
		return
	}

	r.state.ID = id
	if complete {
		r.state.Status = LeadComplete
	} else {
		r.state.Status = LeadPartial
	}
	r.mu.Unlock()

	if complete {
		r.deps.Stats.CompleteCreates.Add(1)
	} else {
		r.deps.Stats.PartialCreates.Add(1)
	}
	if !id.Known() {
		r.deps.Stats.UnknownIDs.Add(1)
		r.log.Warn("lead created but id not returned, later updates are skipped")
	}
	r.log.Info("lead created", zap.Stringer("lead_id", id), zap.Bool("completed", complete))
	r.changed()

	if complete {
		r.notify(attribution.EventCompleteRegistration, fields)
	} else {
		r.notify(attribution.EventLead, nil)
	}

	if parked != nil {
		if id.Known() {
			r.dispatchUpdate(id, parked)
		} else {
			r.deps.Stats.UpdatesSkipped.Add(1)
			r.log.Info("completion update skipped, lead id unknown")
		}
	}
}

func (r *Resolver) dispatchUpdate(id store.LeadID, answers model.Fields) {
	fields := answers.Clone()
	fields[model.FieldCompleted] = true
	r.deps.Runner.Go("update_lead", func(ctx context.Context) error {
		err := r.deps.Gateway.UpdateLead(ctx, id, fields)
		r.updateSettled(id, fields, err)
		return err
	})
}

func (r *Resolver) updateSettled(id store.LeadID, fields model.Fields, err error) {
	if err != nil {
		r.deps.Stats.UpdateFailures.Add(1)
		logPersistence(r.log.With(zap.Stringer("lead_id", id)), "update lead failed", err)
		return
	}
	r.mu.Lock()
	r.state.Status = LeadComplete
	r.mu.Unlock()

	r.deps.Stats.Updates.Add(1)
	r.log.Info("lead completed", zap.Stringer("lead_id", id))
	r.changed()
	r.notify(attribution.EventCompleteRegistration, fields)
}

// notify dispatches the conversion event for a save. Failures are logged
// and dropped.
func (r *Resolver) notify(name string, fields model.Fields) {
	if r.deps.Notifier == nil {
		return
	}
	ev := attribution.Event{
		Name:      name,
		ID:        r.sessionID + ":" + name,
		Time:      r.deps.Clock.Now(),
		ClickTime: r.startedAt,
		Visitor:   r.visitor,
		Custom:    customData(fields),
	}
	r.deps.Runner.Go("notify_"+name, func(ctx context.Context) error {
		if err := r.deps.Notifier.Notify(ctx, ev); err != nil {
			r.deps.Stats.NotifyFailures.Add(1)
			r.log.Warn("attribution event failed", zap.String("event", name), zap.Error(err))
			return err
		}
		return nil
	})
}

// customData keeps the quiz answers of a save for the conversion event.
func customData(fields model.Fields) map[string]string {
	out := map[string]string{}
	for _, f := range []model.Field{model.FieldCapitalBracket, model.FieldTimeHorizon, model.FieldManagementPreference} {
		if v := fields.String(f); v != "" {
			out[string(f)] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *Resolver) changed() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Restore loads a lead state saved by an earlier process. A create that was
// in flight when the snapshot was written has an unknown outcome and is
// treated as failed so it is never repeated.
func (r *Resolver) Restore(state LeadState, completed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state.Status == "" {
		state.Status = LeadNone
	}
	if state.Status == LeadPending {
		state = LeadState{Status: LeadFailed}
	}
	r.state = state
	r.fired = state.Status != LeadNone
	r.completed = completed
}

// State returns the current lead state.
func (r *Resolver) State() LeadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close stops the deferral timer. Calls already dispatched still settle.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

var errDropped = eris.New("funnel: task dropped by dispatcher")

// logPersistence logs a store failure with whatever diagnostics the backend
// returned.
func logPersistence(log *zap.Logger, msg string, err error) {
	fields := []zap.Field{zap.Error(err)}
	if pe, ok := store.AsPersistenceError(err); ok {
		fields = append(fields,
			zap.String("backend", pe.Backend),
			zap.String("code", pe.Code),
			zap.String("message", pe.Message),
		)
		if pe.Hint != "" {
			fields = append(fields, zap.String("hint", pe.Hint))
		}
		if pe.Details != "" {
			fields = append(fields, zap.String("details", pe.Details))
		}
	}
	log.Error(msg, fields...)
}
