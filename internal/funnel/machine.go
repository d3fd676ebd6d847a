package funnel

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfunnel/internal/model"
)

// Input errors returned by Machine operations. They are the only errors the
// funnel surfaces; store failures never reach the visitor.
var (
	ErrUnknownQuestion = eris.New("funnel: unknown question")
	ErrInvalidOption   = eris.New("funnel: invalid option")
	ErrWrongStep       = eris.New("funnel: question is not the current step")
	ErrAnswered        = eris.New("funnel: question already answered")
	ErrNotAdvanceable  = eris.New("funnel: current step cannot be advanced")
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Flow          *Flow
	Resolver      ResolverDeps
	Snapshots     SnapshotStore
	SessionKey    string
	CreateOnEntry bool
	ContactURL    string
}

// View is the read model of a session.
type View struct {
	SessionID  string            `json:"session_id"`
	Step       Step              `json:"step"`
	Progress   int               `json:"progress"`
	StepNumber int               `json:"step_number,omitempty"`
	StepTotal  int               `json:"step_total,omitempty"`
	Answers    map[string]string `json:"answers"`
	Question   *Question         `json:"question,omitempty"`
	Page       *Page             `json:"page,omitempty"`
	Projection *Projection       `json:"projection,omitempty"`
	ContactURL string            `json:"contact_url,omitempty"`
}

// Machine is the state machine of one visitor session. Its methods are
// serialized by a mutex and never wait on the store. Resolver calls that
// report back through OnChange run after mu is released.
type Machine struct {
	id   string
	deps Deps
	log  *zap.Logger

	mu        sync.Mutex
	step      Step
	answers   map[string]string
	visitor   model.Visitor
	startedAt time.Time
	completed bool
	resolver  *Resolver
	lastSeen  time.Time
}

// NewMachine creates a session at entry and arms its deferral timer.
func NewMachine(ctx context.Context, id string, visitor model.Visitor, deps Deps) *Machine {
	m := newMachine(id, deps)
	m.mu.Lock()
	r := m.reset(visitor)
	m.deps.Resolver.Stats.SessionsStarted.Add(1)
	m.save(ctx)
	m.mu.Unlock()

	m.start(r)
	return m
}

func newMachine(id string, deps Deps) *Machine {
	if deps.Flow == nil {
		deps.Flow = DefaultFlow()
	}
	if deps.Resolver.Stats == nil {
		deps.Resolver.Stats = &Stats{}
	}
	if deps.Resolver.Clock == nil {
		deps.Resolver.Clock = SystemClock{}
	}
	return &Machine{
		id:   id,
		deps: deps,
		log:  zap.L().With(zap.String("component", "funnel.machine"), zap.String("session", id)),
	}
}

// reset starts a fresh session for visitor and returns its resolver, which
// the caller starts with start once mu is released. Callers hold mu.
func (m *Machine) reset(visitor model.Visitor) *Resolver {
	now := m.deps.Resolver.Clock.Now()
	m.step = StepEntry
	m.answers = map[string]string{}
	m.visitor = visitor
	m.startedAt = now
	m.lastSeen = now
	m.completed = false
	m.resolver = m.attachResolver()
	return m.resolver
}

// start arms the deferral timer, or saves at once when configured to.
func (m *Machine) start(r *Resolver) {
	if m.deps.CreateOnEntry {
		r.FireNow()
		return
	}
	r.Arm()
}

func (m *Machine) attachResolver() *Resolver {
	r := NewResolver(m.deps.Resolver, m.id, m.visitor, m.startedAt)
	r.OnChange(func() { m.resolverChanged(r) })
	return r
}

// resolverChanged rewrites the snapshot when the lead state moves.
func (m *Machine) resolverChanged(r *Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolver != r {
		return
	}
	m.save(context.Background())
}

// ID returns the session id.
func (m *Machine) ID() string { return m.id }

// SelectAnswer records the answer to the question or page at the current
// step and advances. Answering the last question completes the quiz.
func (m *Machine) SelectAnswer(ctx context.Context, questionID, value string) (View, error) {
	m.mu.Lock()
	var (
		done   *Resolver
		fields model.Fields
	)
	defer func() {
		m.mu.Unlock()
		if done != nil {
			done.Complete(fields)
		}
	}()
	m.touch()

	flow := m.deps.Flow
	var opts []Option
	var step Step
	q, isQuestion := flow.Question(questionID)
	if isQuestion {
		opts, step = q.Options, q.Step
	} else if p, ok := flow.PageAt(Step(questionID)); ok && len(p.Options) > 0 {
		opts, step = p.Options, p.Step
	} else {
		return m.view(), eris.Wrapf(ErrUnknownQuestion, "%q", questionID)
	}

	if !optionValid(opts, value) {
		return m.view(), eris.Wrapf(ErrInvalidOption, "%q for %q", value, questionID)
	}
	if isQuestion && m.completed {
		return m.view(), eris.Wrapf(ErrAnswered, "%q", questionID)
	}
	if m.step != step {
		return m.view(), eris.Wrapf(ErrWrongStep, "%q is at %s, session is at %s", questionID, step, m.step)
	}

	m.answers[questionID] = value
	next, _ := flow.Next(m.step)
	m.step = next

	if isQuestion && q.ID == flow.LastQuestion().ID {
		m.completed = true
		done, fields = m.resolver, m.quizFields()
	}

	m.save(ctx)
	return m.view(), nil
}

// Advance leaves a step that takes no answer.
func (m *Machine) Advance(ctx context.Context) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()

	if !m.advanceable() {
		return m.view(), eris.Wrapf(ErrNotAdvanceable, "step %s", m.step)
	}
	next, _ := m.deps.Flow.Next(m.step)
	m.step = next
	m.save(ctx)
	return m.view(), nil
}

func (m *Machine) advanceable() bool {
	flow := m.deps.Flow
	switch m.step {
	case StepFinal:
		return false
	case StepEntry, StepProcessing, StepResults:
		return true
	}
	if _, ok := flow.QuestionAt(m.step); ok {
		return false
	}
	if p, ok := flow.PageAt(m.step); ok {
		return len(p.Options) == 0
	}
	return false
}

// Restart clears answers and the stored snapshot and returns to entry. The
// old session's pending timer is stopped; a fresh one is armed. Contact and
// attribution captured at arrival are kept.
func (m *Machine) Restart(ctx context.Context) View {
	m.mu.Lock()
	m.touch()
	m.resolver.Close()
	if m.deps.Snapshots != nil {
		if err := m.deps.Snapshots.Delete(ctx, m.key()); err != nil {
			m.log.Warn("delete snapshot failed", zap.Error(err))
		}
	}
	r := m.reset(m.visitor)
	m.deps.Resolver.Stats.Restarts.Add(1)
	m.save(ctx)
	v := m.view()
	m.mu.Unlock()

	m.start(r)
	return v
}

// ResumeMachine rebuilds a session from its stored snapshot. It returns
// false when nothing is stored. A malformed snapshot, an unknown step or an
// unstable one (processing) is discarded and the session starts fresh at
// entry.
func ResumeMachine(ctx context.Context, id string, deps Deps) (*Machine, bool, error) {
	m := newMachine(id, deps)
	if deps.Snapshots == nil {
		return nil, false, nil
	}
	data, err := deps.Snapshots.Load(ctx, m.key())
	if err != nil {
		return nil, false, eris.Wrap(err, "funnel: load snapshot")
	}
	if data == nil {
		return nil, false, nil
	}

	m.mu.Lock()
	snap, err := m.validSnapshot(data)
	if err != nil {
		m.log.Warn("discarding session snapshot", zap.Error(err))
		m.deps.Resolver.Stats.MalformedResumes.Add(1)
		visitor := model.Visitor{}
		if snap != nil {
			visitor = snap.Visitor
		}
		r := m.reset(visitor)
		m.deps.Resolver.Stats.SessionsStarted.Add(1)
		m.save(ctx)
		m.mu.Unlock()

		m.start(r)
		return m, true, nil
	}
	defer m.mu.Unlock()

	m.step = snap.Step
	m.answers = snap.Answers
	m.visitor = snap.Visitor
	m.startedAt = snap.StartedAt
	m.lastSeen = m.deps.Resolver.Clock.Now()
	m.completed = m.deps.Flow.Index(snap.Step) > m.deps.Flow.Index(m.deps.Flow.LastQuestion().Step)
	m.resolver = m.attachResolver()
	m.resolver.Restore(snap.Lead, m.completed)
	if !m.completed {
		m.resolver.Arm()
	}
	m.deps.Resolver.Stats.SessionsResumed.Add(1)
	m.save(ctx)
	return m, true, nil
}

// validSnapshot decodes data and checks it against the flow. The decoded
// snapshot is returned alongside a validation error when it parsed.
func (m *Machine) validSnapshot(data []byte) (*Snapshot, error) {
	flow := m.deps.Flow
	snap, err := DecodeSnapshot(data, flow)
	if err != nil {
		return nil, err
	}

	idx := flow.Index(snap.Step)
	switch {
	case idx < 0:
		return snap, eris.Wrapf(ErrMalformedSnapshot, "unknown step %q", snap.Step)
	case snap.Step == StepProcessing:
		return snap, eris.Wrapf(ErrMalformedSnapshot, "unstable step %q", snap.Step)
	}

	answers := make(map[string]string, len(snap.Answers))
	for _, q := range flow.Questions {
		v, ok := snap.Answers[q.ID]
		before := flow.Index(q.Step) < idx
		switch {
		case before && !ok:
			return snap, eris.Wrapf(ErrMalformedSnapshot, "missing answer %q", q.ID)
		case ok && !optionValid(q.Options, v):
			return snap, eris.Wrapf(ErrMalformedSnapshot, "invalid answer %q for %q", v, q.ID)
		case before:
			answers[q.ID] = v
		}
	}
	for _, p := range flow.Pages {
		v, ok := snap.Answers[string(p.Step)]
		if ok && len(p.Options) > 0 && optionValid(p.Options, v) && flow.Index(p.Step) < idx {
			answers[string(p.Step)] = v
		}
	}
	snap.Answers = answers

	if snap.StartedAt.IsZero() {
		snap.StartedAt = m.deps.Resolver.Clock.Now()
	}
	return snap, nil
}

// View returns the current read model.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view()
}

func (m *Machine) view() View {
	flow := m.deps.Flow
	v := View{
		SessionID: m.id,
		Step:      m.step,
		Progress:  flow.ProgressOf(m.step),
		Answers:   maps.Clone(m.answers),
	}
	v.StepNumber, v.StepTotal = flow.StepNumber(m.step)
	if q, ok := flow.QuestionAt(m.step); ok {
		v.Question = q
	}
	if p, ok := flow.PageAt(m.step); ok {
		v.Page = p
	}
	if flow.Index(m.step) >= flow.Index(StepResults) {
		p := flow.ProjectAnswers(m.answers)
		v.Projection = &p
		v.ContactURL = m.deps.ContactURL
	}
	return v
}

// Lead returns the session's lead state.
func (m *Machine) Lead() LeadState {
	m.mu.Lock()
	r := m.resolver
	m.mu.Unlock()
	return r.State()
}

// Snapshot returns the serialized form of the session.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Machine) snapshot() Snapshot {
	return Snapshot{
		Step:      m.step,
		Answers:   maps.Clone(m.answers),
		Visitor:   m.visitor,
		Lead:      m.resolver.State(),
		StartedAt: m.startedAt,
		TS:        m.deps.Resolver.Clock.Now().UnixMilli(),
	}
}

// LastSeen is when the visitor last acted on the session.
func (m *Machine) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// Close stops the session's deferral timer.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolver.Close()
}

func (m *Machine) touch() {
	m.lastSeen = m.deps.Resolver.Clock.Now()
}

func (m *Machine) key() string {
	return m.deps.SessionKey + ":" + m.id
}

// quizFields maps the answered questions to lead fields.
func (m *Machine) quizFields() model.Fields {
	f := make(model.Fields, len(m.deps.Flow.Questions))
	for _, q := range m.deps.Flow.Questions {
		f.Set(q.Field, m.answers[q.ID])
	}
	return f
}

// save writes the snapshot. Failures are logged; the session carries on.
func (m *Machine) save(ctx context.Context) {
	if m.deps.Snapshots == nil {
		return
	}
	data, err := json.Marshal(m.snapshot())
	if err != nil {
		m.log.Error("encode snapshot failed", zap.Error(err))
		return
	}
	if err := m.deps.Snapshots.Save(ctx, m.key(), data); err != nil {
		m.log.Warn("save snapshot failed", zap.Error(err))
	}
}

// IsInputError reports whether err is a client input error from a Machine
// operation.
func IsInputError(err error) bool {
	for _, target := range []error{ErrUnknownQuestion, ErrInvalidOption, ErrWrongStep, ErrAnswered, ErrNotAdvanceable} {
		if eris.Is(err, target) {
			return true
		}
	}
	return false
}
