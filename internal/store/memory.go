package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sells-group/leadfunnel/internal/model"
)

// MemoryStore is an in-process Gateway for local runs and tests.
type MemoryStore struct {
	mu         sync.Mutex
	leads      map[LeadID]model.Fields
	seq        int64
	creates    int
	updates    int
	denyRead   bool
	failCreate error
	failUpdate error
	now        func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithDenyReadBack makes CreateLead store the record but return
// UnknownLeadID, like a row-level policy that hides new rows.
func WithDenyReadBack() MemoryOption {
	return func(s *MemoryStore) { s.denyRead = true }
}

// WithClock sets the updated_at clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemory creates an empty MemoryStore.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{leads: make(map[LeadID]model.Fields), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailCreates makes every following CreateLead return err. nil clears it.
func (s *MemoryStore) FailCreates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate = err
}

// FailUpdates makes every following UpdateLead return err. nil clears it.
func (s *MemoryStore) FailUpdates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdate = err
}

func (s *MemoryStore) CreateLead(_ context.Context, fields model.Fields) (LeadID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creates++
	if s.failCreate != nil {
		return UnknownLeadID, &PersistenceError{Backend: "memory", Op: OpCreate, Code: CodeRejected, Message: s.failCreate.Error(), Err: s.failCreate}
	}
	if err := s.validate(fields); err != nil {
		return UnknownLeadID, &PersistenceError{Backend: "memory", Op: OpCreate, Code: CodeInvalidField, Message: err.Error(), Err: err}
	}

	s.seq++
	id := LeadID(strconv.FormatInt(s.seq, 10))
	s.leads[id] = prepare(fields, time.Time{})
	if s.denyRead {
		return UnknownLeadID, nil
	}
	return id, nil
}

func (s *MemoryStore) UpdateLead(_ context.Context, id LeadID, fields model.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates++
	if s.failUpdate != nil {
		return &PersistenceError{Backend: "memory", Op: OpUpdate, Code: CodeRejected, Message: s.failUpdate.Error(), Err: s.failUpdate}
	}
	if err := s.validate(fields); err != nil {
		return &PersistenceError{Backend: "memory", Op: OpUpdate, Code: CodeInvalidField, Message: err.Error(), Err: err}
	}
	rec, ok := s.leads[id]
	if !ok {
		return &PersistenceError{Backend: "memory", Op: OpUpdate, Code: CodeNotFound, Message: fmt.Sprintf("no lead with id %s", id)}
	}
	rec.Merge(prepare(fields, s.now()))
	return nil
}

func (s *MemoryStore) validate(fields model.Fields) error {
	for f := range fields {
		if !f.Valid() {
			return fmt.Errorf("unknown field %q", f)
		}
	}
	return nil
}

// Get returns a copy of the stored record.
func (s *MemoryStore) Get(id LeadID) (model.Fields, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.leads[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Leads returns copies of every stored record keyed by id.
func (s *MemoryStore) Leads() map[LeadID]model.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[LeadID]model.Fields, len(s.leads))
	for id, rec := range s.leads {
		out[id] = rec.Clone()
	}
	return out
}

// Calls returns how many creates and updates were attempted.
func (s *MemoryStore) Calls() (creates, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates, s.updates
}
