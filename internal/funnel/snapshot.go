package funnel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadfunnel/internal/model"
)

// ErrMalformedSnapshot marks a stored session that cannot be resumed.
var ErrMalformedSnapshot = eris.New("funnel: malformed session snapshot")

// Snapshot is the serialized session written on every state change.
type Snapshot struct {
	Step      Step              `json:"step"`
	Answers   map[string]string `json:"answers,omitempty"`
	Visitor   model.Visitor     `json:"visitor"`
	Lead      LeadState         `json:"lead"`
	StartedAt time.Time         `json:"started_at"`
	TS        int64             `json:"ts"` // unix millis of the write
}

// DecodeSnapshot parses a stored snapshot. Answers may also appear as
// top-level keys named after question or page ids ({"step":"q2",
// "capital":"100k_300k"}), the layout older clients wrote.
func DecodeSnapshot(data []byte, flow *Flow) (*Snapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(ErrMalformedSnapshot, err.Error())
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrap(ErrMalformedSnapshot, err.Error())
	}
	if snap.Answers == nil {
		snap.Answers = map[string]string{}
	}

	for _, id := range answerIDs(flow) {
		msg, ok := raw[id]
		if !ok {
			continue
		}
		if _, set := snap.Answers[id]; set {
			continue
		}
		var v string
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, eris.Wrapf(ErrMalformedSnapshot, "answer %q is not a string", id)
		}
		if v != "" {
			snap.Answers[id] = v
		}
	}
	return &snap, nil
}

// answerIDs lists every key an answer can be stored under.
func answerIDs(flow *Flow) []string {
	ids := make([]string, 0, len(flow.Questions)+len(flow.Pages))
	for _, q := range flow.Questions {
		ids = append(ids, q.ID)
	}
	for _, p := range flow.Pages {
		if len(p.Options) > 0 {
			ids = append(ids, string(p.Step))
		}
	}
	return ids
}

// SnapshotStore is the per-session snapshot slot.
type SnapshotStore interface {
	// Load returns the stored bytes, or nil when nothing is stored.
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// MemorySnapshots keeps snapshots in process memory.
type MemorySnapshots struct {
	mu    sync.Mutex
	items map[string]memorySnapshot
	now   func() time.Time
}

type memorySnapshot struct {
	data    []byte
	savedAt time.Time
}

// NewMemorySnapshots creates an empty snapshot store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{items: make(map[string]memorySnapshot), now: time.Now}
}

func (m *MemorySnapshots) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), it.data...), nil
}

func (m *MemorySnapshots) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memorySnapshot{data: append([]byte(nil), data...), savedAt: m.now()}
	return nil
}

func (m *MemorySnapshots) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Prune drops snapshots last saved before cutoff and returns how many.
func (m *MemorySnapshots) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, it := range m.items {
		if it.savedAt.Before(cutoff) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored snapshots.
func (m *MemorySnapshots) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
