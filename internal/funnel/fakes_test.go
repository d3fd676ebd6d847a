package funnel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/leadfunnel/internal/attribution"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock fires timers only from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of armed timers.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// manualRunner queues tasks until the test runs them.
type manualRunner struct {
	mu     sync.Mutex
	tasks  []queuedTask
	closed bool
}

type queuedTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (r *manualRunner) Go(name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.tasks = append(r.tasks, queuedTask{name: name, fn: fn})
	return true
}

// Next runs the oldest queued task and returns its name.
func (r *manualRunner) Next() string {
	r.mu.Lock()
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return ""
	}
	t := r.tasks[0]
	r.tasks = r.tasks[1:]
	r.mu.Unlock()

	_ = t.fn(context.Background())
	return t.name
}

// RunAll runs queued tasks, including ones they enqueue, until none remain.
func (r *manualRunner) RunAll() []string {
	var names []string
	for {
		name := r.Next()
		if name == "" {
			return names
		}
		names = append(names, name)
	}
}

// Names lists the queued task names.
func (r *manualRunner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.name
	}
	return out
}

func (r *manualRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// recordingNotifier keeps every event it is sent.
type recordingNotifier struct {
	mu     sync.Mutex
	events []attribution.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev attribution.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) Names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Name
	}
	return out
}
