package funnel

import "sync/atomic"

// Stats counts funnel and persistence events since start.
type Stats struct {
	SessionsStarted  atomic.Int64
	SessionsResumed  atomic.Int64
	Restarts         atomic.Int64
	QuizCompleted    atomic.Int64
	PartialCreates   atomic.Int64
	CompleteCreates  atomic.Int64
	Updates          atomic.Int64
	CreateFailures   atomic.Int64
	UpdateFailures   atomic.Int64
	UpdatesSkipped   atomic.Int64
	UnknownIDs       atomic.Int64
	NotifyFailures   atomic.Int64
	TasksDropped     atomic.Int64
	MalformedResumes atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	SessionsStarted  int64 `json:"sessions_started"`
	SessionsResumed  int64 `json:"sessions_resumed"`
	Restarts         int64 `json:"restarts"`
	QuizCompleted    int64 `json:"quiz_completed"`
	PartialCreates   int64 `json:"partial_creates"`
	CompleteCreates  int64 `json:"complete_creates"`
	Updates          int64 `json:"updates"`
	CreateFailures   int64 `json:"create_failures"`
	UpdateFailures   int64 `json:"update_failures"`
	UpdatesSkipped   int64 `json:"updates_skipped"`
	UnknownIDs       int64 `json:"unknown_ids"`
	NotifyFailures   int64 `json:"notify_failures"`
	TasksDropped     int64 `json:"tasks_dropped"`
	MalformedResumes int64 `json:"malformed_resumes"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SessionsStarted:  s.SessionsStarted.Load(),
		SessionsResumed:  s.SessionsResumed.Load(),
		Restarts:         s.Restarts.Load(),
		QuizCompleted:    s.QuizCompleted.Load(),
		PartialCreates:   s.PartialCreates.Load(),
		CompleteCreates:  s.CompleteCreates.Load(),
		Updates:          s.Updates.Load(),
		CreateFailures:   s.CreateFailures.Load(),
		UpdateFailures:   s.UpdateFailures.Load(),
		UpdatesSkipped:   s.UpdatesSkipped.Load(),
		UnknownIDs:       s.UnknownIDs.Load(),
		NotifyFailures:   s.NotifyFailures.Load(),
		TasksDropped:     s.TasksDropped.Load(),
		MalformedResumes: s.MalformedResumes.Load(),
	}
}

// PersistenceAttempts is the number of store calls that settled.
func (s StatsSnapshot) PersistenceAttempts() int64 {
	return s.PartialCreates + s.CompleteCreates + s.Updates + s.CreateFailures + s.UpdateFailures
}

// PersistenceFailures is the number of store calls that failed.
func (s StatsSnapshot) PersistenceFailures() int64 {
	return s.CreateFailures + s.UpdateFailures
}
