package observability

import (
	"sync"
	"time"
)

type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
)

// Snapshot is a copy of the tracker state, safe to hand to other goroutines.
type Snapshot struct {
	State        State     `json:"state"`
	CycleID      string    `json:"cycle_id,omitempty"`
	CurrentStep  string    `json:"current_step,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastCycleID  string    `json:"last_cycle_id,omitempty"`
	LastOutcome  State     `json:"last_outcome,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
	LastDuration float64   `json:"last_duration_secs,omitempty"`
	Cycles       int64     `json:"cycles"`
	Suppressed   int64     `json:"suppressed"`
}

// Tracker holds the orchestrator state machine. Begin is the only way into
// RUNNING, which makes it the guard against overlapping cycles.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{snap: Snapshot{State: StateIdle}, now: time.Now}
}

// Begin moves IDLE to RUNNING. It returns false, and counts the trigger as
// suppressed, when a cycle is already running.
func (t *Tracker) Begin(cycleID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.State == StateRunning {
		t.snap.Suppressed++
		return false
	}
	t.snap.State = StateRunning
	t.snap.CycleID = cycleID
	t.snap.CurrentStep = ""
	t.snap.StartedAt = t.now()
	return true
}

func (t *Tracker) SetStep(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.CurrentStep = name
}

// Finish records the outcome of the running cycle and returns to IDLE.
func (t *Tracker) Finish(outcome State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.State != StateRunning {
		return
	}
	now := t.now()
	t.snap.LastCycleID = t.snap.CycleID
	t.snap.LastOutcome = outcome
	t.snap.LastError = ""
	if err != nil {
		t.snap.LastError = err.Error()
	}
	t.snap.LastFinished = now
	t.snap.LastDuration = now.Sub(t.snap.StartedAt).Seconds()
	t.snap.Cycles++

	t.snap.State = StateIdle
	t.snap.CycleID = ""
	t.snap.CurrentStep = ""
	t.snap.StartedAt = time.Time{}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

func (t *Tracker) Running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.State == StateRunning
}
