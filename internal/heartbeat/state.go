package heartbeat

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/agusx1211/courier/internal/events"
	"github.com/agusx1211/courier/internal/store"
)

// maxRunHistory caps how many run records a state file keeps. Older runs
// are dropped at save time.
const maxRunHistory = 50

// RunRecord is the outcome of one task run.
type RunRecord struct {
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	OK          bool          `json:"ok"`
	DurationMS  int64         `json:"duration_ms"`
	Usage       *events.Usage `json:"usage,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// State is a task's durable memory between runs: the engine session to
// resume and a bounded run history.
type State struct {
	// SessionID is the engine session from the most recent run that
	// reported one. Engine records which engine issued it, so a task
	// whose engine changed starts fresh instead of replaying a foreign
	// session.
	SessionID string      `json:"session_id,omitempty"`
	Engine    string      `json:"engine,omitempty"`
	LastRunAt time.Time   `json:"last_run_at"`
	Runs      []RunRecord `json:"runs,omitempty"`
}

// ResumeFor returns the stored session as a resume token, or nil when no
// session is recorded or it belongs to a different engine.
func (s *State) ResumeFor(engine string) *events.ResumeToken {
	if s == nil || s.SessionID == "" || s.Engine != engine {
		return nil
	}
	return &events.ResumeToken{Engine: s.Engine, Value: s.SessionID}
}

// RecordSession stores the session carried by token, if any.
func (s *State) RecordSession(token *events.ResumeToken) {
	if token == nil || token.Value == "" {
		return
	}
	s.SessionID = token.Value
	s.Engine = token.Engine
}

// StatePath returns where the named task's state file lives
// (~/.courier/heartbeats/<name>.json).
func StatePath(name string) (string, error) {
	dir, err := store.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "heartbeats", name+".json"), nil
}

// LoadState reads the named task's state. A missing file yields an empty
// state; an unreadable one is an error so a corrupt history is noticed
// rather than silently overwritten.
func LoadState(name string) (*State, error) {
	path, err := StatePath(name)
	if err != nil {
		return nil, err
	}
	var st State
	if err := store.ReadJSON(path, &st); err != nil {
		if store.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("heartbeat %s: read state: %w", name, err)
	}
	return &st, nil
}

// SaveState writes the task's state, trimming the run history to the most
// recent maxRunHistory entries.
func SaveState(name string, st *State) error {
	path, err := StatePath(name)
	if err != nil {
		return err
	}
	if len(st.Runs) > maxRunHistory {
		st.Runs = st.Runs[len(st.Runs)-maxRunHistory:]
	}
	return store.WriteJSON(path, st)
}
