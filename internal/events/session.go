package events

import (
	"errors"
	"fmt"
)

// State tracks where a run sits in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrProtocol marks violations of the run event protocol. Callers use
// errors.Is to distinguish these from engine failures.
var ErrProtocol = errors.New("session protocol violation")

// Orchestrator validates the event sequence of a single engine run and
// pins the resume token so a resumed session cannot silently switch
// identity mid-run. It is not safe for concurrent use; each run owns
// exactly one orchestrator.
type Orchestrator struct {
	engine string
	token  *ResumeToken
	state  State
}

// NewOrchestrator builds an orchestrator for one run of engine. A
// non-nil resume token pre-commits the session identity: the run must
// report the same token or nothing at all.
func NewOrchestrator(engine string, resume *ResumeToken) (*Orchestrator, error) {
	if engine == "" {
		return nil, fmt.Errorf("%w: engine cannot be empty", ErrProtocol)
	}
	o := &Orchestrator{engine: engine}
	if resume != nil {
		if resume.Engine != engine {
			return nil, fmt.Errorf("%w: resume token is for engine %q, not %q", ErrProtocol, resume.Engine, engine)
		}
		tok := *resume
		o.token = &tok
	}
	return o, nil
}

// State reports the current lifecycle state.
func (o *Orchestrator) State() State { return o.state }

// Resume returns a copy of the pinned resume token, or nil when the
// run has not produced one.
func (o *Orchestrator) Resume() *ResumeToken {
	if o.token == nil {
		return nil
	}
	tok := *o.token
	return &tok
}

// Started records the engine's session announcement. A nil token keeps
// whatever was pinned at construction. Re-announcing the identical
// token is a no-op; announcing a different one is a protocol error.
func (o *Orchestrator) Started(token *ResumeToken) (Started, error) {
	if o.state == StateCompleted {
		return Started{}, fmt.Errorf("%w: started after completed", ErrProtocol)
	}
	if token != nil {
		if token.Engine != o.engine {
			return Started{}, fmt.Errorf("%w: resume token is for engine %q, not %q", ErrProtocol, token.Engine, o.engine)
		}
		if o.token != nil && token.Value != o.token.Value {
			return Started{}, fmt.Errorf("%w: resume token mismatch", ErrProtocol)
		}
		tok := *token
		o.token = &tok
	}
	o.state = StateStarted
	return Started{Resume: o.Resume()}, nil
}

// Action emits a progress event. Valid in any state except Completed;
// engines may act before announcing a session.
func (o *Orchestrator) Action(text string) (Action, error) {
	if o.state == StateCompleted {
		return Action{}, fmt.Errorf("%w: action after completed", ErrProtocol)
	}
	return Action{Text: text}, nil
}

// Completed seals the run. A non-nil token is validated against the
// pinned identity exactly like Started's. Any further event is
// rejected.
func (o *Orchestrator) Completed(ok bool, answer, errText string, usage *Usage, token *ResumeToken) (Completed, error) {
	if o.state == StateCompleted {
		return Completed{}, fmt.Errorf("%w: completed after completed", ErrProtocol)
	}
	if token != nil {
		if token.Engine != o.engine {
			return Completed{}, fmt.Errorf("%w: resume token is for engine %q, not %q", ErrProtocol, token.Engine, o.engine)
		}
		if o.token != nil && token.Value != o.token.Value {
			return Completed{}, fmt.Errorf("%w: resume token mismatch", ErrProtocol)
		}
		tok := *token
		o.token = &tok
	}
	o.state = StateCompleted
	return Completed{OK: ok, Answer: answer, Error: errText, Usage: usage, Resume: o.Resume()}, nil
}
