// Package events defines the engine run event model and enforces the
// session resume-token protocol over one run's event stream.
package events

// ResumeToken is an opaque continuation handle scoped to one engine.
// A logical session's token value never changes once observed.
type ResumeToken struct {
	Engine string `json:"engine"`
	Value  string `json:"value"`
}

// Usage captures token and cost accounting reported by an engine run.
type Usage struct {
	InputTokens  int      `json:"input_tokens,omitempty"`
	OutputTokens int      `json:"output_tokens,omitempty"`
	CostUSD      *float64 `json:"total_cost_usd,omitempty"`
}

// Event is one decoded engine event. A run emits Started zero or one
// times and Completed exactly once; Action events may appear in between.
type Event interface {
	event()
}

// Started reports that the engine opened (or resumed) a session.
type Started struct {
	Resume *ResumeToken
}

// Action is a progress note (tool use, command execution) surfaced for
// display; it carries no protocol state.
type Action struct {
	Text string
}

// Completed is the terminal event of a run.
type Completed struct {
	OK     bool
	Answer string
	Error  string
	Usage  *Usage
	Resume *ResumeToken
}

func (Started) event()   {}
func (Action) event()    {}
func (Completed) event() {}
