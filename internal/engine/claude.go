package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agusx1211/courier/internal/debug"
	"github.com/agusx1211/courier/internal/events"
)

// Claude runs Anthropic's claude CLI in non-interactive mode.
//
// The CLI is invoked with --print so it answers and exits, and with
// --output-format stream-json --verbose so progress arrives as NDJSON
// events on stdout. The prompt goes through stdin to avoid argv size
// limits on long prompts.
type Claude struct {
	// Command overrides the binary path. Empty means "claude".
	Command string
}

// NewClaude returns a Claude engine using the default binary.
func NewClaude() *Claude { return &Claude{} }

func (c *Claude) Name() string { return "claude" }

func (c *Claude) command() string {
	if c.Command != "" {
		return c.Command
	}
	return "claude"
}

func (c *Claude) args(req Request) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if model, _ := splitModelEffort(req.Model); model != "" {
		args = append(args, "--model", model)
	}
	if req.Resume != nil {
		args = append(args, "--resume", req.Resume.Value)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.AllowedTools, ","))
	}
	if req.BypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, req.ExtraArgs...)
}

// Run implements Engine.
func (c *Claude) Run(ctx context.Context, req Request) (<-chan events.Event, error) {
	o, err := events.NewOrchestrator(c.Name(), req.Resume)
	if err != nil {
		return nil, err
	}
	if _, effort := splitModelEffort(req.Model); effort != "" {
		if req.Env == nil {
			req.Env = map[string]string{}
		}
		if _, ok := req.Env["CLAUDE_CODE_EFFORT_LEVEL"]; !ok {
			req.Env["CLAUDE_CODE_EFFORT_LEVEL"] = effort
		}
	}
	args := c.args(req)
	debug.LogKV("engine.claude", "starting run",
		"binary", c.command(),
		"args", strings.Join(args, " "),
		"dir", req.Dir,
		"prompt_len", len(req.Prompt),
		"resume", req.Resume != nil,
	)
	return run(ctx, o, c.command(), args, req, &claudeDecoder{})
}

// claudeEvent is the subset of the claude stream-json schema this
// adapter consumes.
type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Message *claudeMessage `json:"message,omitempty"`

	IsError      bool          `json:"is_error,omitempty"`
	ResultText   string        `json:"result,omitempty"`
	TotalCostUSD *float64      `json:"total_cost_usd,omitempty"`
	Usage        *claudeTokens `json:"usage,omitempty"`
}

type claudeMessage struct {
	Role    string        `json:"role,omitempty"`
	Content []claudeBlock `json:"content,omitempty"`
}

type claudeBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type claudeTokens struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// claudeDecoder accumulates assistant text as a fallback answer; the
// authoritative answer is the result event's text.
type claudeDecoder struct {
	lastText string
	lastErr  string
}

func (d *claudeDecoder) DecodeLine(line []byte) []events.Event {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		debug.LogKV("engine.claude", "unparseable stream line", "err", err, "len", len(line))
		return nil
	}
	switch ev.Type {
	case "system":
		if ev.Subtype == "init" && ev.SessionID != "" {
			return []events.Event{events.Started{
				Resume: &events.ResumeToken{Engine: "claude", Value: ev.SessionID},
			}}
		}
	case "assistant":
		if ev.Message == nil {
			return nil
		}
		var out []events.Event
		var text strings.Builder
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				out = append(out, events.Action{Text: claudeToolAction(block)})
			}
		}
		if s := strings.TrimSpace(text.String()); s != "" {
			d.lastText = s
		}
		return out
	case "result":
		answer := strings.TrimSpace(ev.ResultText)
		if answer == "" {
			answer = d.lastText
		}
		done := events.Completed{
			OK:     !ev.IsError,
			Answer: answer,
			Resume: claudeToken(ev.SessionID),
			Usage:  claudeUsage(ev),
		}
		if ev.IsError {
			done.Error = answer
			done.Answer = ""
			if done.Error == "" {
				done.Error = "run failed"
			}
		}
		return []events.Event{done}
	case "error":
		if ev.ResultText != "" {
			d.lastErr = ev.ResultText
		}
	}
	return nil
}

func (d *claudeDecoder) Fallback(exitCode int, stderr string) events.Completed {
	if exitCode == 0 && d.lastText != "" {
		return events.Completed{OK: true, Answer: d.lastText}
	}
	msg := d.lastErr
	if msg == "" {
		msg = tailLines(stderr, 5)
	}
	if msg == "" {
		msg = fmt.Sprintf("claude exited with code %d before reporting a result", exitCode)
	}
	return events.Completed{OK: false, Error: msg}
}

func claudeToken(sessionID string) *events.ResumeToken {
	if sessionID == "" {
		return nil
	}
	return &events.ResumeToken{Engine: "claude", Value: sessionID}
}

func claudeUsage(ev claudeEvent) *events.Usage {
	if ev.Usage == nil && ev.TotalCostUSD == nil {
		return nil
	}
	u := &events.Usage{CostUSD: ev.TotalCostUSD}
	if ev.Usage != nil {
		u.InputTokens = ev.Usage.InputTokens
		u.OutputTokens = ev.Usage.OutputTokens
	}
	return u
}

func claudeToolAction(block claudeBlock) string {
	if block.Name == "Bash" {
		var input struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(block.Input, &input); err == nil && input.Command != "" {
			return "$ " + input.Command
		}
	}
	if block.Name != "" {
		return "Using " + block.Name
	}
	return "Using tool"
}
