package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agusx1211/courier/internal/debug"
	"github.com/agusx1211/courier/internal/events"
)

const codexDefaultRustLog = "error,codex_core::rollout::list=off"

// Codex runs OpenAI's codex CLI in non-interactive mode.
//
// Runs use "codex exec" so the TUI never takes over a terminal, with
// --json for NDJSON events on stdout. Sandboxing is disabled: the
// dispatcher already confines each run to its own worktree, and the
// codex workspace sandbox would block work inside it. Resumed sessions
// use "exec resume <thread-id>" with the recorded thread id.
type Codex struct {
	// Command overrides the binary path. Empty means "codex".
	Command string
}

// NewCodex returns a Codex engine using the default binary.
func NewCodex() *Codex { return &Codex{} }

func (c *Codex) Name() string { return "codex" }

func (c *Codex) command() string {
	if c.Command != "" {
		return c.Command
	}
	return "codex"
}

func (c *Codex) args(req Request) []string {
	args := []string{"exec"}
	if req.Resume != nil {
		args = append(args, "resume", req.Resume.Value)
	}
	args = append(args,
		"--skip-git-repo-check",
		"--dangerously-bypass-approvals-and-sandbox",
		"--json",
	)
	model, effort := splitModelEffort(req.Model)
	if model != "" {
		args = append(args, "--model", model)
	}
	if effort != "" {
		args = append(args, "-c", `model_reasoning_effort="`+effort+`"`)
	}
	return append(args, req.ExtraArgs...)
}

// Run implements Engine.
func (c *Codex) Run(ctx context.Context, req Request) (<-chan events.Event, error) {
	o, err := events.NewOrchestrator(c.Name(), req.Resume)
	if err != nil {
		return nil, err
	}
	if req.Env == nil {
		req.Env = map[string]string{}
	}
	if _, ok := req.Env["RUST_LOG"]; !ok {
		// Keep the codex rollout listing chatter out of stderr.
		req.Env["RUST_LOG"] = codexDefaultRustLog
	}
	args := c.args(req)
	debug.LogKV("engine.codex", "starting run",
		"binary", c.command(),
		"args", strings.Join(args, " "),
		"dir", req.Dir,
		"prompt_len", len(req.Prompt),
		"resume", req.Resume != nil,
	)
	return run(ctx, o, c.command(), args, req, &codexDecoder{})
}

// codexEvent is the subset of the codex --json schema this adapter
// consumes.
type codexEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Usage    *codexUsage `json:"usage,omitempty"`
	Error    *codexError `json:"error,omitempty"`
	Item     *codexItem  `json:"item,omitempty"`
}

type codexUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type codexError struct {
	Message string `json:"message"`
}

type codexItem struct {
	Type     string            `json:"type,omitempty"`
	Text     string            `json:"text,omitempty"`
	Command  string            `json:"command,omitempty"`
	Status   string            `json:"status,omitempty"`
	ExitCode *int              `json:"exit_code,omitempty"`
	Changes  []codexFileChange `json:"changes,omitempty"`
}

type codexFileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// codexDecoder tracks the latest agent message, which becomes the
// answer when the turn completes, and the latest usage totals.
type codexDecoder struct {
	answer  string
	lastErr string
	usage   *events.Usage
}

func (d *codexDecoder) DecodeLine(line []byte) []events.Event {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		debug.LogKV("engine.codex", "unparseable stream line", "err", err, "len", len(line))
		return nil
	}
	switch ev.Type {
	case "thread.started":
		if ev.ThreadID == "" {
			return nil
		}
		return []events.Event{events.Started{
			Resume: &events.ResumeToken{Engine: "codex", Value: ev.ThreadID},
		}}
	case "turn.completed":
		if ev.Usage != nil {
			d.usage = &events.Usage{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			}
		}
		return []events.Event{events.Completed{
			OK:     true,
			Answer: d.answer,
			Usage:  d.usage,
		}}
	case "turn.failed":
		msg := d.lastErr
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		if msg == "" {
			msg = "turn failed"
		}
		return []events.Event{events.Completed{
			OK:    false,
			Error: msg,
			Usage: d.usage,
		}}
	case "error":
		if ev.Error != nil && ev.Error.Message != "" {
			d.lastErr = ev.Error.Message
		}
	case "item.started", "item.updated", "item.completed":
		if ev.Item == nil {
			return nil
		}
		return d.decodeItem(ev.Type, *ev.Item)
	}
	return nil
}

func (d *codexDecoder) decodeItem(eventType string, item codexItem) []events.Event {
	switch item.Type {
	case "agent_message":
		if text := strings.TrimSpace(item.Text); text != "" && eventType == "item.completed" {
			d.answer = text
		}
	case "command_execution":
		if eventType == "item.started" && item.Command != "" {
			return []events.Event{events.Action{Text: "$ " + item.Command}}
		}
	case "file_change":
		if eventType != "item.completed" || len(item.Changes) == 0 {
			return nil
		}
		parts := make([]string, 0, len(item.Changes))
		for _, ch := range item.Changes {
			if ch.Path == "" {
				continue
			}
			if ch.Kind != "" {
				parts = append(parts, ch.Kind+" "+ch.Path)
			} else {
				parts = append(parts, ch.Path)
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return []events.Event{events.Action{Text: "File changes: " + strings.Join(parts, ", ")}}
	case "error":
		if item.Text != "" {
			d.lastErr = item.Text
		}
	}
	return nil
}

func (d *codexDecoder) Fallback(exitCode int, stderr string) events.Completed {
	if exitCode == 0 && d.answer != "" {
		return events.Completed{OK: true, Answer: d.answer, Usage: d.usage}
	}
	msg := d.lastErr
	if msg == "" {
		msg = tailLines(stderr, 5)
	}
	if msg == "" {
		msg = fmt.Sprintf("codex exited with code %d before reporting a result", exitCode)
	}
	return events.Completed{OK: false, Error: msg, Usage: d.usage}
}
