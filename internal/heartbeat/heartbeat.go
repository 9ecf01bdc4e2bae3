// Package heartbeat runs scheduled tasks through a coding engine and
// keeps a bounded history of their outcomes.
//
// A heartbeat is a named prompt from the config file. Each run expands
// ${VAR} placeholders, optionally resumes the engine session from the
// previous run, executes the engine in the task's working directory, and
// persists the outcome under ~/.courier/heartbeats/. Run failures are
// recorded, not propagated; only misconfiguration aborts a run before it
// starts.
package heartbeat

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agusx1211/courier/internal/config"
	"github.com/agusx1211/courier/internal/debug"
	"github.com/agusx1211/courier/internal/engine"
	"github.com/agusx1211/courier/internal/events"
)

// ConfigError marks a task that cannot run as configured, as opposed to a
// task that ran and failed.
type ConfigError struct {
	Task string
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("heartbeat %s: %s", e.Task, e.Msg)
}

// Result is the outcome of one task run.
type Result struct {
	OK       bool
	Answer   string
	Error    string
	Usage    *events.Usage
	Duration time.Duration
}

// Notifier delivers run reports. Implementations must not block forever;
// delivery failures are their problem to swallow.
type Notifier interface {
	NotifyRun(ctx context.Context, chatID int64, task string, res Result) bool
}

// RunOptions are per-invocation switches.
type RunOptions struct {
	// NoNotify suppresses the Telegram report regardless of task config.
	NoNotify bool
}

// Runner executes heartbeat tasks.
type Runner struct {
	// Engines resolves task engine names.
	Engines *engine.Registry
	// DefaultEngine answers when a task names none.
	DefaultEngine string
	// DefaultModels maps engine name to the model used when the task
	// does not override one.
	DefaultModels map[string]string
	// DefaultArgs maps engine name to extra CLI arguments appended to
	// its invocations.
	DefaultArgs map[string][]string
	// Notifier receives run reports. Nil disables reporting.
	Notifier Notifier
	// Now is the clock, injectable for tests. Nil means time.Now.
	Now func() time.Time
}

func (r *Runner) clock() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// resolvePrompt produces the final prompt text for a run. Exactly one of
// Prompt or PromptFile must be set; a missing prompt file is a
// configuration error, not a run failure.
func (r *Runner) resolvePrompt(name string, task config.HeartbeatConfig, now time.Time) (string, error) {
	hasInline := strings.TrimSpace(task.Prompt) != ""
	hasFile := strings.TrimSpace(task.PromptFile) != ""
	if hasInline == hasFile {
		return "", &ConfigError{Task: name, Msg: "exactly one of prompt or prompt_file is required"}
	}

	text := task.Prompt
	if hasFile {
		path := config.ExpandPath(task.PromptFile)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", &ConfigError{Task: name, Msg: fmt.Sprintf("prompt file %s: %v", path, err)}
		}
		text = string(data)
	}
	return ExpandVars(text, now), nil
}

// resolveDir picks the run's working directory. A configured directory
// that does not exist degrades to the process default with a warning, so
// a heartbeat keeps running after its project moved.
func resolveDir(name, cwd string) string {
	if cwd == "" {
		return ""
	}
	dir := config.ExpandPath(cwd)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		debug.LogKV("heartbeat", "cwd missing, running in default dir", "task", name, "cwd", dir)
		return ""
	}
	return dir
}

// Run executes the named task once. Engine failures are captured in the
// returned Result and the saved state; the error return is reserved for
// configuration problems that prevent the run from starting.
func (r *Runner) Run(ctx context.Context, name string, task config.HeartbeatConfig, opts RunOptions) (Result, error) {
	start := r.clock()

	prompt, err := r.resolvePrompt(name, task, start)
	if err != nil {
		return Result{}, err
	}

	engineName := task.Engine
	if engineName == "" {
		engineName = r.DefaultEngine
	}
	eng, ok := r.Engines.Get(engineName)
	if !ok {
		return Result{}, &ConfigError{Task: name, Msg: fmt.Sprintf("unknown engine %q", engineName)}
	}

	st, err := LoadState(name)
	if err != nil {
		// A corrupt state file should not stop the task; it costs the
		// session and history, nothing else.
		debug.LogKV("heartbeat", "state unreadable, starting fresh", "task", name, "err", err)
		st = &State{}
	}

	var resume *events.ResumeToken
	if task.Resume {
		resume = st.ResumeFor(engineName)
	}

	model := task.Model
	if model == "" {
		model = r.DefaultModels[engineName]
	}

	req := engine.Request{
		Prompt:            prompt,
		Dir:               resolveDir(name, task.Cwd),
		Model:             model,
		Resume:            resume,
		AllowedTools:      task.AllowedTools,
		BypassPermissions: task.BypassPermissions,
		ExtraArgs:         r.DefaultArgs[engineName],
	}

	debug.LogKV("heartbeat", "run starting",
		"task", name, "engine", engineName, "resume", resume != nil, "dir", req.Dir)

	res := r.execute(ctx, eng, req, st)
	res.Duration = r.clock().Sub(start)

	st.LastRunAt = start.UTC()
	st.Runs = append(st.Runs, RunRecord{
		StartedAt:   start.UTC(),
		CompletedAt: start.UTC().Add(res.Duration),
		OK:          res.OK,
		DurationMS:  res.Duration.Milliseconds(),
		Usage:       res.Usage,
		Error:       res.Error,
	})
	if err := SaveState(name, st); err != nil {
		debug.LogKV("heartbeat", "state save failed", "task", name, "err", err)
	}

	if r.Notifier != nil && task.ShouldNotify(res.OK, opts.NoNotify) && task.NotifyChatID != 0 {
		r.Notifier.NotifyRun(ctx, task.NotifyChatID, name, res)
	}
	return res, nil
}

// execute drives one engine run and folds its event stream into a Result,
// recording any session token on st as it appears.
func (r *Runner) execute(ctx context.Context, eng engine.Engine, req engine.Request, st *State) Result {
	ch, err := eng.Run(ctx, req)
	if err != nil {
		return Result{OK: false, Error: err.Error()}
	}

	var res Result
	sawCompleted := false
	for ev := range ch {
		switch e := ev.(type) {
		case events.Started:
			st.RecordSession(e.Resume)
		case events.Action:
			debug.LogKV("heartbeat", "action", "text", e.Text)
		case events.Completed:
			sawCompleted = true
			res.OK = e.OK
			res.Answer = e.Answer
			res.Error = e.Error
			res.Usage = e.Usage
			st.RecordSession(e.Resume)
		}
	}
	if !sawCompleted {
		res.OK = false
		res.Error = "engine stream ended without a result"
	}
	return res
}
