// Package engine defines the coding-agent engine abstraction and the
// adapters for the supported CLI backends. An engine turns a prompt
// (plus optional resume token) into a finite stream of run events.
package engine

import (
	"context"
	"strings"

	"github.com/agusx1211/courier/internal/events"
)

// Request describes one engine run.
type Request struct {
	// Prompt is the task text, piped to the CLI's stdin.
	Prompt string
	// Dir is the working directory for the run. Empty means the
	// daemon's own directory; it is passed to the child directly and
	// the parent process never changes its working directory.
	Dir string
	// Model overrides the engine's default model when non-empty.
	Model string
	// Resume continues a prior session. Its engine must match.
	Resume *events.ResumeToken
	// AllowedTools restricts the engine to the named tools where the
	// backend supports that.
	AllowedTools []string
	// BypassPermissions disables the backend's approval prompts.
	BypassPermissions bool
	// ExtraArgs are appended verbatim after the engine's own arguments.
	ExtraArgs []string
	// Env is overlaid on the child's environment.
	Env map[string]string
}

// reasoningLevels are the suffixes understood as a reasoning effort
// hint when a model is written "name:level", e.g. "gpt-5.2:high".
var reasoningLevels = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
	"xhigh":  true,
}

// splitModelEffort separates the optional :level suffix from a model
// name. Unknown suffixes stay part of the model; some backends use
// colons in model tags.
func splitModelEffort(model string) (name, effort string) {
	if i := strings.LastIndexByte(model, ':'); i >= 0 && reasoningLevels[model[i+1:]] {
		return model[:i], model[i+1:]
	}
	return model, ""
}

// Engine is a pluggable coding-agent backend.
//
// Run starts the backend subprocess and returns its event stream. The
// channel always delivers exactly one Completed event (possibly
// synthesized from the exit status) and is then closed. Cancelling ctx
// kills the subprocess tree; the channel still closes after a terminal
// event.
type Engine interface {
	Name() string
	Run(ctx context.Context, req Request) (<-chan events.Event, error)
}
