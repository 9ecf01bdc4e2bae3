package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agusx1211/courier/internal/debug"
	"github.com/agusx1211/courier/internal/eventq"
	"github.com/agusx1211/courier/internal/events"
	"github.com/agusx1211/courier/internal/supervisor"
)

// shutdownGrace bounds how long a misbehaving child gets between
// SIGTERM and SIGKILL when a run is torn down early.
const shutdownGrace = 3 * time.Second

// runDecoder turns one backend's NDJSON lines into candidate protocol
// events. Implementations are stateful and scoped to a single run.
type runDecoder interface {
	// DecodeLine maps one stdout line to zero or more events. Unknown
	// or malformed lines decode to nothing.
	DecodeLine(line []byte) []events.Event
	// Fallback builds the terminal event when the stream ended without
	// one, from the exit code and captured stderr.
	Fallback(exitCode int, stderr string) events.Completed
}

// run spawns the backend and pumps its stdout through dec and the
// session orchestrator into the returned channel. The orchestrator
// must already carry any requested resume token.
func run(ctx context.Context, o *events.Orchestrator, name string, args []string, req Request, dec runDecoder) (<-chan events.Event, error) {
	p, err := supervisor.Start(ctx, name, args, supervisor.Options{
		Dir:   req.Dir,
		Env:   req.Env,
		Stdin: req.Prompt,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan events.Event, 16)
	go func() {
		defer close(out)
		failed := false
		for line := range p.Lines() {
			if failed {
				continue // drain to EOF so the child never blocks on a full pipe
			}
			for _, ev := range dec.DecodeLine([]byte(line)) {
				if !forward(ctx, o, out, ev) {
					failed = true
					p.Shutdown(shutdownGrace)
					break
				}
			}
		}
		_ = p.Wait(ctx)
		if o.State() != events.StateCompleted {
			fb := dec.Fallback(p.ExitCode(), p.Stderr())
			done, err := o.Completed(fb.OK, fb.Answer, fb.Error, fb.Usage, fb.Resume)
			if err != nil {
				debug.LogKV("engine", "fallback completion rejected", "err", err)
				return
			}
			eventq.Send(ctx, out, events.Event(done))
		}
	}()
	return out, nil
}

// forward validates ev against the orchestrator and delivers it. A
// protocol violation on Started or Completed fails the run with a
// synthesized error completion and returns false; events arriving
// after the terminal one are rejected and dropped.
func forward(ctx context.Context, o *events.Orchestrator, out chan<- events.Event, ev events.Event) bool {
	if o.State() == events.StateCompleted {
		debug.LogKV("engine", "dropping event after completion", "event", fmt.Sprintf("%T", ev))
		return true
	}
	switch e := ev.(type) {
	case events.Started:
		validated, err := o.Started(e.Resume)
		if err != nil {
			return failRun(ctx, o, out, err)
		}
		eventq.Send(ctx, out, events.Event(validated))
	case events.Action:
		validated, err := o.Action(e.Text)
		if err != nil {
			return failRun(ctx, o, out, err)
		}
		eventq.Send(ctx, out, events.Event(validated))
	case events.Completed:
		validated, err := o.Completed(e.OK, e.Answer, e.Error, e.Usage, e.Resume)
		if err != nil {
			return failRun(ctx, o, out, err)
		}
		eventq.Send(ctx, out, events.Event(validated))
	}
	return true
}

func failRun(ctx context.Context, o *events.Orchestrator, out chan<- events.Event, cause error) bool {
	debug.LogKV("engine", "protocol violation", "err", cause)
	done, err := o.Completed(false, "", cause.Error(), nil, nil)
	if err != nil {
		return false
	}
	eventq.Send(ctx, out, events.Event(done))
	return false
}

// tailLines keeps the last n non-empty lines of s, for embedding
// stderr output in synthesized failures.
func tailLines(s string, n int) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, "\n")
}
