package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agusx1211/courier/internal/debug"
	"github.com/agusx1211/courier/internal/engine"
	"github.com/agusx1211/courier/internal/events"
	"github.com/agusx1211/courier/internal/router"
	"github.com/agusx1211/courier/internal/status"
	"github.com/agusx1211/courier/internal/telegram"
)

// finalSendTimeout bounds the result delivery once the run context is
// gone (cancelled runs still report back).
const finalSendTimeout = 30 * time.Second

func newRunID() string { return uuid.NewString() }

// executeRun resolves routing and working directory for one prompt,
// streams the engine run, and delivers the outcome into the chat.
func (d *Dispatcher) executeRun(ctx context.Context, msg *telegram.Message, directive, prompt string) {
	key := convoKey{msg.Chat.ID, msg.TopicID}
	project := d.cfg.ProjectForChat(msg.Chat.ID)

	res := d.defaults.Load().Resolve(ctx, router.Query{
		Directive: directive,
		ChatID:    msg.Chat.ID,
		TopicID:   msg.TopicID,
		Project:   project,
		Prompt:    prompt,
	}, d.classifier)

	eng, ok := d.engines.Get(res.Engine)
	if !ok {
		d.reply(ctx, msg, fmt.Sprintf("❌ engine %q is not configured", telegram.EscapeHTML(res.Engine)))
		return
	}

	dir, err := d.runDir(ctx, project, key)
	if err != nil {
		d.reply(ctx, msg, fmt.Sprintf("❌ worktree: %s", telegram.EscapeHTML(err.Error())))
		return
	}

	engCfg := d.cfg.Engines[res.Engine]
	model := res.ModelOverride
	if model == "" {
		model = engCfg.Model
	}

	req := engine.Request{
		Prompt:            prompt,
		Dir:               dir,
		Model:             model,
		Resume:            d.resumeFor(key, res.Engine),
		AllowedTools:      engCfg.AllowedTools,
		BypassPermissions: engCfg.BypassPermissions,
		ExtraArgs:         engCfg.Args,
	}

	runID := d.newRunID()
	debug.LogKV("dispatch", "run starting",
		"id", runID, "engine", res.Engine, "source", res.Source, "dir", dir, "resume", req.Resume != nil)
	d.trackBegin(status.Session{ID: runID, Source: key.String(), Engine: res.Engine, Project: project})

	progress := d.client.SendMessage(ctx, msg.Chat.ID,
		fmt.Sprintf("⏳ <b>%s</b> is working…", telegram.EscapeHTML(res.Engine)),
		&telegram.SendOptions{TopicID: msg.TopicID, ParseMode: "HTML", Silent: true})

	final, runErr := d.streamRun(ctx, runID, eng, req, key, msg, progress)

	// Delivery must outlive ctx: a cancelled run still owes the chat a
	// closing message.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSendTimeout)
	defer cancel()

	if progress != nil {
		d.client.DeleteMessage(sendCtx, msg.Chat.ID, progress.MessageID)
	}

	switch {
	case runErr != nil:
		d.trackEnd(runID, false, runErr.Error())
		d.deliverFailure(sendCtx, msg, res.Engine, runErr.Error())
	case final == nil && ctx.Err() != nil:
		d.trackEnd(runID, false, "cancelled")
		d.reply(sendCtx, msg, "🛑 run cancelled")
	case final == nil:
		d.trackEnd(runID, false, "engine stream ended without a result")
		d.deliverFailure(sendCtx, msg, res.Engine, "engine stream ended without a result")
	case final.OK:
		d.trackEnd(runID, true, "")
		d.deliverAnswer(sendCtx, msg, final.Answer)
	default:
		d.trackEnd(runID, false, final.Error)
		d.deliverFailure(sendCtx, msg, res.Engine, final.Error)
	}
}

// runDir maps the conversation to a working directory: the project's
// worktree for the topic's bound branch, the project root, or none.
func (d *Dispatcher) runDir(ctx context.Context, project string, key convoKey) (string, error) {
	if project == "" || d.worktrees == nil {
		return "", nil
	}
	branch := ""
	if key.topic != 0 {
		branch = d.prefs.TopicBranch(key.chat, key.topic)
	}
	return d.worktrees.ResolveRunDir(ctx, project, branch)
}

// streamRun drains the engine's event stream, remembering the session
// token and mirroring progress into the chat and the tracker.
func (d *Dispatcher) streamRun(ctx context.Context, runID string, eng engine.Engine, req engine.Request, key convoKey, msg *telegram.Message, progress *telegram.Message) (*events.Completed, error) {
	stream, err := eng.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	var final *events.Completed
	var lastEdit time.Time
	for ev := range stream {
		switch ev := ev.(type) {
		case events.Started:
			d.rememberSession(key, ev.Resume)
		case events.Action:
			d.trackUpdate(runID, ev.Text)
			if progress != nil && time.Since(lastEdit) >= editThrottle {
				d.client.EditMessageText(ctx, msg.Chat.ID, progress.MessageID,
					fmt.Sprintf("⏳ <pre>%s</pre>", telegram.EscapeHTML(truncateRunes(ev.Text, 200))), "HTML")
				lastEdit = time.Now()
			}
		case events.Completed:
			final = &ev
			d.rememberSession(key, ev.Resume)
		}
	}
	return final, nil
}

// rememberSession stores the conversation's resume token for follow-ups.
func (d *Dispatcher) rememberSession(key convoKey, token *events.ResumeToken) {
	if token == nil || token.Value == "" {
		return
	}
	d.mu.Lock()
	d.sessions[key] = token
	d.mu.Unlock()
}

// resumeFor returns the conversation's stored token when it belongs to
// the engine about to run; a token from another engine is useless.
func (d *Dispatcher) resumeFor(key convoKey, engineName string) *events.ResumeToken {
	d.mu.Lock()
	defer d.mu.Unlock()
	token := d.sessions[key]
	if token == nil || token.Engine != engineName {
		return nil
	}
	return token
}

// deliverAnswer sends the engine's answer, chunked to fit Telegram's
// message limit. The first chunk replies to the prompt and rings; the
// rest follow silently.
func (d *Dispatcher) deliverAnswer(ctx context.Context, msg *telegram.Message, answer string) {
	answer = strings.TrimRight(answer, "\n ")
	if strings.TrimSpace(answer) == "" {
		d.reply(ctx, msg, "✅ done")
		return
	}
	for i, chunk := range telegram.SplitForHTMLPre(answer, telegram.MessageMaxChars) {
		opts := &telegram.SendOptions{TopicID: msg.TopicID, ParseMode: "HTML", Silent: i > 0}
		if i == 0 {
			opts.ReplyTo = msg.MessageID
		}
		if d.client.SendMessage(ctx, msg.Chat.ID, telegram.EscapeHTML(chunk), opts) == nil {
			debug.LogKV("dispatch", "answer chunk send failed", "chunk", i)
			return
		}
	}
}

func (d *Dispatcher) deliverFailure(ctx context.Context, msg *telegram.Message, engineName, errText string) {
	errText = strings.TrimSpace(errText)
	if errText == "" {
		errText = "unknown error"
	}
	d.reply(ctx, msg, fmt.Sprintf("❌ <b>%s failed</b>\n<pre>%s</pre>",
		telegram.EscapeHTML(engineName), telegram.EscapeHTML(truncateRunes(errText, 1000))))
}

func (d *Dispatcher) trackBegin(s status.Session) {
	if d.tracker != nil {
		d.tracker.Begin(s)
	}
}

func (d *Dispatcher) trackUpdate(id, text string) {
	if d.tracker != nil {
		d.tracker.Update(id, text)
	}
}

func (d *Dispatcher) trackEnd(id string, ok bool, text string) {
	if d.tracker != nil {
		d.tracker.End(id, ok, text)
	}
}
