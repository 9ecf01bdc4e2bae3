// Package dispatch runs the Telegram bot loop: it long-polls for
// messages from allowed chats, routes each prompt to an engine, executes
// the run in the right project directory, and streams progress and the
// final answer back into the conversation.
//
// Routing defaults live in an immutable snapshot that commands swap
// atomically, so a /use issued mid-poll never tears a resolution in
// progress. One run is active per (chat, topic) conversation; additional
// prompts are turned away until it finishes or is cancelled.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agusx1211/courier/internal/buildinfo"
	"github.com/agusx1211/courier/internal/config"
	"github.com/agusx1211/courier/internal/debug"
	"github.com/agusx1211/courier/internal/engine"
	"github.com/agusx1211/courier/internal/events"
	"github.com/agusx1211/courier/internal/router"
	"github.com/agusx1211/courier/internal/status"
	"github.com/agusx1211/courier/internal/telegram"
	"github.com/agusx1211/courier/internal/worktree"
)

const (
	// pollTimeout is the getUpdates long-poll hold time.
	pollTimeout = 30 * time.Second
	// pollBackoff spaces retries after a failed poll.
	pollBackoff = 2 * time.Second
	// editThrottle bounds how often the progress message is edited.
	editThrottle = 3 * time.Second
)

// convoKey identifies one conversation: a chat, or a topic within it.
type convoKey struct {
	chat  int64
	topic int
}

func (k convoKey) String() string {
	return fmt.Sprintf("chat:%d/%d", k.chat, k.topic)
}

// Dispatcher is the bot loop and its conversation state.
type Dispatcher struct {
	client     *telegram.Client
	cfg        *config.Config
	engines    *engine.Registry
	classifier *router.Classifier
	worktrees  *worktree.Manager
	tracker    *status.Tracker

	defaults atomic.Pointer[router.Defaults]
	prefs    *prefsStore
	botName  string

	// newRunID is injectable for tests.
	newRunID func() string

	mu       sync.Mutex
	running  map[convoKey]context.CancelFunc
	sessions map[convoKey]*events.ResumeToken
	wg       sync.WaitGroup
}

// Options wires a Dispatcher. Client, Config, and Engines are required.
type Options struct {
	Client     *telegram.Client
	Config     *config.Config
	Engines    *engine.Registry
	Classifier *router.Classifier
	Worktrees  *worktree.Manager
	Tracker    *status.Tracker
}

// New builds a dispatcher, loading persisted routing preferences and
// composing the initial routing snapshot from config and those prefs.
func New(opts Options) (*Dispatcher, error) {
	if opts.Client == nil || opts.Config == nil || opts.Engines == nil {
		return nil, fmt.Errorf("dispatch: client, config and engines are required")
	}
	prefs, err := openPrefs()
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		client:     opts.Client,
		cfg:        opts.Config,
		engines:    opts.Engines,
		classifier: opts.Classifier,
		worktrees:  opts.Worktrees,
		tracker:    opts.Tracker,
		prefs:      prefs,
		newRunID:   newRunID,
		running:    make(map[convoKey]context.CancelFunc),
		sessions:   make(map[convoKey]*events.ResumeToken),
	}

	defaults := router.NewDefaults(opts.Config.Router.DefaultEngine, opts.Config.Router.AutoClassify)
	projects := make([]string, 0, len(opts.Config.Projects))
	for name := range opts.Config.Projects {
		projects = append(projects, name)
	}
	sort.Strings(projects)
	for _, name := range projects {
		if eng := opts.Config.Projects[name].Engine; eng != "" {
			defaults = defaults.WithProject(name, eng)
		}
	}
	d.defaults.Store(prefs.seed(defaults))
	return d, nil
}

// Run polls Telegram until ctx is cancelled, then waits for in-flight
// runs to wind down.
func (d *Dispatcher) Run(ctx context.Context) error {
	if me := d.client.GetMe(ctx); me != nil {
		d.botName = me.Username
		debug.LogKV("dispatch", "bot identified", "username", me.Username)
	}
	d.client.SetMyCommands(ctx, d.commandMenu())

	var offset int64
	for {
		if ctx.Err() != nil {
			break
		}
		updates := d.client.GetUpdates(ctx, offset, pollTimeout, []string{"message"})
		if updates == nil {
			if !sleepCtx(ctx, pollBackoff) {
				break
			}
			continue
		}
		for i := range updates {
			u := &updates[i]
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			d.handleUpdate(ctx, u)
		}
	}
	d.wg.Wait()
	return ctx.Err()
}

// commandMenu lists the bot's commands: the fixed words plus one entry
// per registered engine.
func (d *Dispatcher) commandMenu() []telegram.BotCommand {
	cmds := []telegram.BotCommand{
		{Command: "use", Description: "Set this topic/chat's default engine"},
		{Command: "status", Description: "Show running sessions"},
		{Command: "cancel", Description: "Stop the current run"},
		{Command: "help", Description: "How to talk to courier"},
		{Command: "version", Description: "Build info"},
	}
	for _, name := range d.engines.Names() {
		cmds = append(cmds, telegram.BotCommand{
			Command:     name,
			Description: "Route this message to " + name,
		})
	}
	return cmds
}

func (d *Dispatcher) handleUpdate(ctx context.Context, u *telegram.Update) {
	msg := u.Message
	if msg == nil {
		return
	}
	if !d.cfg.Telegram.Allowed(msg.Chat.ID) {
		debug.LogKV("dispatch", "ignoring chat outside allowlist", "chat", msg.Chat.ID)
		return
	}
	if msg.TopicCreated != nil {
		d.bindTopicBranch(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	cmd, rest, mine := splitCommand(text, d.botName)
	if !mine {
		return
	}

	switch cmd {
	case "":
		d.startRun(ctx, msg, "", text)
	case "help", "start":
		d.reply(ctx, msg, d.helpText())
	case "version":
		info := buildinfo.Current()
		d.reply(ctx, msg, fmt.Sprintf("courier %s (%s)", info.Version, info.Commit))
	case "status":
		d.reply(ctx, msg, d.statusText())
	case "cancel":
		d.cancelRun(ctx, msg)
	case "use":
		d.setDefault(ctx, msg, rest)
	default:
		if _, ok := d.engines.Get(cmd); ok {
			if rest == "" {
				d.reply(ctx, msg, fmt.Sprintf("usage: /%s <prompt>", cmd))
				return
			}
			d.startRun(ctx, msg, cmd, rest)
			return
		}
		d.reply(ctx, msg, fmt.Sprintf("unknown command /%s — try /help", telegram.EscapeHTML(cmd)))
	}
}

// splitCommand separates a leading /command from the rest of the text.
// mine is false when the command is addressed to a different bot
// (/cmd@otherbot in a group).
func splitCommand(text, botName string) (cmd, rest string, mine bool) {
	if !strings.HasPrefix(text, "/") {
		return "", text, true
	}
	head := text[1:]
	if i := strings.IndexAny(head, " \t\n"); i >= 0 {
		head, rest = head[:i], strings.TrimSpace(head[i:])
	}
	if at := strings.IndexByte(head, '@'); at >= 0 {
		mention := head[at+1:]
		head = head[:at]
		if botName != "" && !strings.EqualFold(mention, botName) {
			return "", "", false
		}
	}
	return strings.ToLower(head), rest, true
}

// bindTopicBranch maps a freshly created forum topic to a branch derived
// from its name, so prompts in the topic run in that branch's worktree.
func (d *Dispatcher) bindTopicBranch(ctx context.Context, msg *telegram.Message) {
	if msg.TopicID == 0 {
		return
	}
	branch := slugBranch(msg.TopicCreated.Name)
	if branch == "" {
		return
	}
	if err := d.prefs.SetTopicBranch(msg.Chat.ID, msg.TopicID, branch); err != nil {
		debug.LogKV("dispatch", "persist topic branch failed", "err", err)
		return
	}
	debug.LogKV("dispatch", "topic bound to branch",
		"chat", msg.Chat.ID, "topic", msg.TopicID, "branch", branch)
	d.send(ctx, msg, fmt.Sprintf("📁 this topic works on branch <b>%s</b>", telegram.EscapeHTML(branch)), true)
}

// slugBranch derives a git branch name from a topic title: lowercase,
// spaces to dashes, anything else unsafe dropped.
func slugBranch(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '/', r == '_', r == '.':
			b.WriteRune(r)
			lastDash = false
		case r == ' ' || r == '-' || r == '\t':
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-./")
}

// setDefault handles /use: it updates the topic (inside a forum topic)
// or chat default engine, persists it, and swaps the routing snapshot.
func (d *Dispatcher) setDefault(ctx context.Context, msg *telegram.Message, arg string) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	key := convoKey{msg.Chat.ID, msg.TopicID}
	inTopic := msg.TopicID != 0

	scope := "chat"
	if inTopic {
		scope = "topic"
	}

	if arg == "" {
		snap := d.defaults.Load()
		res := snap.Resolve(ctx, router.Query{ChatID: key.chat, TopicID: key.topic, Project: d.cfg.ProjectForChat(key.chat)}, nil)
		d.reply(ctx, msg, fmt.Sprintf(
			"routing here: <b>%s</b> (%s)\nusage: /use &lt;engine&gt; or /use auto",
			telegram.EscapeHTML(res.Engine), res.Source))
		return
	}

	engineName := arg
	if arg == "auto" || arg == "default" {
		engineName = ""
	} else if _, ok := d.engines.Get(arg); !ok {
		d.reply(ctx, msg, fmt.Sprintf("unknown engine %q — available: %s",
			telegram.EscapeHTML(arg), strings.Join(d.engines.Names(), ", ")))
		return
	}

	var err error
	if inTopic {
		err = d.prefs.SetTopicEngine(key.chat, key.topic, engineName)
	} else {
		err = d.prefs.SetChatEngine(key.chat, engineName)
	}
	if err != nil {
		debug.LogKV("dispatch", "persist default failed", "err", err)
		d.reply(ctx, msg, "could not save that preference")
		return
	}

	d.swapDefaults(func(snap *router.Defaults) *router.Defaults {
		if inTopic {
			return snap.WithTopic(key.chat, key.topic, engineName)
		}
		return snap.WithChat(key.chat, engineName)
	})

	if engineName == "" {
		d.reply(ctx, msg, fmt.Sprintf("✅ %s default cleared — using automatic routing", scope))
		return
	}
	d.reply(ctx, msg, fmt.Sprintf("✅ this %s now defaults to <b>%s</b>", scope, telegram.EscapeHTML(engineName)))
}

// swapDefaults atomically replaces the routing snapshot.
func (d *Dispatcher) swapDefaults(mutate func(*router.Defaults) *router.Defaults) {
	for {
		old := d.defaults.Load()
		if d.defaults.CompareAndSwap(old, mutate(old)) {
			return
		}
	}
}

// Defaults exposes the current routing snapshot.
func (d *Dispatcher) Defaults() *router.Defaults {
	return d.defaults.Load()
}

func (d *Dispatcher) helpText() string {
	var b strings.Builder
	b.WriteString("<b>courier</b> — chat-driven coding agent dispatch\n\n")
	b.WriteString("Send any message and it runs through the routed engine.\n")
	for _, name := range d.engines.Names() {
		fmt.Fprintf(&b, "/%s &lt;prompt&gt; — route one message to %s\n", name, name)
	}
	b.WriteString("/use &lt;engine&gt; — set this topic/chat's default\n")
	b.WriteString("/use auto — back to automatic routing\n")
	b.WriteString("/status — running sessions\n")
	b.WriteString("/cancel — stop the current run\n")
	b.WriteString("/version — build info")
	return b.String()
}

func (d *Dispatcher) statusText() string {
	if d.tracker == nil {
		return "status tracking is disabled"
	}
	active := d.tracker.Snapshot().Active
	if len(active) == 0 {
		return "idle — nothing running"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%d running</b>\n", len(active))
	for _, s := range active {
		fmt.Fprintf(&b, "• %s via %s, %s", telegram.EscapeHTML(s.Source), telegram.EscapeHTML(s.Engine),
			time.Since(s.StartedAt).Round(time.Second))
		if s.LastAction != "" {
			fmt.Fprintf(&b, " — %s", telegram.EscapeHTML(truncateRunes(s.LastAction, 80)))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// cancelRun stops the conversation's active run, if any.
func (d *Dispatcher) cancelRun(ctx context.Context, msg *telegram.Message) {
	key := convoKey{msg.Chat.ID, msg.TopicID}
	d.mu.Lock()
	cancel, ok := d.running[key]
	d.mu.Unlock()
	if !ok {
		d.reply(ctx, msg, "nothing is running here")
		return
	}
	cancel()
	d.reply(ctx, msg, "🛑 stopping the current run")
}

// startRun claims the conversation and executes the prompt in the
// background so the poll loop keeps servicing other chats.
func (d *Dispatcher) startRun(ctx context.Context, msg *telegram.Message, directive, prompt string) {
	key := convoKey{msg.Chat.ID, msg.TopicID}

	d.mu.Lock()
	if _, busy := d.running[key]; busy {
		d.mu.Unlock()
		d.reply(ctx, msg, "⏳ still working on the previous request — /cancel to stop it")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.running[key] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			cancel()
			d.mu.Lock()
			delete(d.running, key)
			d.mu.Unlock()
		}()
		d.executeRun(runCtx, msg, directive, prompt)
	}()
}

// reply sends an HTML message into the conversation, quoting msg.
func (d *Dispatcher) reply(ctx context.Context, msg *telegram.Message, text string) {
	d.client.SendMessage(ctx, msg.Chat.ID, text, &telegram.SendOptions{
		ReplyTo:   msg.MessageID,
		TopicID:   msg.TopicID,
		ParseMode: "HTML",
	})
}

// send posts an HTML message into the conversation without quoting.
func (d *Dispatcher) send(ctx context.Context, msg *telegram.Message, text string, silent bool) {
	d.client.SendMessage(ctx, msg.Chat.ID, text, &telegram.SendOptions{
		TopicID:   msg.TopicID,
		ParseMode: "HTML",
		Silent:    silent,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
