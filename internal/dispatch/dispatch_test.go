package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agusx1211/courier/internal/config"
	"github.com/agusx1211/courier/internal/engine"
	"github.com/agusx1211/courier/internal/events"
	"github.com/agusx1211/courier/internal/router"
	"github.com/agusx1211/courier/internal/status"
	"github.com/agusx1211/courier/internal/telegram"
)

const testChatID int64 = 9001

// botRecorder fakes the Bot API over httptest and records every call.
type botRecorder struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	sends     []sentMessage
	edits     []editedMessage
	deleted   []int
	polls     []int64
	commands  []telegram.BotCommand
	updates   [][]telegram.Update
	nextMsgID int
}

type sentMessage struct {
	ID      int
	ChatID  int64
	Text    string
	ReplyTo int
	TopicID int
	Silent  bool
}

type editedMessage struct {
	MessageID int
	Text      string
}

func newBotRecorder(t *testing.T) *botRecorder {
	b := &botRecorder{t: t, nextMsgID: 100}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *botRecorder) client() *telegram.Client {
	c := telegram.NewClient("test-token")
	c.BaseURL = b.srv.URL
	c.HTTPClient = b.srv.Client()
	return c
}

func (b *botRecorder) handle(w http.ResponseWriter, r *http.Request) {
	var p struct {
		ChatID    int64                 `json:"chat_id"`
		MessageID int                   `json:"message_id"`
		Text      string                `json:"text"`
		ReplyTo   int                   `json:"reply_to_message_id"`
		TopicID   int                   `json:"message_thread_id"`
		Silent    bool                  `json:"disable_notification"`
		Offset    int64                 `json:"offset"`
		Commands  []telegram.BotCommand `json:"commands"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch method := path.Base(r.URL.Path); method {
	case "getMe":
		writeBotResult(w, telegram.User{ID: 42, IsBot: true, FirstName: "courier", Username: "courierbot"})
	case "setMyCommands":
		b.mu.Lock()
		b.commands = p.Commands
		b.mu.Unlock()
		writeBotResult(w, true)
	case "getUpdates":
		b.mu.Lock()
		b.polls = append(b.polls, p.Offset)
		if len(b.updates) == 0 {
			b.mu.Unlock()
			<-r.Context().Done()
			return
		}
		batch := b.updates[0]
		b.updates = b.updates[1:]
		b.mu.Unlock()
		writeBotResult(w, batch)
	case "sendMessage":
		b.mu.Lock()
		b.nextMsgID++
		id := b.nextMsgID
		b.sends = append(b.sends, sentMessage{
			ID:      id,
			ChatID:  p.ChatID,
			Text:    p.Text,
			ReplyTo: p.ReplyTo,
			TopicID: p.TopicID,
			Silent:  p.Silent,
		})
		b.mu.Unlock()
		writeBotResult(w, telegram.Message{MessageID: id, Chat: telegram.Chat{ID: p.ChatID}})
	case "editMessageText":
		b.mu.Lock()
		b.edits = append(b.edits, editedMessage{MessageID: p.MessageID, Text: p.Text})
		b.mu.Unlock()
		writeBotResult(w, telegram.Message{MessageID: p.MessageID, Chat: telegram.Chat{ID: p.ChatID}})
	case "deleteMessage":
		b.mu.Lock()
		b.deleted = append(b.deleted, p.MessageID)
		b.mu.Unlock()
		writeBotResult(w, true)
	default:
		b.t.Errorf("unexpected Bot API method %q", method)
		http.Error(w, "unknown method", http.StatusNotFound)
	}
}

func writeBotResult(w http.ResponseWriter, v any) {
	resp := struct {
		OK     bool `json:"ok"`
		Result any  `json:"result"`
	}{OK: true, Result: v}
	_ = json.NewEncoder(w).Encode(resp)
}

func (b *botRecorder) queueUpdates(batches ...[]telegram.Update) {
	b.mu.Lock()
	b.updates = append(b.updates, batches...)
	b.mu.Unlock()
}

func (b *botRecorder) snapshotSends() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.sends...)
}

func (b *botRecorder) sentTexts() []string {
	var out []string
	for _, s := range b.snapshotSends() {
		out = append(out, s.Text)
	}
	return out
}

func (b *botRecorder) hasSend(substr string) bool {
	for _, text := range b.sentTexts() {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

func (b *botRecorder) snapshotEdits() []editedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]editedMessage(nil), b.edits...)
}

func (b *botRecorder) snapshotDeleted() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.deleted...)
}

func (b *botRecorder) pollOffsets() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.polls...)
}

func (b *botRecorder) commandMenuSet() []telegram.BotCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]telegram.BotCommand(nil), b.commands...)
}

// fakeEngine replays a scripted event stream. hold, when set, pauses
// the run until the channel closes or the context dies; a context death
// during hold closes the stream without a terminal event.
type fakeEngine struct {
	name  string
	err   error
	pre   []events.Event
	hold  chan struct{}
	final events.Event

	mu   sync.Mutex
	reqs []engine.Request
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Run(ctx context.Context, req engine.Request) (<-chan events.Event, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan events.Event)
	go func() {
		defer close(ch)
		for _, ev := range f.pre {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if f.hold != nil {
			select {
			case <-f.hold:
			case <-ctx.Done():
				return
			}
		}
		if f.final != nil {
			select {
			case ch <- f.final:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (f *fakeEngine) requests() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Request(nil), f.reqs...)
}

func newTestDispatcher(t *testing.T, bot *botRecorder, engines ...*fakeEngine) *Dispatcher {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	reg := engine.NewRegistry()
	for _, e := range engines {
		if err := reg.Register(e); err != nil {
			t.Fatalf("Register(%s) error = %v", e.name, err)
		}
	}

	cfg := config.Default()
	cfg.Telegram.AllowedChatIDs = []int64{testChatID}
	cfg.Router.DefaultEngine = engines[0].name
	cfg.Router.AutoClassify = false

	d, err := New(Options{
		Client:  bot.client(),
		Config:  cfg,
		Engines: reg,
		Tracker: status.NewTracker(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	d.botName = "courierbot"
	return d
}

func chatMsg(id int, text string) *telegram.Message {
	return &telegram.Message{
		MessageID: id,
		Chat:      telegram.Chat{ID: testChatID, Type: "supergroup"},
		Text:      text,
	}
}

func topicMsg(id, topic int, text string) *telegram.Message {
	m := chatMsg(id, text)
	m.TopicID = topic
	m.IsTopic = true
	return m
}

func update(msg *telegram.Message) *telegram.Update {
	return &telegram.Update{UpdateID: int64(msg.MessageID), Message: msg}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		text string
		cmd  string
		rest string
		mine bool
	}{
		{"hello there", "", "hello there", true},
		{"/help", "help", "", true},
		{"/HELP", "help", "", true},
		{"/codex fix the tests", "codex", "fix the tests", true},
		{"/use  other ", "use", "other", true},
		{"/status@courierbot", "status", "", true},
		{"/status@COURIERBOT", "status", "", true},
		{"/status@otherbot", "", "", false},
		{"/codex@courierbot ship it", "codex", "ship it", true},
	}
	for _, tt := range tests {
		cmd, rest, mine := splitCommand(tt.text, "courierbot")
		if cmd != tt.cmd || rest != tt.rest || mine != tt.mine {
			t.Errorf("splitCommand(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.text, cmd, rest, mine, tt.cmd, tt.rest, tt.mine)
		}
	}
}

func TestSlugBranch(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Fix Login Flow", "fix-login-flow"},
		{"  spaced   out  ", "spaced-out"},
		{"feat/Add API v2", "feat/add-api-v2"},
		{"UPPER_case.ok", "upper_case.ok"},
		{"release-1.2.3", "release-1.2.3"},
		{"héllo wörld", "hllo-wrld"},
		{"!!!", ""},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := slugBranch(tt.name); got != tt.want {
			t.Errorf("slugBranch(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestHandleUpdateIgnoresChatsOutsideAllowlist(t *testing.T) {
	bot := newBotRecorder(t)
	eng := &fakeEngine{name: "fake", final: events.Completed{OK: true, Answer: "hi"}}
	d := newTestDispatcher(t, bot, eng)
	ctx := context.Background()

	msg := chatMsg(1, "do something")
	msg.Chat.ID = testChatID + 1
	d.handleUpdate(ctx, update(msg))
	d.wg.Wait()

	if n := len(bot.snapshotSends()); n != 0 {
		t.Fatalf("sends = %d, want 0", n)
	}
	if n := len(eng.requests()); n != 0 {
		t.Fatalf("engine runs = %d, want 0", n)
	}

	// an empty allowlist admits nobody
	d.cfg.Telegram.AllowedChatIDs = nil
	d.handleUpdate(ctx, update(chatMsg(2, "hello")))
	d.wg.Wait()
	if n := len(eng.requests()); n != 0 {
		t.Fatalf("engine runs with empty allowlist = %d, want 0", n)
	}
}

func TestUseSetsChatDefault(t *testing.T) {
	bot := newBotRecorder(t)
	d := newTestDispatcher(t, bot, &fakeEngine{name: "fake"}, &fakeEngine{name: "other"})
	ctx := context.Background()

	before := d.Defaults()
	d.handleUpdate(ctx, update(chatMsg(1, "/use other")))

	after := d.Defaults()
	if before == after {
		t.Fatal("routing snapshot was not replaced")
	}
	res := after.Resolve(ctx, router.Query{ChatID: testChatID}, nil)
	if res.Engine != "other" || res.Source != router.SourceChatDefault {
		t.Fatalf("Resolve = %s/%s, want other/chat_default", res.Engine, res.Source)
	}
	old := before.Resolve(ctx, router.Query{ChatID: testChatID}, nil)
	if old.Engine != "fake" || old.Source != router.SourceGlobalDefault {
		t.Fatalf("old snapshot Resolve = %s/%s, want fake/global_default", old.Engine, old.Source)
	}
	if !bot.hasSend("now defaults to <b>other</b>") {
		t.Fatalf("confirmation missing, sends = %q", bot.sentTexts())
	}

	// the choice is persisted: a fresh store seeds it back
	prefs, err := openPrefs()
	if err != nil {
		t.Fatalf("openPrefs() error = %v", err)
	}
	seeded := prefs.seed(router.NewDefaults("fake", false))
	if got := seeded.Resolve(ctx, router.Query{ChatID: testChatID}, nil); got.Engine != "other" {
		t.Fatalf("seeded engine = %q, want %q", got.Engine, "other")
	}

	d.handleUpdate(ctx, update(chatMsg(2, "/use auto")))
	res = d.Defaults().Resolve(ctx, router.Query{ChatID: testChatID}, nil)
	if res.Source != router.SourceGlobalDefault {
		t.Fatalf("source after /use auto = %s, want global_default", res.Source)
	}
	if !bot.hasSend("default cleared") {
		t.Fatalf("clear confirmation missing, sends = %q", bot.sentTexts())
	}
}

func TestUseInsideTopicScopesToTopic(t *testing.T) {
	bot := newBotRecorder(t)
	d := newTestDispatcher(t, bot, &fakeEngine{name: "fake"}, &fakeEngine{name: "other"})
	ctx := context.Background()

	d.handleUpdate(ctx, update(topicMsg(1, 31, "/use other")))

	snap := d.Defaults()
	inTopic := snap.Resolve(ctx, router.Query{ChatID: testChatID, TopicID: 31}, nil)
	if inTopic.Engine != "other" || inTopic.Source != router.SourceTopicDefault {
		t.Fatalf("topic Resolve = %s/%s, want other/topic_default", inTopic.Engine, inTopic.Source)
	}
	elsewhere := snap.Resolve(ctx, router.Query{ChatID: testChatID}, nil)
	if elsewhere.Source != router.SourceGlobalDefault {
		t.Fatalf("chat-level source = %s, want global_default", elsewhere.Source)
	}
	if !bot.hasSend("this topic now defaults to") {
		t.Fatalf("confirmation missing, sends = %q", bot.sentTexts())
	}
}

func TestUseRejectsUnknownEngine(t *testing.T) {
	bot := newBotRecorder(t)
	d := newTestDispatcher(t, bot, &fakeEngine{name: "fake"})
	ctx := context.Background()

	before := d.Defaults()
	d.handleUpdate(ctx, update(chatMsg(1, "/use nope")))
	if d.Defaults() != before {
		t.Fatal("snapshot changed on unknown engine")
	}
	if !bot.hasSend("unknown engine") {
		t.Fatalf("rejection missing, sends = %q", bot.sentTexts())
	}

	// bare /use reports the current resolution
	d.handleUpdate(ctx, update(chatMsg(2, "/use")))
	if !bot.hasSend("routing here: <b>fake</b>") {
		t.Fatalf("routing report missing, sends = %q", bot.sentTexts())
	}
}

func TestPlainPromptRunsDefaultEngine(t *testing.T) {
	bot := newBotRecorder(t)
	token := &events.ResumeToken{Engine: "fake", Value: "sess-1"}
	eng := &fakeEngine{
		name: "fake",
		pre: []events.Event{
			events.Started{Resume: token},
			events.Action{Text: "running tests"},
		},
		final: events.Completed{OK: true, Answer: "all green", Resume: token},
	}
	d := newTestDispatcher(t, bot, eng)
	ctx := context.Background()

	d.handleUpdate(ctx, update(chatMsg(7, "run the tests")))
	d.wg.Wait()

	reqs := eng.requests()
	if len(reqs) != 1 {
		t.Fatalf("engine runs = %d, want 1", len(reqs))
	}
	if reqs[0].Prompt != "run the tests" {
		t.Fatalf("prompt = %q, want %q", reqs[0].Prompt, "run the tests")
	}
	if reqs[0].Resume != nil {
		t.Fatalf("first run resume = %+v, want nil", reqs[0].Resume)
	}

	sends := bot.snapshotSends()
	if len(sends) != 2 {
		t.Fatalf("sends = %d (%q), want 2", len(sends), bot.sentTexts())
	}
	progress, answer := sends[0], sends[1]
	if !strings.Contains(progress.Text, "is working") || !progress.Silent {
		t.Fatalf("progress = %+v, want silent working notice", progress)
	}
	if answer.Text != "all green" || answer.ReplyTo != 7 || answer.Silent {
		t.Fatalf("answer = %+v, want loud reply to 7", answer)
	}

	if deleted := bot.snapshotDeleted(); len(deleted) != 1 || deleted[0] != progress.ID {
		t.Fatalf("deleted = %v, want [%d]", deleted, progress.ID)
	}
	edits := bot.snapshotEdits()
	if len(edits) != 1 || !strings.Contains(edits[0].Text, "running tests") {
		t.Fatalf("edits = %+v, want one progress edit", edits)
	}

	d.mu.Lock()
	stored := d.sessions[convoKey{testChatID, 0}]
	d.mu.Unlock()
	if stored == nil || stored.Value != "sess-1" {
		t.Fatalf("stored session = %+v, want sess-1", stored)
	}

	recent := d.tracker.Snapshot().Recent
	last := recent[len(recent)-1]
	if last.Phase != status.PhaseCompleted || last.OK == nil || !*last.OK {
		t.Fatalf("last tracker event = %+v, want successful completion", last)
	}
}

func TestLongAnswerIsChunked(t *testing.T) {
	bot := newBotRecorder(t)
	eng := &fakeEngine{
		name:  "fake",
		final: events.Completed{OK: true, Answer: strings.Repeat("x", 5000)},
	}
	d := newTestDispatcher(t, bot, eng)

	d.handleUpdate(context.Background(), update(chatMsg(3, "write a lot")))
	d.wg.Wait()

	sends := bot.snapshotSends()
	if len(sends) != 3 {
		t.Fatalf("sends = %d, want progress + 2 chunks", len(sends))
	}
	first, second := sends[1], sends[2]
	if len(first.Text) != telegram.MessageMaxChars {
		t.Fatalf("first chunk len = %d, want %d", len(first.Text), telegram.MessageMaxChars)
	}
	if first.ReplyTo != 3 || first.Silent {
		t.Fatalf("first chunk = %+v, want loud reply", first)
	}
	if second.ReplyTo != 0 || !second.Silent {
		t.Fatalf("second chunk = %+v, want silent follow-up", second)
	}
	if got := len(first.Text) + len(second.Text); got != 5000 {
		t.Fatalf("total delivered = %d, want 5000", got)
	}
}

func TestEmptyAnswerFallsBackToDone(t *testing.T) {
	bot := newBotRecorder(t)
	eng := &fakeEngine{name: "fake", final: events.Completed{OK: true, Answer: "  \n "}}
	d := newTestDispatcher(t, bot, eng)

	d.handleUpdate(context.Background(), update(chatMsg(1, "quiet job")))
	d.wg.Wait()

	if !bot.hasSend("✅ done") {
		t.Fatalf("done notice missing, sends = %q", bot.sentTexts())
	}
}

func TestEngineDirectiveOverridesDefault(t *testing.T) {
	bot := newBotRecorder(t)
	fake := &fakeEngine{name: "fake", final: events.Completed{OK: true, Answer: "from fake"}}
	other := &fakeEngine{name: "other", final: events.Completed{OK: true, Answer: "from other"}}
	d := newTestDispatcher(t, bot, fake, other)
	ctx := context.Background()

	d.handleUpdate(ctx, update(chatMsg(1, "/other do the thing")))
	d.wg.Wait()

	if n := len(fake.requests()); n != 0 {
		t.Fatalf("default engine runs = %d, want 0", n)
	}
	reqs := other.requests()
	if len(reqs) != 1 || reqs[0].Prompt != "do the thing" {
		t.Fatalf("directive runs = %+v, want one with the prompt", reqs)
	}

	// a bare directive explains itself instead of running
	d.handleUpdate(ctx, update(chatMsg(2, "/other")))
	d.wg.Wait()
	if !bot.hasSend("usage: /other") {
		t.Fatalf("usage hint missing, sends = %q", bot.sentTexts())
	}
	if n := len(other.requests()); n != 1 {
		t.Fatalf("directive runs after bare command = %d, want 1", n)
	}

	// a command addressed to another bot is ignored entirely
	sendsBefore := len(bot.snapshotSends())
	d.handleUpdate(ctx, update(chatMsg(3, "/other@someoneelse ship it")))
	d.wg.Wait()
	if n := len(bot.snapshotSends()); n != sendsBefore {
		t.Fatalf("sends = %d, want %d (foreign mention ignored)", n, sendsBefore)
	}
}

func TestRunFailureDeliversErrorBlock(t *testing.T) {
	bot := newBotRecorder(t)
	eng := &fakeEngine{
		name:  "fake",
		final: events.Completed{OK: false, Error: "exit status 2: <tests failed>"},
	}
	d := newTestDispatcher(t, bot, eng)

	d.handleUpdate(context.Background(), update(chatMsg(1, "break stuff")))
	d.wg.Wait()

	if !bot.hasSend("❌ <b>fake failed</b>") {
		t.Fatalf("failure header missing, sends = %q", bot.sentTexts())
	}
	if !bot.hasSend("&lt;tests failed&gt;") {
		t.Fatalf("error not escaped, sends = %q", bot.sentTexts())
	}

	recent := d.tracker.Snapshot().Recent
	last := recent[len(recent)-1]
	if last.OK == nil || *last.OK {
		t.Fatalf("tracker completion = %+v, want failure", last)
	}
}

func TestSpawnErrorDeliversFailure(t *testing.T) {
	bot := newBotRecorder(t)
	eng := &fakeEngine{name: "fake", err: errors.New("spawn: executable not found")}
	d := newTestDispatcher(t, bot, eng)

	d.handleUpdate(context.Background(), update(chatMsg(1, "go")))
	d.wg.Wait()

	if !bot.hasSend("❌ <b>fake failed</b>") || !bot.hasSend("executable not found") {
		t.Fatalf("spawn failure not delivered, sends = %q", bot.sentTexts())
	}
}

func TestBusyConversationIsRejected(t *testing.T) {
	bot := newBotRecorder(t)
	hold := make(chan struct{})
	eng := &fakeEngine{name: "fake", hold: hold, final: events.Completed{OK: true, Answer: "done now"}}
	d := newTestDispatcher(t, bot, eng)
	ctx := context.Background()

	d.handleUpdate(ctx, update(chatMsg(1, "first job")))
	d.handleUpdate(ctx, update(chatMsg(2, "second job")))

	if !bot.hasSend("still working on the previous request") {
		t.Fatalf("busy notice missing, sends = %q", bot.sentTexts())
	}

	close(hold)
	d.wg.Wait()
	if !bot.hasSend("done now") {
		t.Fatalf("first job result missing, sends = %q", bot.sentTexts())
	}
	if n := len(eng.requests()); n != 1 {
		t.Fatalf("engine runs = %d, want 1", n)
	}

	// same topic busy, sibling topic free
	hold2 := make(chan struct{})
	eng.mu.Lock()
	eng.hold = hold2
	eng.mu.Unlock()
	d.handleUpdate(ctx, update(topicMsg(3, 5, "topic job")))
	d.handleUpdate(ctx, update(topicMsg(4, 6, "other topic job")))
	close(hold2)
	d.wg.Wait()
	if n := len(eng.requests()); n != 3 {
		t.Fatalf("engine runs = %d, want 3 (distinct topics run concurrently)", n)
	}
}

func TestCancelStopsRun(t *testing.T) {
	bot := newBotRecorder(t)
	eng := &fakeEngine{
		name:  "fake",
		hold:  make(chan struct{}),
		final: events.Completed{OK: true, Answer: "never delivered"},
	}
	d := newTestDispatcher(t, bot, eng)
	ctx := context.Background()

	d.handleUpdate(ctx, update(chatMsg(1, "long job")))
	waitFor(t, "progress message", func() bool { return bot.hasSend("is working") })

	d.handleUpdate(ctx, update(chatMsg(2, "/cancel")))
	d.wg.Wait()

	if !bot.hasSend("🛑 stopping the current run") {
		t.Fatalf("cancel ack missing, sends = %q", bot.sentTexts())
	}
	if !bot.hasSend("🛑 run cancelled") {
		t.Fatalf("cancellation result missing, sends = %q", bot.sentTexts())
	}
	if bot.hasSend("never delivered") {
		t.Fatal("cancelled run still delivered an answer")
	}

	d.handleUpdate(ctx, update(chatMsg(3, "/cancel")))
	if !bot.hasSend("nothing is running here") {
		t.Fatalf("idle cancel reply missing, sends = %q", bot.sentTexts())
	}
}

func TestResumeTokenThreading(t *testing.T) {
	bot := newBotRecorder(t)
	token := &events.ResumeToken{Engine: "fake", Value: "sess-9"}
	fake := &fakeEngine{name: "fake", final: events.Completed{OK: true, Answer: "one", Resume: token}}
	other := &fakeEngine{name: "other", final: events.Completed{OK: true, Answer: "two"}}
	d := newTestDispatcher(t, bot, fake, other)
	ctx := context.Background()

	d.handleUpdate(ctx, update(chatMsg(1, "start")))
	d.wg.Wait()
	d.handleUpdate(ctx, update(chatMsg(2, "continue")))
	d.wg.Wait()

	reqs := fake.requests()
	if len(reqs) != 2 {
		t.Fatalf("engine runs = %d, want 2", len(reqs))
	}
	if reqs[0].Resume != nil {
		t.Fatalf("first run resume = %+v, want nil", reqs[0].Resume)
	}
	if reqs[1].Resume == nil || reqs[1].Resume.Value != "sess-9" {
		t.Fatalf("second run resume = %+v, want sess-9", reqs[1].Resume)
	}

	// a different engine never receives a foreign token
	d.handleUpdate(ctx, update(chatMsg(3, "/other try this")))
	d.wg.Wait()
	otherReqs := other.requests()
	if len(otherReqs) != 1 || otherReqs[0].Resume != nil {
		t.Fatalf("other engine resume = %+v, want nil", otherReqs)
	}

	// topics are separate conversations
	d.handleUpdate(ctx, update(topicMsg(4, 31, "topic work")))
	d.wg.Wait()
	reqs = fake.requests()
	if got := reqs[len(reqs)-1].Resume; got != nil {
		t.Fatalf("topic run resume = %+v, want nil", got)
	}
}

func TestTopicCreatedBindsBranch(t *testing.T) {
	bot := newBotRecorder(t)
	d := newTestDispatcher(t, bot, &fakeEngine{name: "fake"})
	ctx := context.Background()

	msg := topicMsg(5, 31, "")
	msg.TopicCreated = &telegram.ForumTopicCreated{Name: "Fix Login Flow"}
	d.handleUpdate(ctx, update(msg))

	if got := d.prefs.TopicBranch(testChatID, 31); got != "fix-login-flow" {
		t.Fatalf("TopicBranch = %q, want %q", got, "fix-login-flow")
	}
	if !bot.hasSend("fix-login-flow") {
		t.Fatalf("binding announcement missing, sends = %q", bot.sentTexts())
	}

	// persisted across a reload
	prefs, err := openPrefs()
	if err != nil {
		t.Fatalf("openPrefs() error = %v", err)
	}
	if got := prefs.TopicBranch(testChatID, 31); got != "fix-login-flow" {
		t.Fatalf("reloaded TopicBranch = %q, want %q", got, "fix-login-flow")
	}

	// a name with no usable characters binds nothing
	sendsBefore := len(bot.snapshotSends())
	bad := topicMsg(6, 32, "")
	bad.TopicCreated = &telegram.ForumTopicCreated{Name: "!!!"}
	d.handleUpdate(ctx, update(bad))
	if got := d.prefs.TopicBranch(testChatID, 32); got != "" {
		t.Fatalf("TopicBranch for unusable name = %q, want empty", got)
	}
	if n := len(bot.snapshotSends()); n != sendsBefore {
		t.Fatalf("sends = %d, want %d", n, sendsBefore)
	}
}

func TestEngineConfigShapesRequest(t *testing.T) {
	bot := newBotRecorder(t)
	eng := &fakeEngine{name: "fake", final: events.Completed{OK: true, Answer: "ok"}}
	d := newTestDispatcher(t, bot, eng)
	d.cfg.Engines = map[string]config.EngineConfig{
		"fake": {
			Model:             "fake-large",
			AllowedTools:      []string{"Bash", "Edit"},
			BypassPermissions: true,
			Args:              []string{"--add-dir", "/srv/shared"},
		},
	}

	d.handleUpdate(context.Background(), update(chatMsg(1, "go")))
	d.wg.Wait()

	req := eng.requests()[0]
	if req.Model != "fake-large" {
		t.Fatalf("model = %q, want %q", req.Model, "fake-large")
	}
	if len(req.AllowedTools) != 2 || req.AllowedTools[0] != "Bash" {
		t.Fatalf("allowed tools = %v, want [Bash Edit]", req.AllowedTools)
	}
	if !req.BypassPermissions {
		t.Fatal("bypass permissions not threaded through")
	}
	if len(req.ExtraArgs) != 2 || req.ExtraArgs[0] != "--add-dir" {
		t.Fatalf("extra args = %v, want the configured engine args", req.ExtraArgs)
	}
}

func TestStatusCommand(t *testing.T) {
	bot := newBotRecorder(t)
	hold := make(chan struct{})
	eng := &fakeEngine{name: "fake", hold: hold, final: events.Completed{OK: true, Answer: "ok"}}
	d := newTestDispatcher(t, bot, eng)
	ctx := context.Background()

	d.handleUpdate(ctx, update(chatMsg(1, "/status")))
	if !bot.hasSend("idle — nothing running") {
		t.Fatalf("idle status missing, sends = %q", bot.sentTexts())
	}

	d.handleUpdate(ctx, update(chatMsg(2, "work on it")))
	waitFor(t, "progress message", func() bool { return bot.hasSend("is working") })

	d.handleUpdate(ctx, update(chatMsg(3, "/status")))
	if !bot.hasSend("<b>1 running</b>") {
		t.Fatalf("active status missing, sends = %q", bot.sentTexts())
	}
	if !bot.hasSend("chat:9001/0 via fake") {
		t.Fatalf("session line missing, sends = %q", bot.sentTexts())
	}

	close(hold)
	d.wg.Wait()
}

func TestHelpAndVersion(t *testing.T) {
	bot := newBotRecorder(t)
	d := newTestDispatcher(t, bot, &fakeEngine{name: "fake"})
	ctx := context.Background()

	d.handleUpdate(ctx, update(chatMsg(1, "/help")))
	if !bot.hasSend("/fake") || !bot.hasSend("/use") {
		t.Fatalf("help text incomplete, sends = %q", bot.sentTexts())
	}

	d.handleUpdate(ctx, update(chatMsg(2, "/version")))
	found := false
	for _, text := range bot.sentTexts() {
		if strings.HasPrefix(text, "courier ") {
			found = true
		}
	}
	if !found {
		t.Fatalf("version reply missing, sends = %q", bot.sentTexts())
	}

	d.handleUpdate(ctx, update(chatMsg(3, "/bogus")))
	if !bot.hasSend("unknown command /bogus") {
		t.Fatalf("unknown command reply missing, sends = %q", bot.sentTexts())
	}
}

func TestRunPollLoop(t *testing.T) {
	bot := newBotRecorder(t)
	d := newTestDispatcher(t, bot, &fakeEngine{name: "fake"})
	bot.queueUpdates([]telegram.Update{
		{UpdateID: 7, Message: chatMsg(1, "/help")},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, "help reply", func() bool { return bot.hasSend("courier") })
	waitFor(t, "second poll", func() bool { return len(bot.pollOffsets()) >= 2 })

	polls := bot.pollOffsets()
	if polls[0] != 0 || polls[1] != 8 {
		t.Fatalf("poll offsets = %v, want [0 8 ...]", polls)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	menu := bot.commandMenuSet()
	if len(menu) == 0 {
		t.Fatal("setMyCommands was never called")
	}
	want := map[string]bool{"use": false, "status": false, "cancel": false, "help": false, "version": false, "fake": false}
	for _, c := range menu {
		if _, ok := want[c.Command]; ok {
			want[c.Command] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("command menu missing /%s: %+v", name, menu)
		}
	}
}
