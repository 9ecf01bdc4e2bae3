// Package status tracks courier's running and recently finished engine
// sessions so the web server and watch TUI can show live activity.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/agusx1211/courier/internal/eventq"
)

// maxRecent bounds the in-memory event history.
const maxRecent = 100

// Phase is the lifecycle stage an Event reports.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseAction    Phase = "action"
	PhaseCompleted Phase = "completed"
)

// Event is one observable moment in a tracked session.
type Event struct {
	Time   time.Time `json:"time"`
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Engine string    `json:"engine,omitempty"`
	Phase  Phase     `json:"phase"`
	Text   string    `json:"text,omitempty"`
	OK     *bool     `json:"ok,omitempty"`
}

// Session describes one in-flight engine run.
type Session struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Engine     string    `json:"engine"`
	Project    string    `json:"project,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	LastAction string    `json:"last_action,omitempty"`
}

// Summary is a point-in-time view for the status API.
type Summary struct {
	Active []Session `json:"active"`
	Recent []Event   `json:"recent"`
}

// Tracker is a concurrency-safe session ledger with live subscribers.
// Slow subscribers lose events rather than stall the dispatcher.
type Tracker struct {
	mu     sync.RWMutex
	active map[string]*Session
	recent []Event
	subs   map[chan Event]struct{}
	now    func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active: make(map[string]*Session),
		subs:   make(map[chan Event]struct{}),
		now:    time.Now,
	}
}

// Begin registers a new session.
func (t *Tracker) Begin(s Session) {
	if s.StartedAt.IsZero() {
		s.StartedAt = t.now()
	}
	sess := s
	t.mu.Lock()
	t.active[s.ID] = &sess
	t.mu.Unlock()

	t.publish(Event{Time: s.StartedAt, ID: s.ID, Source: s.Source, Engine: s.Engine, Phase: PhaseStarted})
}

// Update records session progress.
func (t *Tracker) Update(id, action string) {
	t.mu.Lock()
	s, ok := t.active[id]
	var source, engine string
	if ok {
		s.LastAction = action
		source, engine = s.Source, s.Engine
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.publish(Event{Time: t.now(), ID: id, Source: source, Engine: engine, Phase: PhaseAction, Text: action})
}

// End closes a session with its outcome.
func (t *Tracker) End(id string, ok bool, text string) {
	t.mu.Lock()
	s, found := t.active[id]
	var source, engine string
	if found {
		source, engine = s.Source, s.Engine
		delete(t.active, id)
	}
	t.mu.Unlock()
	if !found {
		return
	}
	t.publish(Event{Time: t.now(), ID: id, Source: source, Engine: engine, Phase: PhaseCompleted, Text: text, OK: &ok})
}

// Snapshot returns the current sessions and recent events, newest last.
func (t *Tracker) Snapshot() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sum := Summary{
		Active: make([]Session, 0, len(t.active)),
		Recent: make([]Event, len(t.recent)),
	}
	for _, s := range t.active {
		sum.Active = append(sum.Active, *s)
	}
	sort.Slice(sum.Active, func(i, j int) bool {
		return sum.Active[i].StartedAt.Before(sum.Active[j].StartedAt)
	})
	copy(sum.Recent, t.recent)
	return sum
}

// Subscribe returns a feed of future events and a cancel function. The
// channel buffers a short burst; events beyond that are dropped for this
// subscriber only.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			t.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (t *Tracker) publish(ev Event) {
	t.mu.Lock()
	t.recent = append(t.recent, ev)
	if len(t.recent) > maxRecent {
		t.recent = t.recent[len(t.recent)-maxRecent:]
	}
	subs := make([]chan Event, 0, len(t.subs))
	for ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, ch := range subs {
		eventq.Offer(ch, ev)
	}
}
