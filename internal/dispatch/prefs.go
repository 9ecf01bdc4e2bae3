package dispatch

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/agusx1211/courier/internal/router"
	"github.com/agusx1211/courier/internal/store"
)

const prefsFileName = "routing.json"

// prefsData is the persisted shape of ~/.courier/routing.json. Map keys
// are the chat id, or "chat/topic" for topic-scoped entries.
type prefsData struct {
	ChatEngines   map[string]string `json:"chat_engines,omitempty"`
	TopicEngines  map[string]string `json:"topic_engines,omitempty"`
	TopicBranches map[string]string `json:"topic_branches,omitempty"`
}

// prefsStore persists the routing preferences users set from chat: per
// chat and per topic default engines, and the branch a forum topic works
// on. Every mutation is written through immediately.
type prefsStore struct {
	mu   sync.Mutex
	path string
	data prefsData
}

func openPrefs() (*prefsStore, error) {
	dir, err := store.Dir()
	if err != nil {
		return nil, err
	}
	p := &prefsStore{path: filepath.Join(dir, prefsFileName)}
	if err := store.ReadJSON(p.path, &p.data); err != nil && !store.IsNotExist(err) {
		return nil, fmt.Errorf("dispatch: read %s: %w", p.path, err)
	}
	if p.data.ChatEngines == nil {
		p.data.ChatEngines = make(map[string]string)
	}
	if p.data.TopicEngines == nil {
		p.data.TopicEngines = make(map[string]string)
	}
	if p.data.TopicBranches == nil {
		p.data.TopicBranches = make(map[string]string)
	}
	return p, nil
}

func chatKey(chat int64) string {
	return strconv.FormatInt(chat, 10)
}

func topicKeyOf(chat int64, topic int) string {
	return fmt.Sprintf("%d/%d", chat, topic)
}

func (p *prefsStore) save() error {
	return store.WriteJSON(p.path, &p.data)
}

func setOrDelete(m map[string]string, key, value string) {
	if value == "" {
		delete(m, key)
		return
	}
	m[key] = value
}

// SetChatEngine records (or clears, for empty engine) a chat default.
func (p *prefsStore) SetChatEngine(chat int64, engine string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	setOrDelete(p.data.ChatEngines, chatKey(chat), engine)
	return p.save()
}

// SetTopicEngine records (or clears) a topic default.
func (p *prefsStore) SetTopicEngine(chat int64, topic int, engine string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	setOrDelete(p.data.TopicEngines, topicKeyOf(chat, topic), engine)
	return p.save()
}

// SetTopicBranch records (or clears) the branch a topic works on.
func (p *prefsStore) SetTopicBranch(chat int64, topic int, branch string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	setOrDelete(p.data.TopicBranches, topicKeyOf(chat, topic), branch)
	return p.save()
}

// TopicBranch returns the branch bound to a topic, or "".
func (p *prefsStore) TopicBranch(chat int64, topic int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.TopicBranches[topicKeyOf(chat, topic)]
}

// seed applies the stored chat and topic defaults to a routing snapshot.
func (p *prefsStore) seed(d *router.Defaults) *router.Defaults {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, engine := range p.data.ChatEngines {
		chat, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		d = d.WithChat(chat, engine)
	}
	for key, engine := range p.data.TopicEngines {
		chatPart, topicPart, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		chat, err1 := strconv.ParseInt(chatPart, 10, 64)
		topic, err2 := strconv.Atoi(topicPart)
		if err1 != nil || err2 != nil {
			continue
		}
		d = d.WithTopic(chat, topic, engine)
	}
	return d
}
