// Package router picks the engine (and optionally model) for a
// request via a fixed precedence chain over an immutable defaults
// snapshot, with automatic classification as the next-to-last resort.
package router

import (
	"context"
	"strings"

	"github.com/agusx1211/courier/internal/debug"
)

// Source identifies the precedence level that decided a resolution.
type Source string

const (
	SourceDirective      Source = "directive"
	SourceTopicDefault   Source = "topic_default"
	SourceChatDefault    Source = "chat_default"
	SourceProjectDefault Source = "project_default"
	SourceAutoClassified Source = "auto_classified"
	SourceGlobalDefault  Source = "global_default"
)

// Query carries one request's routing inputs.
type Query struct {
	// Directive is an explicit engine id named on the request itself.
	Directive string
	ChatID    int64
	TopicID   int
	// Project is the project alias bound to the conversation, if any.
	Project string
	// Prompt is consulted only for automatic classification.
	Prompt string
}

// Resolution records the winning engine, the level that chose it, and
// every default observed along the way.
type Resolution struct {
	Engine string
	Source Source

	TopicDefault   string
	ChatDefault    string
	ProjectDefault string

	// Classification is set when the auto-classifier ran.
	Classification *Classification
	// ModelOverride is set when the winning level binds a model too.
	ModelOverride string
}

type topicKey struct {
	chat  int64
	topic int
}

// Defaults is an immutable snapshot of the routing table. Mutating
// commands build a new snapshot with the With* helpers and swap the
// whole value; an existing snapshot never changes.
type Defaults struct {
	global       string
	autoClassify bool
	projects     map[string]string
	chats        map[int64]string
	topics       map[topicKey]string
}

// NewDefaults builds an empty routing table with a global fallback.
func NewDefaults(globalEngine string, autoClassify bool) *Defaults {
	return &Defaults{
		global:       globalEngine,
		autoClassify: autoClassify,
		projects:     map[string]string{},
		chats:        map[int64]string{},
		topics:       map[topicKey]string{},
	}
}

func (d *Defaults) clone() *Defaults {
	next := &Defaults{
		global:       d.global,
		autoClassify: d.autoClassify,
		projects:     make(map[string]string, len(d.projects)),
		chats:        make(map[int64]string, len(d.chats)),
		topics:       make(map[topicKey]string, len(d.topics)),
	}
	for k, v := range d.projects {
		next.projects[k] = v
	}
	for k, v := range d.chats {
		next.chats[k] = v
	}
	for k, v := range d.topics {
		next.topics[k] = v
	}
	return next
}

// WithProject returns a new snapshot with a per-project default set
// (or cleared when engine is empty).
func (d *Defaults) WithProject(alias, engine string) *Defaults {
	next := d.clone()
	if engine == "" {
		delete(next.projects, alias)
	} else {
		next.projects[alias] = engine
	}
	return next
}

// WithChat returns a new snapshot with a per-chat default set (or
// cleared when engine is empty).
func (d *Defaults) WithChat(chat int64, engine string) *Defaults {
	next := d.clone()
	if engine == "" {
		delete(next.chats, chat)
	} else {
		next.chats[chat] = engine
	}
	return next
}

// WithTopic returns a new snapshot with a per-topic default set (or
// cleared when engine is empty).
func (d *Defaults) WithTopic(chat int64, topic int, engine string) *Defaults {
	next := d.clone()
	key := topicKey{chat: chat, topic: topic}
	if engine == "" {
		delete(next.topics, key)
	} else {
		next.topics[key] = engine
	}
	return next
}

// Global returns the global fallback engine.
func (d *Defaults) Global() string { return d.global }

// Resolve walks the precedence chain: directive, topic default, chat
// default, project default, automatic classification (only when
// enabled, a classifier is supplied, and no higher level applied),
// global fallback. Every observed default is recorded on the result.
func (d *Defaults) Resolve(ctx context.Context, q Query, c *Classifier) Resolution {
	res := Resolution{
		TopicDefault:   d.topics[topicKey{chat: q.ChatID, topic: q.TopicID}],
		ChatDefault:    d.chats[q.ChatID],
		ProjectDefault: d.projects[q.Project],
	}

	switch {
	case q.Directive != "":
		res.Engine = q.Directive
		res.Source = SourceDirective
	case res.TopicDefault != "":
		res.Engine = res.TopicDefault
		res.Source = SourceTopicDefault
	case res.ChatDefault != "":
		res.Engine = res.ChatDefault
		res.Source = SourceChatDefault
	case res.ProjectDefault != "":
		res.Engine = res.ProjectDefault
		res.Source = SourceProjectDefault
	default:
		if d.autoClassify && c != nil && strings.TrimSpace(q.Prompt) != "" {
			cls := c.Classify(ctx, q.Prompt)
			res.Classification = &cls
			res.Engine = cls.Engine
			res.ModelOverride = cls.Model
			res.Source = SourceAutoClassified
		} else {
			res.Engine = d.global
			res.Source = SourceGlobalDefault
		}
	}

	debug.LogKV("router", "resolved engine",
		"engine", res.Engine,
		"source", res.Source,
		"chat", q.ChatID,
		"topic", q.TopicID,
		"project", q.Project,
	)
	return res
}
