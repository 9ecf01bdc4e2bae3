package router

import (
	"context"
	"testing"
)

func fullDefaults() *Defaults {
	return NewDefaults("claude", false).
		WithProject("demo", "codex").
		WithChat(100, "claude").
		WithTopic(100, 7, "codex")
}

func TestResolvePrecedenceDirectiveWins(t *testing.T) {
	d := fullDefaults()
	q := Query{Directive: "claude", ChatID: 100, TopicID: 7, Project: "demo", Prompt: "fix it"}

	res := d.Resolve(context.Background(), q, nil)
	if res.Engine != "claude" || res.Source != SourceDirective {
		t.Fatalf("resolution = %+v, want directive claude", res)
	}
	// Every observed level is still recorded.
	if res.TopicDefault != "codex" || res.ChatDefault != "claude" || res.ProjectDefault != "codex" {
		t.Fatalf("observed defaults = %+v, want topic/chat/project recorded", res)
	}
}

func TestResolvePrecedenceChain(t *testing.T) {
	ctx := context.Background()
	q := Query{ChatID: 100, TopicID: 7, Project: "demo", Prompt: "anything"}

	d := fullDefaults()
	if res := d.Resolve(ctx, q, nil); res.Engine != "codex" || res.Source != SourceTopicDefault {
		t.Fatalf("resolution = %+v, want topic default", res)
	}

	d = d.WithTopic(100, 7, "")
	if res := d.Resolve(ctx, q, nil); res.Engine != "claude" || res.Source != SourceChatDefault {
		t.Fatalf("resolution = %+v, want chat default", res)
	}

	d = d.WithChat(100, "")
	if res := d.Resolve(ctx, q, nil); res.Engine != "codex" || res.Source != SourceProjectDefault {
		t.Fatalf("resolution = %+v, want project default", res)
	}

	d = d.WithProject("demo", "")
	if res := d.Resolve(ctx, q, nil); res.Engine != "claude" || res.Source != SourceGlobalDefault {
		t.Fatalf("resolution = %+v, want global default", res)
	}
}

func TestResolveSnapshotsAreImmutable(t *testing.T) {
	d := NewDefaults("claude", false)
	d2 := d.WithTopic(1, 2, "codex")

	q := Query{ChatID: 1, TopicID: 2}
	if res := d.Resolve(context.Background(), q, nil); res.Source != SourceGlobalDefault {
		t.Fatalf("original snapshot changed: %+v", res)
	}
	if res := d2.Resolve(context.Background(), q, nil); res.Source != SourceTopicDefault {
		t.Fatalf("derived snapshot missing topic default: %+v", res)
	}
}

func TestResolveAutoClassifyOnlyWithoutHigherDefault(t *testing.T) {
	ctx := context.Background()
	c := NewClassifier("") // heuristic-only

	d := NewDefaults("claude", true).WithProject("demo", "codex")
	q := Query{Project: "demo", Prompt: "what is a goroutine"}
	res := d.Resolve(ctx, q, c)
	if res.Source != SourceProjectDefault || res.Classification != nil {
		t.Fatalf("resolution = %+v, want project default with no classification", res)
	}

	d = d.WithProject("demo", "")
	res = d.Resolve(ctx, q, c)
	if res.Source != SourceAutoClassified {
		t.Fatalf("resolution = %+v, want auto classified", res)
	}
	if res.Classification == nil || res.Classification.Category != CategoryQuick {
		t.Fatalf("classification = %+v, want quick", res.Classification)
	}
	if res.Engine != "claude" || res.ModelOverride != "claude-3-5-haiku-20241022" {
		t.Fatalf("resolution = %+v, want quick route with model override", res)
	}
}

func TestResolveAutoClassifyNeedsPromptAndClassifier(t *testing.T) {
	ctx := context.Background()
	d := NewDefaults("claude", true)

	if res := d.Resolve(ctx, Query{Prompt: "   "}, NewClassifier("")); res.Source != SourceGlobalDefault {
		t.Fatalf("resolution = %+v, want global default for blank prompt", res)
	}
	if res := d.Resolve(ctx, Query{Prompt: "do things"}, nil); res.Source != SourceGlobalDefault {
		t.Fatalf("resolution = %+v, want global default without classifier", res)
	}
}
