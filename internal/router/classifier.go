package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agusx1211/courier/internal/debug"
)

// Category is one of the fixed classification buckets.
type Category string

const (
	CategoryCoding    Category = "coding"
	CategoryReasoning Category = "reasoning"
	CategoryQuick     Category = "quick"
)

// Classification is the outcome of categorizing request text.
type Classification struct {
	Category   Category
	Engine     string
	Model      string
	Confidence float64
	// Source is "model" when the auxiliary model answered, "heuristic"
	// for the deterministic fallback.
	Source string
}

// categoryRoutes binds each category to its (engine, model) pair.
var categoryRoutes = map[Category]struct{ Engine, Model string }{
	CategoryCoding:    {Engine: "codex", Model: "gpt-5.2"},
	CategoryReasoning: {Engine: "claude", Model: "claude-opus-4-5-20251101"},
	CategoryQuick:     {Engine: "claude", Model: "claude-3-5-haiku-20241022"},
}

const (
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"
	classifierModel   = "claude-3-5-haiku-20241022"
	classifierTimeout = 5 * time.Second
	// maxClassifyChars bounds how much of the request is shown to the
	// auxiliary model.
	maxClassifyChars = 2000
)

const classifierPrompt = `Classify this task into exactly one category. Respond with only the category name.

Categories:
- CODING: writing, fixing, reviewing, or running code, builds, tests, or repository operations
- REASONING: analysis, planning, research, architecture, or long-form writing
- QUICK: short factual lookups, status checks, or simple questions

Task:
%s`

// codingKeywords are substring signals for the coding category.
var codingKeywords = []string{
	"fix", "implement", "refactor", "debug", "test", "build", "compile",
	"deploy", "commit", "merge", "push", "pull", "branch", "error", "bug",
	"exception", "traceback", "function", "class", "method", "variable",
	"import", "module", "package", "install", "dependency", "npm", "pip",
	"cargo", "make", "dockerfile", "yaml", "json", "config", "api",
	"endpoint", "database", "query", "migration", "schema", "type",
	"interface", "struct", "enum", "lint", "format", "prettier", "eslint",
	"ruff", "mypy",
}

// quickKeywords are interrogative/lookup signals for short requests.
var quickKeywords = []string{
	"what is", "what's", "how do", "how does", "explain", "summarize",
	"define", "meaning of", "difference between", "why is", "can you",
	"is it", "are there", "does it", "should i", "status", "check",
	"list", "show",
}

// Classifier categorizes request text. With an API key it asks a fast
// auxiliary model first; without one, or on any call failure, it falls
// back to a deterministic keyword/length heuristic.
type Classifier struct {
	// APIKey enables the auxiliary-model path when non-empty.
	APIKey string
	// Endpoint overrides the messages API URL (tests).
	Endpoint string
	// HTTPClient overrides the default 5-second-timeout client.
	HTTPClient *http.Client
}

// NewClassifier builds a classifier. An empty key means
// heuristic-only.
func NewClassifier(apiKey string) *Classifier {
	return &Classifier{APIKey: apiKey}
}

// Classify is total: it always returns a usable classification.
func (c *Classifier) Classify(ctx context.Context, text string) Classification {
	if c.APIKey != "" {
		cat, err := c.classifyWithModel(ctx, text)
		if err == nil {
			return resolveCategory(cat, 0.9, "model")
		}
		debug.LogKV("router.classifier", "model classification failed, using heuristic", "err", err)
	}
	return heuristicClassify(text)
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Classifier) classifyWithModel(ctx context.Context, text string) (Category, error) {
	if len(text) > maxClassifyChars {
		text = text[:maxClassifyChars]
	}
	body, err := json.Marshal(anthropicRequest{
		Model:     classifierModel,
		MaxTokens: 20,
		Messages: []anthropicMessage{
			{Role: "user", Content: fmt.Sprintf(classifierPrompt, text)},
		},
	})
	if err != nil {
		return "", err
	}

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = anthropicEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: classifierTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier API status %d", resp.StatusCode)
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Content) == 0 {
		return CategoryReasoning, nil
	}
	return parseCategory(parsed.Content[0].Text), nil
}

// parseCategory maps a model response to a category by case-insensitive
// substring, defaulting to reasoning.
func parseCategory(answer string) Category {
	upper := strings.ToUpper(answer)
	switch {
	case strings.Contains(upper, "CODING"):
		return CategoryCoding
	case strings.Contains(upper, "REASONING"):
		return CategoryReasoning
	case strings.Contains(upper, "QUICK"):
		return CategoryQuick
	default:
		return CategoryReasoning
	}
}

// heuristicClassify is the deterministic, side-effect-free fallback:
// two or more coding signals select coding; short text with a lookup
// signal, or very short text, selects quick; everything else is
// reasoning.
func heuristicClassify(text string) Classification {
	lower := strings.ToLower(text)

	codingScore := 0
	for _, kw := range codingKeywords {
		if strings.Contains(lower, kw) {
			codingScore++
		}
	}
	if codingScore >= 2 {
		return resolveCategory(CategoryCoding, 0.7, "heuristic")
	}

	if len(text) < 100 {
		for _, kw := range quickKeywords {
			if strings.Contains(lower, kw) {
				return resolveCategory(CategoryQuick, 0.7, "heuristic")
			}
		}
	}
	if len(text) < 50 {
		return resolveCategory(CategoryQuick, 0.7, "heuristic")
	}
	return resolveCategory(CategoryReasoning, 0.7, "heuristic")
}

func resolveCategory(cat Category, confidence float64, source string) Classification {
	route := categoryRoutes[cat]
	return Classification{
		Category:   cat,
		Engine:     route.Engine,
		Model:      route.Model,
		Confidence: confidence,
		Source:     source,
	}
}
