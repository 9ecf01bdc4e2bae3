// Package config loads and saves courier's configuration.
//
// Configuration lives at ~/.courier/courier.toml. Secrets can be supplied
// through the environment instead of the file: COURIER_TELEGRAM_TOKEN and
// COURIER_ANTHROPIC_KEY override their file counterparts, and
// COURIER_CONFIG points at an alternate config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/agusx1211/courier/internal/store"
)

// Environment variables honored by Load.
const (
	EnvConfigPath    = "COURIER_CONFIG"
	EnvTelegramToken = "COURIER_TELEGRAM_TOKEN"
	EnvAnthropicKey  = "COURIER_ANTHROPIC_KEY"
)

const configFileName = "courier.toml"

// defaultWebAddr binds the status server to localhost only; exposing it
// wider is an explicit choice in the config file.
const defaultWebAddr = "127.0.0.1:8799"

// TelegramConfig holds the bot credentials and the chat allowlist.
type TelegramConfig struct {
	// Token is the Bot API token from @BotFather.
	Token string `toml:"token,omitempty"`
	// AllowedChatIDs is the allowlist of chats the bot responds in.
	// Messages from any other chat are ignored.
	AllowedChatIDs []int64 `toml:"allowed_chat_ids,omitempty"`
}

// Allowed reports whether chatID may talk to the bot.
func (t TelegramConfig) Allowed(chatID int64) bool {
	for _, id := range t.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// RouterConfig controls how prompts without an explicit directive are
// routed to an engine.
type RouterConfig struct {
	// DefaultEngine answers when nothing more specific matches.
	DefaultEngine string `toml:"default_engine,omitempty"`
	// AutoClassify enables prompt classification before falling back to
	// DefaultEngine. Defaults to true, so it is always written out.
	AutoClassify bool `toml:"auto_classify"`
	// AnthropicKey is the API key for the classifier model. Without it
	// classification falls back to keyword heuristics.
	AnthropicKey string `toml:"anthropic_key,omitempty"`
}

// WebConfig controls the local status server.
type WebConfig struct {
	Enabled bool   `toml:"enabled,omitempty"`
	Addr    string `toml:"addr,omitempty"`
	// Advertise announces the server over mDNS so the watch TUI can find
	// it without configuration.
	Advertise bool `toml:"advertise,omitempty"`
}

// EngineConfig overrides how a built-in engine is invoked.
type EngineConfig struct {
	// Command is the binary to run instead of the engine's default.
	Command string `toml:"command,omitempty"`
	// Model is the default model when no routing override applies.
	Model string `toml:"model,omitempty"`
	// AllowedTools restricts the engine's tool use for chat runs, where
	// the engine supports it.
	AllowedTools []string `toml:"allowed_tools,omitempty"`
	// BypassPermissions disables the engine's permission prompts for
	// chat runs. Without it most engines stall waiting for approval.
	BypassPermissions bool `toml:"bypass_permissions,omitempty"`
	// Args are appended verbatim to every invocation of this engine.
	Args []string `toml:"args,omitempty"`
}

// ProjectConfig describes a git project the bot can work in.
type ProjectConfig struct {
	// Path is the repository root. A leading ~/ expands to the home dir.
	Path string `toml:"path"`
	// DefaultBranch seeds new worktree branches. Empty falls back to the
	// branch currently checked out at Path.
	DefaultBranch string `toml:"default_branch,omitempty"`
	// Remote is the remote consulted for branch tracking (default origin).
	Remote string `toml:"remote,omitempty"`
	// WorktreesDir overrides where worktrees are created, relative to
	// Path (default .courier-worktrees).
	WorktreesDir string `toml:"worktrees_dir,omitempty"`
	// Engine is the project's default engine for routed prompts.
	Engine string `toml:"engine,omitempty"`
	// ChatIDs binds Telegram chats to this project. Prompts from these
	// chats run inside the project (or one of its worktrees).
	ChatIDs []int64 `toml:"chat_ids,omitempty"`
}

// ProjectForChat returns the name of the project bound to chatID, or "".
// Ties resolve to the lexically first project name so the answer is
// stable across restarts.
func (c *Config) ProjectForChat(chatID int64) string {
	for _, name := range sortedKeys(c.Projects) {
		for _, id := range c.Projects[name].ChatIDs {
			if id == chatID {
				return name
			}
		}
	}
	return ""
}

// HeartbeatConfig defines a scheduled task. Exactly one of Prompt or
// PromptFile must be set.
type HeartbeatConfig struct {
	// Prompt is the task prompt. ${VAR} placeholders expand from the
	// environment, plus the builtins TODAY and NOW.
	Prompt string `toml:"prompt,omitempty"`
	// PromptFile reads the prompt from a file instead.
	PromptFile string `toml:"prompt_file,omitempty"`
	// Engine runs the task (default: the router's default engine).
	Engine string `toml:"engine,omitempty"`
	// Model overrides the engine's model for this task.
	Model string `toml:"model,omitempty"`
	// Cwd is the working directory for the run. A leading ~/ expands to
	// the home dir. Missing directories are warned about, not fatal.
	Cwd string `toml:"cwd,omitempty"`
	// Schedule is a cron expression for the daemon scheduler. Empty
	// tasks only run on demand.
	Schedule string `toml:"schedule,omitempty"`
	// Resume continues the task's previous engine session when one is
	// recorded.
	Resume bool `toml:"resume,omitempty"`
	// AllowedTools restricts the engine's tool use where supported.
	AllowedTools []string `toml:"allowed_tools,omitempty"`
	// BypassPermissions disables the engine's permission prompts.
	BypassPermissions bool `toml:"bypass_permissions,omitempty"`

	// Notify sends a Telegram report after each run.
	Notify bool `toml:"notify,omitempty"`
	// NotifyChatID is the chat the report goes to.
	NotifyChatID int64 `toml:"notify_chat_id,omitempty"`
	// NotifyOnSuccess and NotifyOnFailure gate reports by outcome.
	// Unset means true.
	NotifyOnSuccess *bool `toml:"notify_on_success,omitempty"`
	NotifyOnFailure *bool `toml:"notify_on_failure,omitempty"`
}

// ShouldNotify reports whether a run outcome warrants a Telegram report.
// noNotify is the per-invocation kill switch (--no-notify).
func (h HeartbeatConfig) ShouldNotify(ok, noNotify bool) bool {
	if !h.Notify || noNotify {
		return false
	}
	if ok {
		return h.NotifyOnSuccess == nil || *h.NotifyOnSuccess
	}
	return h.NotifyOnFailure == nil || *h.NotifyOnFailure
}

// Config is the root of courier.toml.
type Config struct {
	Telegram   TelegramConfig             `toml:"telegram,omitempty"`
	Router     RouterConfig               `toml:"router,omitempty"`
	Web        WebConfig                  `toml:"web,omitempty"`
	Engines    map[string]EngineConfig    `toml:"engines,omitempty"`
	Projects   map[string]ProjectConfig   `toml:"projects,omitempty"`
	Heartbeats map[string]HeartbeatConfig `toml:"heartbeats,omitempty"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Router: RouterConfig{DefaultEngine: "claude", AutoClassify: true},
		Web:    WebConfig{Addr: defaultWebAddr},
	}
}

// Path returns the config file location, honoring COURIER_CONFIG.
func Path() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	dir, err := store.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Load reads the config file, filling defaults and applying environment
// overrides. A missing file yields Default(), not an error.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run. Defaults plus environment are enough to start.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

// Save writes cfg atomically to the config file location.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return store.WriteFile(path, data)
}

func applyDefaults(cfg *Config) {
	if cfg.Router.DefaultEngine == "" {
		cfg.Router.DefaultEngine = "claude"
	}
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = defaultWebAddr
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvTelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv(EnvAnthropicKey); v != "" {
		cfg.Router.AnthropicKey = v
	}
}

// ExpandPath resolves a leading ~/ against the user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	return p
}

// heartbeatNamePattern keeps heartbeat names usable as file names.
var heartbeatNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Validate checks cross-field constraints. engineNames is the set of
// registered engine identifiers.
func (c *Config) Validate(engineNames []string) error {
	known := make(map[string]bool, len(engineNames))
	for _, name := range engineNames {
		known[name] = true
	}

	var problems []string
	if c.Router.DefaultEngine != "" && !known[c.Router.DefaultEngine] {
		problems = append(problems, fmt.Sprintf("router.default_engine: unknown engine %q", c.Router.DefaultEngine))
	}
	for _, name := range sortedKeys(c.Engines) {
		if !known[name] {
			problems = append(problems, fmt.Sprintf("engines.%s: unknown engine", name))
		}
	}
	for _, name := range sortedKeys(c.Projects) {
		p := c.Projects[name]
		if strings.TrimSpace(p.Path) == "" {
			problems = append(problems, fmt.Sprintf("projects.%s: path is required", name))
		}
		if p.Engine != "" && !known[p.Engine] {
			problems = append(problems, fmt.Sprintf("projects.%s: unknown engine %q", name, p.Engine))
		}
	}
	for _, name := range sortedKeys(c.Heartbeats) {
		h := c.Heartbeats[name]
		prefix := fmt.Sprintf("heartbeats.%s", name)
		if !heartbeatNamePattern.MatchString(name) {
			problems = append(problems, prefix+": name may only contain letters, digits, dots, dashes and underscores")
		}
		hasPrompt := strings.TrimSpace(h.Prompt) != ""
		hasFile := strings.TrimSpace(h.PromptFile) != ""
		if hasPrompt == hasFile {
			problems = append(problems, prefix+": exactly one of prompt or prompt_file is required")
		}
		if h.Engine != "" && !known[h.Engine] {
			problems = append(problems, fmt.Sprintf("%s: unknown engine %q", prefix, h.Engine))
		}
		if h.Notify && h.NotifyChatID == 0 {
			problems = append(problems, prefix+": notify requires notify_chat_id")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
