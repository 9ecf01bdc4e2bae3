package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// useConfigFile points Load/Save at a file under a temp dir.
func useConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.toml")
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvTelegramToken, "")
	t.Setenv(EnvAnthropicKey, "")
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	useConfigFile(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Router.DefaultEngine != "claude" {
		t.Fatalf("DefaultEngine = %q, want claude", cfg.Router.DefaultEngine)
	}
	if !cfg.Router.AutoClassify {
		t.Fatal("AutoClassify = false, want true by default")
	}
	if cfg.Web.Addr != defaultWebAddr {
		t.Fatalf("Web.Addr = %q, want %q", cfg.Web.Addr, defaultWebAddr)
	}
}

func TestLoadParsesFullFile(t *testing.T) {
	path := useConfigFile(t)
	raw := `
[telegram]
token = "123:abc"
allowed_chat_ids = [42, -100500]

[router]
default_engine = "codex"
auto_classify = false
anthropic_key = "sk-from-file"

[web]
enabled = true
addr = "0.0.0.0:9000"
advertise = true

[engines.claude]
command = "/opt/bin/claude"
model = "claude-opus-4-5-20251101"
args = ["--add-dir", "/srv/shared"]

[projects.courier]
path = "~/src/courier"
default_branch = "main"
engine = "codex"

[heartbeats.standup]
prompt = "Summarize commits since ${TODAY}"
schedule = "0 9 * * 1-5"
notify = true
notify_chat_id = 42
notify_on_success = false
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("Token = %q", cfg.Telegram.Token)
	}
	if !cfg.Telegram.Allowed(42) || !cfg.Telegram.Allowed(-100500) || cfg.Telegram.Allowed(7) {
		t.Fatalf("Allowed() mismatch: %v", cfg.Telegram.AllowedChatIDs)
	}
	if cfg.Router.DefaultEngine != "codex" || cfg.Router.AutoClassify {
		t.Fatalf("Router = %+v", cfg.Router)
	}
	if cfg.Web.Addr != "0.0.0.0:9000" || !cfg.Web.Enabled || !cfg.Web.Advertise {
		t.Fatalf("Web = %+v", cfg.Web)
	}
	if cfg.Engines["claude"].Command != "/opt/bin/claude" {
		t.Fatalf("Engines[claude] = %+v", cfg.Engines["claude"])
	}
	if args := cfg.Engines["claude"].Args; len(args) != 2 || args[0] != "--add-dir" {
		t.Fatalf("Engines[claude].Args = %v", args)
	}
	if cfg.Projects["courier"].Engine != "codex" {
		t.Fatalf("Projects[courier] = %+v", cfg.Projects["courier"])
	}

	hb := cfg.Heartbeats["standup"]
	if hb.Prompt == "" || hb.Schedule != "0 9 * * 1-5" || !hb.Notify || hb.NotifyChatID != 42 {
		t.Fatalf("Heartbeats[standup] = %+v", hb)
	}
	if hb.NotifyOnSuccess == nil || *hb.NotifyOnSuccess {
		t.Fatal("notify_on_success = true, want explicit false")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	path := useConfigFile(t)
	raw := "[telegram]\ntoken = \"file-token\"\n\n[router]\nanthropic_key = \"file-key\"\n"
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvTelegramToken, "env-token")
	t.Setenv(EnvAnthropicKey, "env-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("Token = %q, want env-token", cfg.Telegram.Token)
	}
	if cfg.Router.AnthropicKey != "env-key" {
		t.Fatalf("AnthropicKey = %q, want env-key", cfg.Router.AnthropicKey)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	useConfigFile(t)

	off := false
	want := Default()
	want.Telegram.Token = "123:abc"
	want.Telegram.AllowedChatIDs = []int64{42}
	want.Router.AutoClassify = false
	want.Projects = map[string]ProjectConfig{
		"courier": {Path: "/src/courier", DefaultBranch: "main"},
	}
	want.Heartbeats = map[string]HeartbeatConfig{
		"standup": {Prompt: "hi", Schedule: "@daily", Notify: true, NotifyChatID: 42, NotifyOnFailure: &off},
	}

	if err := Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Telegram.Token != "123:abc" || len(got.Telegram.AllowedChatIDs) != 1 {
		t.Fatalf("Telegram = %+v", got.Telegram)
	}
	if got.Router.AutoClassify {
		t.Fatal("AutoClassify = true after round trip, want false to survive")
	}
	if got.Projects["courier"].Path != "/src/courier" {
		t.Fatalf("Projects = %+v", got.Projects)
	}
	hb := got.Heartbeats["standup"]
	if hb.Prompt != "hi" || hb.NotifyOnFailure == nil || *hb.NotifyOnFailure {
		t.Fatalf("Heartbeats[standup] = %+v", hb)
	}
}

func TestShouldNotify(t *testing.T) {
	off := false
	cases := []struct {
		name     string
		hb       HeartbeatConfig
		ok       bool
		noNotify bool
		want     bool
	}{
		{"disabled", HeartbeatConfig{}, true, false, false},
		{"success default", HeartbeatConfig{Notify: true}, true, false, true},
		{"failure default", HeartbeatConfig{Notify: true}, false, false, true},
		{"kill switch", HeartbeatConfig{Notify: true}, true, true, false},
		{"success muted", HeartbeatConfig{Notify: true, NotifyOnSuccess: &off}, true, false, false},
		{"failure still reported", HeartbeatConfig{Notify: true, NotifyOnSuccess: &off}, false, false, true},
		{"failure muted", HeartbeatConfig{Notify: true, NotifyOnFailure: &off}, false, false, false},
	}
	for _, tc := range cases {
		if got := tc.hb.ShouldNotify(tc.ok, tc.noNotify); got != tc.want {
			t.Errorf("%s: ShouldNotify(%v, %v) = %v, want %v", tc.name, tc.ok, tc.noNotify, got, tc.want)
		}
	}
}

func TestValidateFlagsProblems(t *testing.T) {
	engines := []string{"claude", "codex"}

	cfg := Default()
	cfg.Router.DefaultEngine = "gemini"
	cfg.Projects = map[string]ProjectConfig{
		"bare": {Path: "  "},
	}
	cfg.Heartbeats = map[string]HeartbeatConfig{
		"bad name!": {Prompt: "x"},
		"both":      {Prompt: "x", PromptFile: "y"},
		"neither":   {},
		"badengine": {Prompt: "x", Engine: "gemini"},
		"chatless":  {Prompt: "x", Notify: true},
		"fine":      {Prompt: "x", Engine: "codex"},
	}

	err := cfg.Validate(engines)
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{
		`router.default_engine: unknown engine "gemini"`,
		"projects.bare: path is required",
		"heartbeats.bad name!: name may only contain",
		"heartbeats.both: exactly one of prompt or prompt_file",
		"heartbeats.neither: exactly one of prompt or prompt_file",
		`heartbeats.badengine: unknown engine "gemini"`,
		"heartbeats.chatless: notify requires notify_chat_id",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q in %q", want, err.Error())
		}
	}
	if strings.Contains(err.Error(), "heartbeats.fine") {
		t.Errorf("Validate() flagged a valid heartbeat: %q", err.Error())
	}

	ok := Default()
	ok.Heartbeats = map[string]HeartbeatConfig{"fine": {Prompt: "x"}}
	if err := ok.Validate(engines); err != nil {
		t.Fatalf("Validate() on valid config = %v", err)
	}
}

func TestProjectForChat(t *testing.T) {
	cfg := Default()
	cfg.Projects = map[string]ProjectConfig{
		"beta":  {Path: "/b", ChatIDs: []int64{7, 9}},
		"alpha": {Path: "/a", ChatIDs: []int64{7}},
	}

	if got := cfg.ProjectForChat(9); got != "beta" {
		t.Fatalf("ProjectForChat(9) = %q, want beta", got)
	}
	if got := cfg.ProjectForChat(7); got != "alpha" {
		t.Fatalf("ProjectForChat(7) = %q, want alpha (lexically first)", got)
	}
	if got := cfg.ProjectForChat(5); got != "" {
		t.Fatalf("ProjectForChat(5) = %q, want empty", got)
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := ExpandPath("~/src/app"); got != filepath.Join(home, "src/app") {
		t.Fatalf("ExpandPath(~/src/app) = %q", got)
	}
	if got := ExpandPath("~"); got != home {
		t.Fatalf("ExpandPath(~) = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Fatalf("ExpandPath(/abs/path) = %q", got)
	}
	if got := ExpandPath(""); got != "" {
		t.Fatalf("ExpandPath(\"\") = %q", got)
	}
}
