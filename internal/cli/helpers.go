package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agusx1211/courier/internal/config"
	"github.com/agusx1211/courier/internal/engine"
	"github.com/agusx1211/courier/internal/telegram"
	"github.com/agusx1211/courier/internal/worktree"
)

// configPath returns the config file location.
func configPath() (string, error) {
	return config.Path()
}

// loadConfig reads the config file with defaults and env overrides.
func loadConfig() (*config.Config, error) {
	return config.Load()
}

// buildRegistry constructs the engine registry from explicit config.
// Engines are fixed; config may only override how they are invoked.
func buildRegistry(cfg *config.Config) (*engine.Registry, error) {
	claude := engine.NewClaude()
	if ec, ok := cfg.Engines["claude"]; ok {
		claude.Command = ec.Command
	}
	codex := engine.NewCodex()
	if ec, ok := cfg.Engines["codex"]; ok {
		codex.Command = ec.Command
	}

	reg := engine.NewRegistry()
	for _, e := range []engine.Engine{claude, codex} {
		if err := reg.Register(e); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// engineModels maps engine names to their configured default models.
func engineModels(cfg *config.Config) map[string]string {
	models := make(map[string]string, len(cfg.Engines))
	for name, ec := range cfg.Engines {
		if ec.Model != "" {
			models[name] = ec.Model
		}
	}
	return models
}

// engineArgs maps engine names to their configured extra arguments.
func engineArgs(cfg *config.Config) map[string][]string {
	args := make(map[string][]string, len(cfg.Engines))
	for name, ec := range cfg.Engines {
		if len(ec.Args) > 0 {
			args[name] = ec.Args
		}
	}
	return args
}

// buildWorktrees constructs the worktree manager over configured projects.
func buildWorktrees(cfg *config.Config) *worktree.Manager {
	projects := make([]worktree.Project, 0, len(cfg.Projects))
	for name, p := range cfg.Projects {
		projects = append(projects, worktree.Project{
			Name:          name,
			Root:          config.ExpandPath(p.Path),
			WorktreesDir:  p.WorktreesDir,
			DefaultBranch: p.DefaultBranch,
			Remote:        p.Remote,
		})
	}
	return worktree.NewManager(projects...)
}

// telegramClient builds a bot client, failing when no token is configured.
func telegramClient(cfg *config.Config) (*telegram.Client, error) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		path, _ := configPath()
		return nil, fmt.Errorf("telegram token missing: set telegram.token in %s or %s", path, config.EnvTelegramToken)
	}
	return telegram.NewClient(cfg.Telegram.Token), nil
}

// defaultChatID picks the chat used when a command does not name one.
func defaultChatID(cfg *config.Config) int64 {
	if len(cfg.Telegram.AllowedChatIDs) == 0 {
		return 0
	}
	return cfg.Telegram.AllowedChatIDs[0]
}

// webBaseURL is the status server address as an http URL.
func webBaseURL(cfg *config.Config) string {
	return "http://" + cfg.Web.Addr
}

// runOverview prints a brief summary of the resolved configuration.
func runOverview() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	path, err := configPath()
	if err != nil {
		return err
	}

	printHeader("courier")
	printField("Config", path)
	printField("Engines", strings.Join(reg.Names(), ", "))
	printField("Default engine", cfg.Router.DefaultEngine)
	printField("Auto classify", fmt.Sprintf("%v", cfg.Router.AutoClassify))

	if cfg.Telegram.Token == "" {
		printFieldColored("Telegram", "no token configured", colorYellow)
	} else {
		printField("Telegram", fmt.Sprintf("token set, %d allowed chat(s)", len(cfg.Telegram.AllowedChatIDs)))
	}

	if len(cfg.Projects) > 0 {
		printField("Projects", strings.Join(sortedNames(cfg.Projects), ", "))
	}
	if len(cfg.Heartbeats) > 0 {
		printField("Heartbeats", strings.Join(sortedNames(cfg.Heartbeats), ", "))
	}
	if cfg.Web.Enabled {
		printField("Status server", webBaseURL(cfg))
	}

	fmt.Println()
	fmt.Println(colorDim + "  Run 'courier daemon' to start the bot." + colorReset)
	return nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// printHeader prints a formatted section header.
func printHeader(title string) {
	fmt.Printf("\n%s%s%s\n", styleBoldCyan, title, colorReset)
	fmt.Println(colorDim + strings.Repeat("-", len(title)+2) + colorReset)
}

// printField prints a labeled field.
func printField(label, value string) {
	fmt.Printf("  %s%-16s%s %s\n", colorBold, label+":", colorReset, value)
}

// printFieldColored prints a labeled field with colored value.
func printFieldColored(label, value, color string) {
	fmt.Printf("  %s%-16s%s %s%s%s\n", colorBold, label+":", colorReset, color, value, colorReset)
}

// printTable prints a simple table with headers and rows.
func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println(colorDim + "  (none)" + colorReset)
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				if stripped := stripAnsi(cell); len(stripped) > widths[i] {
					widths[i] = len(stripped)
				}
			}
		}
	}

	headerLine := "  "
	for i, h := range headers {
		headerLine += fmt.Sprintf("%s%-*s%s", colorBold, widths[i]+2, h, colorReset)
	}
	fmt.Println(headerLine)

	sepLine := "  "
	for _, w := range widths {
		sepLine += colorDim + strings.Repeat("-", w+2) + colorReset
	}
	fmt.Println(sepLine)

	for _, row := range rows {
		rowLine := "  "
		for i, cell := range row {
			if i < len(widths) {
				padding := widths[i] - len(stripAnsi(cell))
				if padding < 0 {
					padding = 0
				}
				rowLine += cell + strings.Repeat(" ", padding+2)
			}
		}
		fmt.Println(rowLine)
	}
}

// stripAnsi removes ANSI escape codes from a string (for width calculation).
func stripAnsi(s string) string {
	var out strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

// truncate truncates a string to a given max length, adding "..." if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
