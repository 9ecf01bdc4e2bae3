package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agusx1211/courier/internal/config"
	"github.com/agusx1211/courier/internal/heartbeat"
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat [name]",
	Short: "Run or list scheduled heartbeat tasks",
	Long: `Run a heartbeat task once, or list the configured tasks.

Without a name, lists all tasks with their schedule and last outcome.
With a name, runs that task and exits 0 when the run succeeded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHeartbeatCmd,
}

func init() {
	heartbeatCmd.Flags().Bool("no-notify", false, "Skip the Telegram report")
	heartbeatCmd.Flags().Bool("resume", false, "Resume the previous engine session")
	heartbeatCmd.Flags().Bool("no-resume", false, "Start a fresh engine session")
	heartbeatCmd.MarkFlagsMutuallyExclusive("resume", "no-resume")
	heartbeatCmd.Flags().BoolP("quiet", "q", false, "Suppress output (for cron)")
	rootCmd.AddCommand(heartbeatCmd)
}

func runHeartbeatCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return listHeartbeats(cfg)
	}
	return runHeartbeatTask(cmd, cfg, args[0])
}

func listHeartbeats(cfg *config.Config) error {
	if len(cfg.Heartbeats) == 0 {
		path, _ := configPath()
		fmt.Println("No heartbeats configured.")
		fmt.Printf("\nAdd heartbeats to %s:\n", path)
		fmt.Println(`
[heartbeats.example]
prompt = "Your prompt here"
cwd = "~"
schedule = "0 7 * * *"`)
		return nil
	}

	rows := make([][]string, 0, len(cfg.Heartbeats))
	for _, name := range sortedNames(cfg.Heartbeats) {
		task := cfg.Heartbeats[name]

		source := "inline"
		if task.PromptFile != "" {
			source = "file:" + task.PromptFile
		}
		schedule := task.Schedule
		if schedule == "" {
			schedule = "manual"
		}

		lastRun, lastStatus := "-", "-"
		if st, err := heartbeat.LoadState(name); err == nil && len(st.Runs) > 0 {
			rec := st.Runs[len(st.Runs)-1]
			lastRun = rec.StartedAt.Local().Format("2006-01-02 15:04")
			if rec.OK {
				lastStatus = colorGreen + "ok" + colorReset
			} else {
				lastStatus = colorRed + "failed" + colorReset
			}
		}

		rows = append(rows, []string{name, truncate(source, 40), schedule, lastRun, lastStatus})
	}

	printHeader("Heartbeats")
	printTable([]string{"NAME", "PROMPT", "SCHEDULE", "LAST RUN", "STATUS"}, rows)
	return nil
}

func runHeartbeatTask(cmd *cobra.Command, cfg *config.Config, name string) error {
	quiet, _ := cmd.Flags().GetBool("quiet")
	noNotify, _ := cmd.Flags().GetBool("no-notify")

	task, ok := cfg.Heartbeats[name]
	if !ok {
		if len(cfg.Heartbeats) > 0 {
			return fmt.Errorf("heartbeat %q not found (available: %s)", name, strings.Join(sortedNames(cfg.Heartbeats), ", "))
		}
		return fmt.Errorf("heartbeat %q not found: no heartbeats configured", name)
	}

	if force, _ := cmd.Flags().GetBool("resume"); force {
		task.Resume = true
	}
	if fresh, _ := cmd.Flags().GetBool("no-resume"); fresh {
		task.Resume = false
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	runner := &heartbeat.Runner{
		Engines:       reg,
		DefaultEngine: cfg.Router.DefaultEngine,
		DefaultModels: engineModels(cfg),
		DefaultArgs:   engineArgs(cfg),
	}
	if cfg.Telegram.Token != "" {
		client, err := telegramClient(cfg)
		if err != nil {
			return err
		}
		runner.Notifier = &heartbeat.TelegramNotifier{Client: client}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx, name, task, heartbeat.RunOptions{NoNotify: noNotify})
	if err != nil {
		if quiet {
			return errSilentExit
		}
		return err
	}

	if !quiet {
		status := "ok"
		if !res.OK {
			status = "failed"
		}
		fmt.Printf("[%s] %s duration=%dms\n", name, status, res.Duration.Milliseconds())
		if res.Usage != nil && res.Usage.CostUSD != nil {
			fmt.Printf("[%s] cost=$%.4f\n", name, *res.Usage.CostUSD)
		}
		if res.Error != "" {
			fmt.Fprintf(os.Stderr, "[%s] error: %s\n", name, firstErrorLine(res.Error))
		}
	}
	if !res.OK {
		return errSilentExit
	}
	return nil
}

// firstErrorLine keeps multi-line engine errors to one console line; the
// full text is in the saved state and the debug log.
func firstErrorLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
