package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agusx1211/courier/internal/buildinfo"
	"github.com/agusx1211/courier/internal/debug"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"

	// Combined styles
	styleBoldCyan   = "\033[1;36m"
	styleBoldGreen  = "\033[1;32m"
	styleBoldYellow = "\033[1;33m"
	styleBoldWhite  = "\033[1;37m"
)

// errSilentExit requests exit code 1 without the red Error banner, for
// commands that already reported the failure in their own format.
var errSilentExit = errors.New("silent exit")

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Chat-driven dispatcher for AI coding engines",
	Long: colorBold + `
   ___ ___  _   _ _ __(_) ___ _ __
  / __/ _ \| | | | '__| |/ _ \ '__|
 | (_| (_) | |_| | |  | |  __/ |
  \___\___/ \__,_|_|  |_|\___|_|` + colorReset + `

  ` + styleBoldCyan + `courier` + colorReset + ` v` + buildinfo.Current().Version + ` — drive claude and codex from chat.

  A Telegram bot routes prompts to coding engines, runs them inside your
  projects (or per-topic git worktrees), streams progress, and delivers
  the answer back to the conversation. Scheduled heartbeat tasks run the
  same engines unattended.

` + colorBold + `Getting Started:` + colorReset + `
  courier engines                 Check which engines are available
  courier login claude            Authenticate an engine CLI
  courier daemon                  Start the bot, scheduler and status server
  courier watch                   Live dashboard of running sessions
  courier heartbeat               List scheduled tasks

` + colorBold + `Configuration:` + colorReset + `
  ~/.courier/courier.toml (or COURIER_CONFIG)
  COURIER_TELEGRAM_TOKEN and COURIER_ANTHROPIC_KEY override file values.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return cmd.Help()
		}
		if _, statErr := os.Stat(path); statErr != nil {
			fmt.Println(styleBoldYellow + "No courier config found." + colorReset)
			fmt.Println("Create " + styleBoldWhite + path + colorReset + " and run " + styleBoldWhite + "courier daemon" + colorReset + ".")
			return cmd.Help()
		}
		return runOverview()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.courier/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "courier starting",
			"version", bi.Version,
			"commit", bi.Commit,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		if !errors.Is(err, errSilentExit) {
			fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		}
		debug.Close()
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
