package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// loginArgs maps an engine to the argv that starts its auth flow.
var loginArgs = map[string][]string{
	"claude": {"/login"},
	"codex":  {"login"},
}

var loginCmd = &cobra.Command{
	Use:   "login <engine>",
	Short: "Run an engine's interactive authentication flow",
	Long: `Run the engine CLI's own login flow attached to a pseudo-terminal,
so interactive auth works even when courier runs on a headless box you
reached over SSH.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	name := strings.ToLower(strings.TrimSpace(args[0]))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	if _, ok := reg.Get(name); !ok {
		return fmt.Errorf("unknown engine %q (available: %s)", name, strings.Join(reg.Names(), ", "))
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("login is interactive: run it from a terminal")
	}

	binary := name
	if ec, ok := cfg.Engines[name]; ok && ec.Command != "" {
		binary = ec.Command
	}

	c := exec.Command(binary, loginArgs[name]...)
	ptmx, err := pty.Start(c)
	if err != nil {
		return fmt.Errorf("starting %s: %w", binary, err)
	}
	defer ptmx.Close()

	// Mirror terminal resizes into the pty; the first signal is sent by
	// hand to establish the initial size.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			_ = pty.InheritSize(os.Stdin, ptmx)
		}
	}()
	winch <- syscall.SIGWINCH

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("entering raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	go func() {
		_, _ = io.Copy(ptmx, os.Stdin)
	}()
	_, _ = io.Copy(os.Stdout, ptmx)

	if err := c.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d", binary, exitErr.ExitCode())
		}
		return err
	}
	return nil
}
