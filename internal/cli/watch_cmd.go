package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/courier/internal/watchtui"
)

var watchCmd = &cobra.Command{
	Use:   "watch [url]",
	Short: "Live dashboard of engine sessions",
	Long: `Open a terminal dashboard tailing the daemon's status feed: active
engine runs with their latest action, and the recent event log.

The daemon's status server must be enabled (web.enabled). The url
argument overrides the configured address, e.g. to watch a courier on
another machine.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return fmt.Errorf("watch needs a terminal; use the status page or /api/status instead")
	}

	var url string
	if len(args) == 1 {
		url = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Web.Enabled {
			return fmt.Errorf("status server disabled: set web.enabled in the config, or pass a url")
		}
		url = webBaseURL(cfg)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return watchtui.Run(ctx, url)
}
