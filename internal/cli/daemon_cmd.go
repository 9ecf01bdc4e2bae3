package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agusx1211/courier/internal/config"
	"github.com/agusx1211/courier/internal/debug"
	"github.com/agusx1211/courier/internal/dispatch"
	"github.com/agusx1211/courier/internal/engine"
	"github.com/agusx1211/courier/internal/heartbeat"
	"github.com/agusx1211/courier/internal/router"
	"github.com/agusx1211/courier/internal/status"
	"github.com/agusx1211/courier/internal/telegram"
	"github.com/agusx1211/courier/internal/webserver"
)

// scheduledRunTimeout bounds one scheduled heartbeat run. Manual runs
// through 'courier heartbeat <name>' are only bounded by the user.
const scheduledRunTimeout = 2 * time.Hour

// shutdownTimeout is the grace period for the status server on exit.
const shutdownTimeout = 5 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the Telegram bot, heartbeat scheduler and status server",
	Long: `Run courier's long-lived services in the foreground:

  - the Telegram long-poll loop answering chat prompts
  - the cron scheduler firing heartbeats with a schedule
  - the status server (when web.enabled), feeding 'courier watch'

Stop with Ctrl-C or SIGTERM; in-flight engine runs are cancelled.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	if err := cfg.Validate(reg.Names()); err != nil {
		return err
	}
	client, err := telegramClient(cfg)
	if err != nil {
		return err
	}

	tracker := status.NewTracker()
	disp, err := dispatch.New(dispatch.Options{
		Client:     client,
		Config:     cfg,
		Engines:    reg,
		Classifier: router.NewClassifier(cfg.Router.AnthropicKey),
		Worktrees:  buildWorktrees(cfg),
		Tracker:    tracker,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return disp.Run(ctx)
	})

	scheduled, err := startScheduler(ctx, g, cfg, reg, client, tracker)
	if err != nil {
		return err
	}

	var srv *webserver.Server
	if cfg.Web.Enabled {
		srv = webserver.New(tracker, webserver.Options{
			Addr:      cfg.Web.Addr,
			Advertise: cfg.Web.Advertise,
			Engines:   reg.Names(),
		})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	printDaemonBanner(cfg, reg.Names(), scheduled, srv)
	debug.LogKV("daemon", "started",
		"engines", strings.Join(reg.Names(), ","),
		"scheduled_heartbeats", scheduled,
		"web", cfg.Web.Enabled,
	)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		fmt.Println("\n" + colorDim + "courier daemon stopped" + colorReset)
		return nil
	}
	return err
}

// startScheduler registers every heartbeat with a schedule on a cron
// runner. Overlapping ticks of the same task are skipped, not queued, so
// a slow run cannot pile up behind itself.
func startScheduler(ctx context.Context, g *errgroup.Group, cfg *config.Config, reg *engine.Registry, client *telegram.Client, tracker *status.Tracker) (int, error) {
	names := scheduledHeartbeats(cfg)
	if len(names) == 0 {
		return 0, nil
	}

	runner := &heartbeat.Runner{
		Engines:       reg,
		DefaultEngine: cfg.Router.DefaultEngine,
		DefaultModels: engineModels(cfg),
		DefaultArgs:   engineArgs(cfg),
		Notifier:      &heartbeat.TelegramNotifier{Client: client},
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{})))
	for _, name := range names {
		name, task := name, cfg.Heartbeats[name]
		if _, err := c.AddFunc(task.Schedule, func() {
			runScheduledHeartbeat(ctx, runner, tracker, name, task)
		}); err != nil {
			return 0, fmt.Errorf("heartbeats.%s: schedule %q: %w", name, task.Schedule, err)
		}
	}

	c.Start()
	g.Go(func() error {
		<-ctx.Done()
		// Stop firing new runs, then wait out in-flight jobs. Their
		// contexts descend from ctx, so they are already winding down.
		<-c.Stop().Done()
		return nil
	})
	return len(names), nil
}

// scheduledHeartbeats returns the task names the daemon should schedule,
// in stable order. Tasks without a schedule only run on demand.
func scheduledHeartbeats(cfg *config.Config) []string {
	var names []string
	for _, name := range sortedNames(cfg.Heartbeats) {
		if strings.TrimSpace(cfg.Heartbeats[name].Schedule) != "" {
			names = append(names, name)
		}
	}
	return names
}

func runScheduledHeartbeat(ctx context.Context, runner *heartbeat.Runner, tracker *status.Tracker, name string, task config.HeartbeatConfig) {
	runCtx, cancel := context.WithTimeout(ctx, scheduledRunTimeout)
	defer cancel()

	engineName := task.Engine
	if engineName == "" {
		engineName = runner.DefaultEngine
	}
	id := uuid.NewString()
	tracker.Begin(status.Session{ID: id, Source: "heartbeat:" + name, Engine: engineName})

	res, err := runner.Run(runCtx, name, task, heartbeat.RunOptions{})
	switch {
	case err != nil:
		tracker.End(id, false, err.Error())
	case res.OK:
		tracker.End(id, true, "")
	default:
		tracker.End(id, false, res.Error)
	}
}

func printDaemonBanner(cfg *config.Config, engines []string, scheduled int, srv *webserver.Server) {
	printHeader("courier daemon")
	printField("Engines", strings.Join(engines, ", "))
	printField("Default engine", cfg.Router.DefaultEngine)
	printField("Allowed chats", fmt.Sprintf("%d", len(cfg.Telegram.AllowedChatIDs)))
	if len(cfg.Projects) > 0 {
		printField("Projects", strings.Join(sortedNames(cfg.Projects), ", "))
	}
	if scheduled > 0 {
		printField("Heartbeats", fmt.Sprintf("%d scheduled", scheduled))
	}
	if srv != nil {
		printField("Status server", srv.URL())
		if cfg.Web.Advertise {
			printField("mDNS", "_courier._tcp advertised")
		}
	}
	fmt.Println()
	fmt.Println(colorDim + "  Ctrl-C to stop." + colorReset)
}

// cronLogger adapts the debug logger to the cron.Logger interface.
type cronLogger struct{}

func (cronLogger) Info(msg string, kvs ...interface{}) {
	debug.LogKV("daemon.cron", msg, kvs...)
}

func (cronLogger) Error(err error, msg string, kvs ...interface{}) {
	debug.LogKV("daemon.cron", msg, append([]interface{}{"err", err}, kvs...)...)
}
