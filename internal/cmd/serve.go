package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/foreman/internal/beads"
	"github.com/zulandar/foreman/internal/config"
	"github.com/zulandar/foreman/internal/eventbus"
	"github.com/zulandar/foreman/internal/notify"
	"github.com/zulandar/foreman/internal/progress"
	"github.com/zulandar/foreman/internal/registry"
	"github.com/zulandar/foreman/internal/retry"
	"github.com/zulandar/foreman/internal/supervisor"
	"github.com/zulandar/foreman/internal/telemetry"
	"github.com/zulandar/foreman/internal/watchdog"
	"github.com/zulandar/foreman/internal/worker"
)

var (
	serveRepo        string
	serveConcurrency int
	serveWorkerCmd   string
	serveWorkerArgs  []string
	serveConfigPath  string
	serveTrace       bool
	serveIdleSleep   = 2 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor loop against a Bead store until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveRepo, "repo", ".", "path to the git repository holding .beads/")
	serveCmd.Flags().IntVar(&serveConcurrency, "concurrency", 0, "number of concurrent supervisor loops (0 = use config)")
	serveCmd.Flags().StringVar(&serveWorkerCmd, "worker-cmd", "claude", "executable invoked once per claimed Bead")
	serveCmd.Flags().StringSliceVar(&serveWorkerArgs, "worker-arg", nil, "argument template entry (repeatable); {{workdir}} and {{promptfile}} are substituted")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to a YAML settings file (defaults to <repo>/.beads/config.yaml)")
	serveCmd.Flags().BoolVar(&serveTrace, "trace", false, "emit claim/spawn/watchdog-sweep tracing spans as JSON to stderr")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := serveConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath(serveRepo)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fatalf("loading config: %w", err)
	}
	if !cfg.UseBeads {
		return fatalf("serve: USE_BEADS=false selects an out-of-scope backend; this build only implements the git-backed Bead store")
	}

	store, err := beads.Open(serveRepo, true)
	if err != nil {
		return fatalf("opening bead store: %w", err)
	}

	bus := eventbus.New()
	reg := registry.New()
	retryCtrl := retry.NewController(cfg.MaxRetries)
	tracker := progress.NewTracker(func(p progress.TaskProgress) {
		bus.EmitTyped(eventbus.EventTaskProgress, map[string]any{
			"task_id": p.TaskID,
			"stage":   string(p.Stage),
			"percent": p.PercentDone,
		})
	})
	sink := notify.New(cfg.WebhookURL)

	workerArgs := serveWorkerArgs
	if len(workerArgs) == 0 {
		workerArgs = []string{"{{promptfile}}"}
	}
	driver := &worker.Driver{
		Command:       serveWorkerCmd,
		Args:          workerArgs,
		MemoryLimitGB: cfg.MemoryLimitGB,
	}

	concurrency := serveConcurrency
	if concurrency <= 0 {
		concurrency = cfg.Concurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	sup := supervisor.New(supervisor.Options{
		Store:           store,
		Bus:             bus,
		Tracker:         tracker,
		Registry:        reg,
		RetryController: retryCtrl,
		Notifier:        sink,
		Driver:          driver,
		WorkDir:         serveRepo,
		// cfg.TimeoutMinutes (env TIMEOUT_MINUTES, default 30) doubles as
		// both the claim lock deadline and the per-worker wall-clock cap;
		// supervisor's own defaultWallClockTimeout (600s) only applies when
		// this is left at zero, which never happens once config defaults
		// are layered in.
		LockTimeoutMinutes: cfg.TimeoutMinutes,
		WallClockTimeout:   time.Duration(cfg.TimeoutMinutes) * time.Minute,
	})

	wd := watchdog.New(reg, store, retryCtrl, bus, cfg.StallSeconds)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if serveTrace {
		shutdown, err := telemetry.Init(ctx, "foreman", os.Stderr)
		if err != nil {
			return fatalf("starting tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	wd.Start(ctx)

	fmt.Fprintf(os.Stdout, "foreman: serving %s with %d supervisor(s), worker=%s %s\n",
		serveRepo, concurrency, serveWorkerCmd, strings.Join(workerArgs, " "))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			supervisorLoop(ctx, sup)
		}()
	}
	wg.Wait()

	return nil
}

func supervisorLoop(ctx context.Context, sup *supervisor.Supervisor) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := sup.Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "foreman: supervisor run: %v\n", err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return
			case <-time.After(serveIdleSleep):
			}
		}
	}
}
