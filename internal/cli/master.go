//go:build unix

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/workerd/internal/config"
	"github.com/loykin/workerd/internal/history"
	"github.com/loykin/workerd/internal/history/factory"
	"github.com/loykin/workerd/internal/logger"
	"github.com/loykin/workerd/internal/metrics"
	"github.com/loykin/workerd/internal/pidfile"
	"github.com/loykin/workerd/internal/pool"
	"github.com/loykin/workerd/internal/server"
	"github.com/loykin/workerd/internal/supervisor"
)

// ShutdownTimeout bounds the teardown of the API server and history sinks.
const ShutdownTimeout = 5 * time.Second

type startFlags struct {
	Daemon bool
	Force  bool
}

func newStartCommand(flags *GlobalFlags, specs []*pool.Spec) *cobra.Command {
	sf := &startFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the master and its workers",
		Long: `Start the master in the foreground, or in the background with -d.
With -f the first stop or reload escalates to SIGKILL after kill_timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(cmd, flags, specs, sf)
		},
	}
	cmd.Flags().BoolVarP(&sf.Daemon, "daemon", "d", false, "run in the background")
	cmd.Flags().BoolVarP(&sf.Force, "force", "f", false, "force kill workers that outlive kill_timeout")
	return cmd
}

func start(cmd *cobra.Command, flags *GlobalFlags, specs []*pool.Spec, sf *startFlags) error {
	cfg, set, err := load(flags, specs)
	if err != nil {
		return err
	}
	if pid, ok := pidfile.Running(cfg.Supervisor.PIDFile); ok {
		return fmt.Errorf("%w (pid %d)", pidfile.ErrRunning, pid)
	}
	if sf.Daemon && !daemonized() {
		return daemonize(cmd.OutOrStdout(), cfg, os.Args[1:])
	}
	return runMaster(cfg, set, sf.Force)
}

// runMaster wires the ambient services around a supervisor and blocks until
// it has stopped.
func runMaster(cfg *config.Config, set *pool.Set, force bool) error {
	log, closer, err := logger.New(cfg.Log, logger.MasterName)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	slog.SetDefault(log)

	spawner, err := newSpawner(cfg, set, log)
	if err != nil {
		return err
	}

	var dispatcher *history.Dispatcher
	if cfg.History.Enabled {
		sinks, err := factory.Open(cfg.History.Sinks)
		if err != nil {
			return err
		}
		dispatcher = history.NewDispatcher(cfg.History.Buffer, log, sinks...)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			if err := dispatcher.Close(ctx); err != nil {
				log.Warn("history close", "error", err)
			}
		}()
	}

	collector := metrics.NewWorkerCollector(cfg.Metrics.Workers)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		if err := collector.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return err
		}
	}

	sup, err := supervisor.New(supervisor.Options{
		Pools:        set,
		Spawner:      spawner,
		Backend:      cfg.Supervisor.Backend,
		PIDFile:      cfg.Supervisor.PIDFile,
		StatusFile:   cfg.Supervisor.StatusFile,
		Logger:       log,
		KillTimeout:  cfg.Supervisor.KillTimeout,
		RespawnDelay: cfg.Supervisor.RespawnDelay,
		OnEvent: func(ev supervisor.Event) {
			if dispatcher != nil {
				dispatcher.Publish(historyEvent(ev))
			}
		},
	})
	if err != nil {
		return err
	}
	if force {
		sup.Force()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := collector.Start(ctx, func() []metrics.Target { return targets(ctx, sup) }); err != nil {
		return err
	}
	defer collector.Stop()

	if cfg.API.Enabled {
		router := server.NewRouter(sup, cfg.API.BasePath).WithUsage(collector)
		if cfg.Metrics.Enabled {
			router.WithMetrics(metrics.Handler())
		}
		srv := server.NewServer(cfg.API.Listen, router.Handler(), log)
		log.Info("control api listening", "addr", cfg.API.Listen, "base", cfg.API.BasePath)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("control api shutdown", "error", err)
			}
		}()
	}

	if cfg.Supervisor.WatchConfig && cfg.Path() != "" {
		if err := config.Watch(ctx, cfg.Path(), log, sup.Reload); err != nil {
			log.Warn("config watch disabled", "error", err)
		}
	}

	return sup.Run(ctx)
}

func newSpawner(cfg *config.Config, set *pool.Set, log *slog.Logger) (*supervisor.ExecSpawner, error) {
	sp := &supervisor.ExecSpawner{
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Logger:  log,
		PoolEnv: make(map[string][]string),
	}
	if cfg.Path() != "" {
		sp.ExtraArgs = []string{"--config", cfg.Path()}
	}
	for _, spec := range set.All() {
		env, err := cfg.WorkerEnv(spec.Name)
		if err != nil {
			return nil, err
		}
		sp.PoolEnv[spec.Name] = env
	}
	return sp, nil
}

// targets lists the live workers for resource sampling.
func targets(ctx context.Context, sup *supervisor.Supervisor) []metrics.Target {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	snap, err := sup.Snapshot(ctx)
	if err != nil {
		return nil
	}
	var out []metrics.Target
	for _, p := range snap.Pools {
		for _, w := range p.Workers {
			out = append(out, metrics.Target{Pool: p.Name, Slot: w.Slot, PID: w.PID})
		}
	}
	return out
}

func historyEvent(ev supervisor.Event) history.Event {
	return history.Event{
		Type:       history.EventType(ev.Kind),
		OccurredAt: ev.At,
		Pool:       ev.Pool,
		Slot:       ev.Slot,
		PID:        ev.PID,
		Status:     ev.Status,
		UptimeMS:   ev.Uptime.Milliseconds(),
	}
}
