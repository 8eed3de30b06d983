//go:build unix

package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loykin/workerd/internal/logger"
	"github.com/loykin/workerd/internal/pool"
	"github.com/loykin/workerd/internal/supervisor"
	"github.com/loykin/workerd/internal/worker"
)

func newWorkerCommand(flags *GlobalFlags, specs []*pool.Spec) *cobra.Command {
	var poolName string
	var slot int
	cmd := &cobra.Command{
		Use:    supervisor.WorkerCommand,
		Short:  "Run one worker process (started by the master)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(flags, specs, poolName, slot)
		},
	}
	cmd.Flags().StringVar(&poolName, "pool", "", "pool name")
	cmd.Flags().IntVar(&slot, "slot", 0, "slot index within the pool")
	_ = cmd.MarkFlagRequired("pool")
	return cmd
}

func runWorker(flags *GlobalFlags, specs []*pool.Spec, poolName string, slot int) error {
	cfg, set, err := load(flags, specs)
	if err != nil {
		return err
	}
	spec, err := set.Get(poolName)
	if err != nil {
		return err
	}
	log, closer, err := logger.New(cfg.Log, logger.WorkerName(poolName, slot))
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	slog.SetDefault(log)

	w, err := worker.New(worker.Options{
		Spec:       spec,
		Slot:       slot,
		Backend:    cfg.Supervisor.Backend,
		StatusFile: cfg.Supervisor.StatusFile,
		Widths:     supervisor.Widths(set),
		Logger:     log,
	})
	if err != nil {
		return err
	}
	code, err := w.Run(context.Background())
	if code != 0 || err != nil {
		return &ExitError{Code: code, Err: err}
	}
	return nil
}
