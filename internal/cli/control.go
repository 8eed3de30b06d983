//go:build unix

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/loykin/workerd/internal/config"
	"github.com/loykin/workerd/internal/pidfile"
	"github.com/loykin/workerd/internal/pool"
	"github.com/loykin/workerd/pkg/client"
)

const (
	// StopWait is how long stop waits for the master to exit.
	StopWait = 5 * time.Second
	// StatusWait gives the workers time to append their lines.
	StatusWait = 100 * time.Millisecond

	pollInterval = 50 * time.Millisecond
)

var ErrNotRunning = errors.New("workerd is not running")

func newStopCommand(flags *GlobalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the master after its workers have exited",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.APIURL != "" {
				return apiClient(flags).Stop(cmd.Context(), force)
			}
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			if err := stopMaster(cfg, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "workerd stopped")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "kill workers that outlive kill_timeout")
	return cmd
}

func newRestartCommand(flags *GlobalFlags, specs []*pool.Spec) *cobra.Command {
	sf := &startFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the running master, then start again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			if err := stopMaster(cfg, sf.Force); err != nil && !errors.Is(err, ErrNotRunning) {
				return err
			}
			return start(cmd, flags, specs, sf)
		},
	}
	cmd.Flags().BoolVarP(&sf.Daemon, "daemon", "d", false, "run in the background")
	cmd.Flags().BoolVarP(&sf.Force, "force", "f", false, "force kill workers that outlive kill_timeout")
	return cmd
}

func newReloadCommand(flags *GlobalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Restart the workers one at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.APIURL != "" {
				return apiClient(flags).Reload(cmd.Context(), force)
			}
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			pid, err := masterPID(cfg)
			if err != nil {
				return err
			}
			if force {
				if err := unix.Kill(pid, pool.SigForce); err != nil {
					return err
				}
			}
			if err := unix.Kill(pid, pool.SigReload); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "workerd reloading")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "kill workers that outlive kill_timeout")
	return cmd
}

func newStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the master and worker status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.APIURL != "" {
				snap, err := apiClient(flags).Status(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func newKillCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "SIGKILL the master and every worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			pid, err := masterPID(cfg)
			if err != nil {
				return err
			}
			n := killTree(pid)
			_ = pidfile.Remove(cfg.Supervisor.PIDFile)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "workerd killed (%d processes)\n", n)
			return nil
		},
	}
}

func apiClient(flags *GlobalFlags) *client.Client {
	return client.New(client.Config{BaseURL: flags.APIURL})
}

func masterPID(cfg *config.Config) (int, error) {
	pid, ok := pidfile.Running(cfg.Supervisor.PIDFile)
	if !ok {
		return 0, fmt.Errorf("%w (pid file %s)", ErrNotRunning, cfg.Supervisor.PIDFile)
	}
	return pid, nil
}

// stopMaster signals the master and waits for it to exit.
func stopMaster(cfg *config.Config, force bool) error {
	pid, err := masterPID(cfg)
	if err != nil {
		return err
	}
	wait := StopWait
	if force {
		if err := unix.Kill(pid, pool.SigForce); err != nil {
			return err
		}
		wait += cfg.Supervisor.KillTimeout
	}
	if err := unix.Kill(pid, pool.SigStop); err != nil {
		return err
	}
	if !waitExit(pid, wait) {
		return fmt.Errorf("workerd (pid %d) still running after %s", pid, wait)
	}
	return nil
}

func waitExit(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !pidfile.Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

func printStatus(w io.Writer, cfg *config.Config) error {
	pid, err := masterPID(cfg)
	if err != nil {
		return err
	}
	if err := unix.Kill(pid, pool.SigStatus); err != nil {
		return err
	}
	time.Sleep(StatusWait)
	f, err := os.Open(cfg.Supervisor.StatusFile)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}

// killTree SIGKILLs the children of pid and then pid itself. It returns the
// number of processes signalled.
func killTree(pid int) int {
	n := 0
	if p, err := process.NewProcessWithContext(context.Background(), int32(pid)); err == nil {
		if children, err := p.Children(); err == nil {
			for _, c := range children {
				if unix.Kill(int(c.Pid), syscall.SIGKILL) == nil {
					n++
				}
			}
		}
	}
	if unix.Kill(pid, syscall.SIGKILL) == nil {
		n++
	}
	return n
}
