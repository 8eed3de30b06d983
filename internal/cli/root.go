//go:build unix

// Package cli is the command line of a workerd program: the master commands
// (start, stop, restart, reload, status, kill) and the hidden worker command
// the master re-executes for every slot.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loykin/workerd/internal/config"
	"github.com/loykin/workerd/internal/pool"
)

// GlobalFlags holds the persistent flags of every command.
type GlobalFlags struct {
	ConfigPath string
	// APIURL sends control commands to the HTTP API instead of signalling
	// the pid from the pid file.
	APIURL string
}

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewRoot builds the command tree for the given pools.
func NewRoot(specs []*pool.Spec) *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   programName(),
		Short: "Multi-process event-driven network workers",
		Long: `Runs a master that keeps a fixed number of worker processes per pool,
restarts them when they die and reloads them one at a time on request.

Examples:
  ` + programName() + ` start -d --config workerd.toml
  ` + programName() + ` status
  ` + programName() + ` reload -f
  ` + programName() + ` stop`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIURL, "api-url", "", "control API base URL, e.g. http://127.0.0.1:8090/api")

	root.AddCommand(
		newStartCommand(flags, specs),
		newRestartCommand(flags, specs),
		newStopCommand(flags),
		newReloadCommand(flags),
		newStatusCommand(flags),
		newKillCommand(flags),
		newWorkerCommand(flags, specs),
	)
	return root
}

// Execute runs the command line and returns the process exit status.
func Execute(specs []*pool.Spec, args []string) int {
	root := NewRoot(specs)
	root.SetArgs(args)
	return run(root, os.Stderr)
}

func run(root *cobra.Command, stderr io.Writer) int {
	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			_, _ = fmt.Fprintln(stderr, ee.Err)
		}
		return ee.Code
	}
	_, _ = fmt.Fprintln(stderr, err)
	return 1
}

func programName() string {
	if len(os.Args) > 0 && os.Args[0] != "" {
		return filepath.Base(os.Args[0])
	}
	return "workerd"
}

// load reads the config and applies its [[pools]] overrides to specs.
func load(flags *GlobalFlags, specs []*pool.Spec) (*config.Config, *pool.Set, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Apply(specs); err != nil {
		return nil, nil, err
	}
	set, err := pool.NewSet(specs...)
	if err != nil {
		return nil, nil, err
	}
	return cfg, set, nil
}
