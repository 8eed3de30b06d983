//go:build unix

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/workerd/internal/config"
	"github.com/loykin/workerd/internal/pidfile"
)

// daemonEnv marks the re-executed background master.
const daemonEnv = "WORKERD_DAEMONIZED"

// DaemonStartTimeout bounds the wait for the background master's pid file.
const DaemonStartTimeout = 5 * time.Second

func daemonized() bool { return os.Getenv(daemonEnv) == "1" }

// daemonize re-executes the program without the daemon flag in a new
// session and returns once the child has written the pid file.
func daemonize(out io.Writer, cfg *config.Config, args []string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, stripDaemonFlag(args)...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	if cfg.Log.Dir != "" {
		if err := os.MkdirAll(cfg.Log.Dir, 0o750); err != nil {
			return err
		}
		// #nosec G304
		f, err := os.OpenFile(filepath.Join(cfg.Log.Dir, "master.out"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open output file: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.NewTimer(DaemonStartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited")
			}
			return fmt.Errorf("daemon failed to start: %w", err)
		case <-tick.C:
			if pid, err := pidfile.Read(cfg.Supervisor.PIDFile); err == nil && pid == cmd.Process.Pid {
				_, _ = fmt.Fprintf(out, "workerd started in background, pid %d\n", pid)
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("daemon (pid %d) did not write %s within %s", cmd.Process.Pid, cfg.Supervisor.PIDFile, DaemonStartTimeout)
		}
	}
}

// stripDaemonFlag removes -d/--daemon, including inside short flag groups
// such as -df.
func stripDaemonFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch {
		case a == "-d" || a == "--daemon" || strings.HasPrefix(a, "--daemon="):
			continue
		case len(a) > 2 && a[0] == '-' && a[1] != '-' && !strings.Contains(a, "="):
			rest := strings.ReplaceAll(a[1:], "d", "")
			if rest == "" {
				continue
			}
			a = "-" + rest
		}
		out = append(out, a)
	}
	return out
}
