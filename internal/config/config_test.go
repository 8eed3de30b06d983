package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/workerd/internal/pool"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "workerd.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Supervisor.KillTimeout != 5*time.Second || c.Supervisor.RespawnDelay != time.Second {
		t.Fatalf("unexpected supervisor defaults: %+v", c.Supervisor)
	}
	if c.Supervisor.Backend != "auto" {
		t.Fatalf("backend = %q", c.Supervisor.Backend)
	}
	if !strings.HasSuffix(c.Supervisor.PIDFile, "workerd.pid") || !strings.HasSuffix(c.Supervisor.StatusFile, "workerd.status") {
		t.Fatalf("unexpected file defaults: %+v", c.Supervisor)
	}
	if c.API.Listen != "127.0.0.1:8090" || c.API.BasePath != "/api" {
		t.Fatalf("unexpected api defaults: %+v", c.API)
	}
	if c.Metrics.Workers.Interval != 5*time.Second || c.History.Buffer != 256 {
		t.Fatalf("unexpected defaults: metrics=%+v history=%+v", c.Metrics, c.History)
	}
	if c.Path() != "" {
		t.Fatalf("defaults have no path, got %q", c.Path())
	}
}

func TestLoad_Full(t *testing.T) {
	file := writeTOML(t, `
[supervisor]
pid_file = "/run/workerd/master.pid"
status_file = "/run/workerd/status"
backend = "poll"
kill_timeout = "2s"
respawn_delay = "250ms"
watch_config = true
env = ["REDIS_HOST=cache"]

[log]
dir = "/var/log/workerd"
level = "debug"
format = "json"
max_backups = 9

[metrics]
enabled = true
  [metrics.workers]
  enabled = true
  interval = "1s"

[api]
enabled = true
listen = ":9000"
base_path = "ctl"

[history]
enabled = true
sinks = ["sqlite:///var/lib/workerd/history.db"]

[[pools]]
name = "consumer"
count = 4
reloadable = true
env = ["QUEUE=jobs"]
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := c.Supervisor
	if s.PIDFile != "/run/workerd/master.pid" || s.Backend != "poll" || s.KillTimeout != 2*time.Second || s.RespawnDelay != 250*time.Millisecond || !s.WatchConfig {
		t.Fatalf("unexpected supervisor: %+v", s)
	}
	if c.Log.Dir != "/var/log/workerd" || c.Log.Level != "debug" || c.Log.Format != "json" || c.Log.MaxBackups != 9 {
		t.Fatalf("unexpected log: %+v", c.Log)
	}
	if !c.Metrics.Enabled || !c.Metrics.Workers.Enabled || c.Metrics.Workers.Interval != time.Second {
		t.Fatalf("unexpected metrics: %+v", c.Metrics)
	}
	if c.API.Listen != ":9000" || c.API.BasePath != "/ctl" {
		t.Fatalf("unexpected api: %+v", c.API)
	}
	if len(c.Pools) != 1 || c.Pools[0].Count == nil || *c.Pools[0].Count != 4 || c.Pools[0].Endpoint != nil {
		t.Fatalf("unexpected pools: %+v", c.Pools)
	}
	if !filepath.IsAbs(c.Path()) {
		t.Fatalf("path should be absolute: %q", c.Path())
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	cases := map[string]string{
		"nameless pool":   "[[pools]]\ncount = 1\n",
		"duplicate pool":  "[[pools]]\nname = \"a\"\n[[pools]]\nname = \"a\"\n",
		"negative count":  "[[pools]]\nname = \"a\"\ncount = -1\n",
		"history no sink": "[history]\nenabled = true\n",
		"bad duration":    "[supervisor]\nkill_timeout = \"soon\"\n",
		"not toml":        "[supervisor\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeTOML(t, data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WORKERD_SUPERVISOR_STATUS_FILE", "/tmp/from-env.status")
	c, err := Load(writeTOML(t, "[supervisor]\nstatus_file = \"/tmp/from-file.status\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Supervisor.StatusFile != "/tmp/from-env.status" {
		t.Fatalf("status_file = %q", c.Supervisor.StatusFile)
	}
}

func TestApply(t *testing.T) {
	c, err := Load(writeTOML(t, `
[[pools]]
name = "consumer"
endpoint = "redis://10.0.0.5:6379"
count = 3
reloadable = false
max_package_size = 4096
`))
	if err != nil {
		t.Fatal(err)
	}
	consumer := &pool.Spec{Name: "consumer", Endpoint: "redis://127.0.0.1:6379", Count: 1, Reloadable: true, HighWaterMark: 512}
	other := &pool.Spec{Name: "other", Endpoint: "tcp://127.0.0.1:9000"}
	if err := c.Apply([]*pool.Spec{consumer, other}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if consumer.Endpoint != "redis://10.0.0.5:6379" || consumer.Count != 3 || consumer.Reloadable || consumer.MaxPackageSize != 4096 {
		t.Fatalf("overrides not applied: %+v", consumer)
	}
	if consumer.HighWaterMark != 512 {
		t.Fatalf("unset field overwritten: %d", consumer.HighWaterMark)
	}
	if other.Count != 0 || other.Endpoint != "tcp://127.0.0.1:9000" {
		t.Fatalf("unlisted pool touched: %+v", other)
	}

	err = c.Apply([]*pool.Spec{other})
	if !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkerEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("A=file\n# comment\nB=file\n\nC = spaced \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(writeTOML(t, `
[supervisor]
env_files = ["`+dotenv+`"]
env = ["B=global", "D=global", "=skipped"]

[[pools]]
name = "consumer"
env = ["D=pool"]
`))
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.WorkerEnv("consumer")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A=file", "B=global", "C=spaced", "D=pool"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("env = %v, want %v", got, want)
	}
	other, _ := c.WorkerEnv("other")
	if strings.Join(other, ",") != "A=file,B=global,C=spaced,D=global" {
		t.Fatalf("other env = %v", other)
	}

	c.Supervisor.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	if _, err := c.WorkerEnv("consumer"); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
