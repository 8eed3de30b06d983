//go:build unix

package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/workerd/internal/demux"
	"github.com/loykin/workerd/internal/pidfile"
	"github.com/loykin/workerd/internal/pool"
)

type fakeProc struct {
	pid        int
	slot       int
	pool       string
	reloadable bool
	exit       chan int
	once       sync.Once
	react      func(p *fakeProc, sig os.Signal)

	mu   sync.Mutex
	sigs []os.Signal
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.sigs = append(p.sigs, sig)
	p.mu.Unlock()
	if sig == pool.SigKill {
		p.Exit(128 + 9)
		return nil
	}
	if p.react != nil {
		p.react(p, sig)
	}
	return nil
}

func (p *fakeProc) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.sigs...)
}

func (p *fakeProc) Wait() (int, error) { return <-p.exit, nil }

func (p *fakeProc) Exit(code int) { p.once.Do(func() { p.exit <- code }) }

type fakeSpawner struct {
	react func(p *fakeProc, sig os.Signal)
	// fail is consulted with the 1-based spawn attempt number.
	fail func(attempt int) error

	mu       sync.Mutex
	attempts int
	procs    []*fakeProc
}

func (f *fakeSpawner) Spawn(spec *pool.Spec, slot int) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fail != nil {
		if err := f.fail(f.attempts); err != nil {
			return nil, err
		}
	}
	p := &fakeProc{
		pid:        20000 + len(f.procs),
		slot:       slot,
		pool:       spec.Name,
		reloadable: spec.Reloadable,
		exit:       make(chan int, 1),
		react:      f.react,
	}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) Procs() []*fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProc(nil), f.procs...)
}

// cooperative exits on stop, and on reload when its pool is reloadable.
func cooperative(p *fakeProc, sig os.Signal) {
	switch sig {
	case pool.SigStop, pool.SigTerm:
		p.Exit(0)
	case pool.SigReload:
		if p.reloadable {
			p.Exit(0)
		}
	}
}

func consumer(name string, count int, reloadable bool) *pool.Spec {
	return &pool.Spec{Name: name, Endpoint: "redis://127.0.0.1:6379", Count: count, Reloadable: reloadable}
}

func newSupervisor(t *testing.T, sp Spawner, opts Options, specs ...*pool.Spec) *Supervisor {
	t.Helper()
	set, err := pool.NewSet(specs...)
	require.NoError(t, err)
	opts.Pools = set
	opts.Spawner = sp
	opts.Backend = demux.BackendPoll
	if opts.RespawnDelay == 0 {
		opts.RespawnDelay = 20 * time.Millisecond
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func start(ctx context.Context, s *Supervisor) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Run(ctx) }()
	return ch
}

func waitRun(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not return")
	}
	return nil
}

func snapshot(t *testing.T, s *Supervisor) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

func count(sp *fakeSpawner, n int) func() bool {
	return func() bool { return len(sp.Procs()) == n }
}

func TestCrashedWorkerIsReplacedOnce(t *testing.T) {
	sp := &fakeSpawner{react: cooperative}
	s := newSupervisor(t, sp, Options{}, consumer("consumer", 2, false))
	done := start(context.Background(), s)
	require.Eventually(t, count(sp, 2), time.Second, 5*time.Millisecond)

	victim := sp.Procs()[0]
	victim.Exit(3)
	require.Eventually(t, count(sp, 3), time.Second, 5*time.Millisecond)

	snap := snapshot(t, s)
	assert.Equal(t, "running", snap.Status)
	p, ok := snap.Pool("consumer")
	require.True(t, ok)
	assert.Len(t, p.Workers, 2)
	assert.Equal(t, map[int]int{3: 1}, p.Exits)
	assert.NotContains(t, snap.PIDs(), victim.pid)
	assert.Equal(t, victim.slot, sp.Procs()[2].slot, "replacement takes over the slot")

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sp.Procs(), 3)

	s.Stop()
	require.NoError(t, waitRun(t, done))
}

func TestReloadReplacesEachReloadableWorkerOnce(t *testing.T) {
	var (
		mu       sync.Mutex
		inflight int
		peak     int
	)
	sp := &fakeSpawner{}
	sp.react = func(p *fakeProc, sig os.Signal) {
		switch sig {
		case pool.SigStop:
			p.Exit(0)
		case pool.SigReload:
			if !p.reloadable {
				return
			}
			mu.Lock()
			inflight++
			peak = max(peak, inflight)
			mu.Unlock()
			go func() {
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				inflight--
				mu.Unlock()
				p.Exit(0)
			}()
		}
	}
	s := newSupervisor(t, sp, Options{},
		consumer("jobs", 3, true),
		consumer("pinned", 1, false),
	)
	done := start(context.Background(), s)
	require.Eventually(t, count(sp, 4), time.Second, 5*time.Millisecond)
	originals := sp.Procs()

	s.Reload()
	require.Eventually(t, func() bool {
		return len(sp.Procs()) == 7 && snapshot(t, s).Status == "running"
	}, 2*time.Second, 10*time.Millisecond)

	snap := snapshot(t, s)
	live := snap.PIDs()
	for _, p := range originals {
		assert.Equal(t, []os.Signal{pool.SigReload}, p.Signals(), "pid %d", p.pid)
		if p.reloadable {
			assert.NotContains(t, live, p.pid)
		} else {
			assert.Contains(t, live, p.pid)
		}
	}
	jobs, _ := snap.Pool("jobs")
	assert.Equal(t, map[int]int{0: 3}, jobs.Exits)
	assert.Len(t, jobs.Workers, 3)
	assert.Equal(t, 0, snap.Pending)
	mu.Lock()
	assert.Equal(t, 1, peak, "one reload in flight at a time")
	mu.Unlock()

	s.Stop()
	require.NoError(t, waitRun(t, done))
}

func TestStopRemovesPIDFileWithoutRespawn(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "workerd.pid")
	sp := &fakeSpawner{react: cooperative}
	s := newSupervisor(t, sp, Options{PIDFile: pidPath}, consumer("a", 2, false), consumer("b", 1, true))
	done := start(context.Background(), s)
	require.Eventually(t, count(sp, 3), time.Second, 5*time.Millisecond)

	pid, err := pidfile.Read(pidPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	s.Stop()
	require.NoError(t, waitRun(t, done))
	assert.NoFileExists(t, pidPath)
	assert.Len(t, sp.Procs(), 3)
	for _, p := range sp.Procs() {
		assert.Equal(t, []os.Signal{pool.SigStop}, p.Signals())
	}
}

func TestForceEscalatesToKill(t *testing.T) {
	for _, name := range []string{"force_then_stop", "stop_then_force"} {
		t.Run(name, func(t *testing.T) {
			var (
				mu     sync.Mutex
				events []Event
			)
			sp := &fakeSpawner{} // ignores everything but SIGKILL
			s := newSupervisor(t, sp, Options{
				KillTimeout: 40 * time.Millisecond,
				OnEvent: func(ev Event) {
					mu.Lock()
					events = append(events, ev)
					mu.Unlock()
				},
			}, consumer("stuck", 2, false))
			done := start(context.Background(), s)
			require.Eventually(t, count(sp, 2), time.Second, 5*time.Millisecond)

			if name == "force_then_stop" {
				s.Force()
				s.Stop()
			} else {
				s.Stop()
				time.Sleep(20 * time.Millisecond)
				s.Force()
			}
			require.NoError(t, waitRun(t, done))

			for _, p := range sp.Procs() {
				assert.Equal(t, []os.Signal{pool.SigStop, pool.SigKill}, p.Signals())
			}
			mu.Lock()
			defer mu.Unlock()
			kills, exits := 0, 0
			for _, ev := range events {
				switch ev.Kind {
				case EventKill:
					kills++
				case EventExit:
					exits++
					assert.Equal(t, 137, ev.Status)
				}
			}
			assert.Equal(t, 2, kills)
			assert.Equal(t, 2, exits)
		})
	}
}

func TestStopOverridesReload(t *testing.T) {
	sp := &fakeSpawner{react: func(p *fakeProc, sig os.Signal) {
		if sig == pool.SigStop {
			p.Exit(0)
		}
	}}
	s := newSupervisor(t, sp, Options{}, consumer("slow", 2, true))
	done := start(context.Background(), s)
	require.Eventually(t, count(sp, 2), time.Second, 5*time.Millisecond)

	s.Reload()
	require.Eventually(t, func() bool {
		snap := snapshot(t, s)
		return snap.Status == "reloading" && snap.Reloading != 0
	}, time.Second, 5*time.Millisecond)
	s.Reload() // ignored while one is in progress

	s.Stop()
	require.NoError(t, waitRun(t, done))
	procs := sp.Procs()
	require.Len(t, procs, 2)
	assert.Equal(t, []os.Signal{pool.SigReload, pool.SigStop}, procs[0].Signals())
	assert.Equal(t, []os.Signal{pool.SigStop}, procs[1].Signals())
}

func TestStatusDumpWritesMasterSectionAndSignalsWorkers(t *testing.T) {
	file := filepath.Join(t.TempDir(), "status")
	sp := &fakeSpawner{react: cooperative}
	s := newSupervisor(t, sp, Options{StatusFile: file}, consumer("consumer", 2, false))
	done := start(context.Background(), s)
	require.Eventually(t, count(sp, 2), time.Second, 5*time.Millisecond)
	sp.Procs()[1].Exit(250)
	require.Eventually(t, count(sp, 3), time.Second, 5*time.Millisecond)

	s.DumpStatus()
	require.Eventually(t, func() bool {
		_, err := os.Stat(file)
		return err == nil && len(sp.Procs()[2].Signals()) == 1
	}, time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "GLOBAL STATUS")
	assert.Contains(t, text, "1 pools       2 processes")
	assert.Contains(t, text, "consumer 250")
	assert.True(t, strings.HasSuffix(text, "throw_exception\n"))
	assert.Equal(t, []os.Signal{pool.SigStatus}, sp.Procs()[0].Signals())

	s.Stop()
	require.NoError(t, waitRun(t, done))
}

func TestSpawnFailureAtStartupIsFatal(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "workerd.pid")
	boom := errors.New("fork failed")
	sp := &fakeSpawner{fail: func(n int) error {
		if n == 2 {
			return boom
		}
		return nil
	}}
	s := newSupervisor(t, sp, Options{PIDFile: pidPath}, consumer("consumer", 3, false))

	err := s.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.NoFileExists(t, pidPath)
	procs := sp.Procs()
	require.Len(t, procs, 1)
	assert.Equal(t, []os.Signal{pool.SigKill}, procs[0].Signals())
}

func TestRespawnFailureIsRetried(t *testing.T) {
	sp := &fakeSpawner{react: cooperative, fail: func(n int) error {
		if n == 2 {
			return errors.New("temporarily out of processes")
		}
		return nil
	}}
	s := newSupervisor(t, sp, Options{RespawnDelay: 30 * time.Millisecond}, consumer("consumer", 1, false))
	done := start(context.Background(), s)
	require.Eventually(t, count(sp, 1), time.Second, 5*time.Millisecond)

	sp.Procs()[0].Exit(1)
	require.Eventually(t, count(sp, 2), time.Second, 5*time.Millisecond)
	p, _ := snapshot(t, s).Pool("consumer")
	assert.Len(t, p.Workers, 1)
	assert.Equal(t, 0, p.Workers[0].Slot)

	s.Stop()
	require.NoError(t, waitRun(t, done))
}

func TestLiveMasterBlocksStartup(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "workerd.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getppid())+"\n"), 0o644))
	sp := &fakeSpawner{}
	s := newSupervisor(t, sp, Options{PIDFile: pidPath}, consumer("consumer", 1, false))

	err := s.Run(context.Background())
	require.ErrorIs(t, err, pidfile.ErrRunning)
	assert.Empty(t, sp.Procs())
	assert.FileExists(t, pidPath)
}

func TestContextCancelStops(t *testing.T) {
	sp := &fakeSpawner{react: cooperative}
	s := newSupervisor(t, sp, Options{}, consumer("consumer", 2, false))
	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, s)
	require.Eventually(t, count(sp, 2), time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))
}
