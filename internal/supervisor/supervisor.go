//go:build unix

// Package supervisor is the master process: it spawns the declared worker
// pools, keeps them at their declared size, and turns control signals into
// stop, reload and status actions. All state lives on one event loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/loykin/workerd/internal/demux"
	"github.com/loykin/workerd/internal/metrics"
	"github.com/loykin/workerd/internal/pidfile"
	"github.com/loykin/workerd/internal/pool"
	"github.com/loykin/workerd/internal/status"
	"github.com/loykin/workerd/internal/timer"
)

const (
	// KillTimeout is the grace period before a forced stop or reload kills a worker.
	KillTimeout = 5 * time.Second
	// RespawnDelay is the pause before retrying a failed respawn.
	RespawnDelay = time.Second
)

var (
	ErrNoSpawner  = errors.New("supervisor: no spawner")
	ErrNotRunning = errors.New("supervisor: not running")
)

// Options configures a Supervisor.
type Options struct {
	Pools   *pool.Set
	Spawner Spawner
	// Loop is created from Backend when nil.
	Loop       demux.Demultiplexer
	Backend    string
	PIDFile    string
	StatusFile string
	Logger     *slog.Logger

	KillTimeout  time.Duration
	RespawnDelay time.Duration

	// OnEvent observes spawns, exits, reloads and forced kills. It runs on the
	// supervisor loop and must not block.
	OnEvent func(Event)
	Now     func() time.Time
}

type entry struct {
	pid     int
	slot    int
	proc    Process
	started time.Time
}

type poolState struct {
	spec *pool.Spec
	// slots holds the pid occupying each slot, 0 when free.
	slots []int
	procs map[int]*entry
	exits map[int]int
}

// Supervisor owns the process table, the restart set and the exit statistics.
type Supervisor struct {
	opts    Options
	log     *slog.Logger
	loop    demux.Demultiplexer
	ownLoop bool
	now     func() time.Time
	widths  status.Widths

	pools  []*poolState
	byPID  map[int]*poolState
	status pool.Status
	force  bool

	// restart lists reloadable pids still waiting for their reload signal.
	restart   []int
	reloading int
	kills     map[int]timer.ID

	startedAt time.Time
	running   bool
	finished  bool
}

// New prepares a supervisor; nothing is spawned until Run.
func New(opts Options) (*Supervisor, error) {
	if opts.Pools == nil {
		return nil, fmt.Errorf("%w: no pools", pool.ErrInvalidSpec)
	}
	if opts.Spawner == nil {
		return nil, ErrNoSpawner
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = KillTimeout
	}
	if opts.RespawnDelay <= 0 {
		opts.RespawnDelay = RespawnDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		opts:   opts,
		log:    log.With("role", "master"),
		loop:   opts.Loop,
		now:    opts.Now,
		widths: Widths(opts.Pools),
		byPID:  make(map[int]*poolState),
		kills:  make(map[int]timer.ID),
		status: pool.StatusStarting,
	}
	for _, spec := range opts.Pools.All() {
		s.pools = append(s.pools, &poolState{
			spec:  spec,
			slots: make([]int, spec.Count),
			procs: make(map[int]*entry),
			exits: make(map[int]int),
		})
	}
	if s.loop == nil {
		l, err := demux.New(demux.Options{Backend: opts.Backend, Logger: s.log, Now: opts.Now})
		if err != nil {
			return nil, fmt.Errorf("supervisor: %w", err)
		}
		s.loop = l
		s.ownLoop = true
	}
	return s, nil
}

// Widths returns the status file column widths for a pool set.
func Widths(set *pool.Set) status.Widths {
	var names, endpoints []string
	for _, spec := range set.All() {
		names = append(names, spec.Name)
		endpoints = append(endpoints, spec.Endpoint)
	}
	return status.NewWidths(names, endpoints)
}

// Run writes the pid file, spawns every pool and blocks until a stop request
// has been completed by the exit of the last worker. Errors are fatal startup
// errors: the pid file could not be written or a worker could not be spawned.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.ownLoop {
		defer func() { _ = s.loop.Close() }()
	}
	if s.opts.PIDFile != "" {
		if err := pidfile.Acquire(s.opts.PIDFile); err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
	}
	for _, sig := range []os.Signal{pool.SigStop, pool.SigTerm, pool.SigReload, pool.SigStatus, pool.SigForce} {
		if err := s.loop.AddSignal(sig, s.onSignal); err != nil {
			s.abort()
			return fmt.Errorf("supervisor: install signal %v: %w", sig, err)
		}
	}

	s.startedAt = s.now()
	s.setStatus(pool.StatusStarting)
	for _, ps := range s.pools {
		for slot := range ps.slots {
			if err := s.spawn(ps, slot); err != nil {
				s.abort()
				return err
			}
		}
	}
	s.running = true
	s.setStatus(pool.StatusRunning)
	s.log.Info("master started", "pools", len(s.pools), "processes", len(s.byPID), "backend", s.loop.Backend())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.loop.Post(s.requestStop)
		case <-done:
		}
	}()

	if err := s.loop.Run(); err != nil {
		return fmt.Errorf("supervisor: loop: %w", err)
	}
	if !s.finished {
		return fmt.Errorf("supervisor: loop stopped with %d workers alive", len(s.byPID))
	}
	return nil
}

// abort kills whatever was spawned during a failed startup.
func (s *Supervisor) abort() {
	for pid, ps := range s.byPID {
		if e := ps.procs[pid]; e != nil {
			_ = e.proc.Signal(pool.SigKill)
		}
	}
	if s.opts.PIDFile != "" {
		_ = pidfile.Remove(s.opts.PIDFile)
	}
}

func (s *Supervisor) spawn(ps *poolState, slot int) error {
	proc, err := s.opts.Spawner.Spawn(ps.spec, slot)
	if err != nil {
		metrics.IncSpawnFailure(ps.spec.Name)
		return fmt.Errorf("supervisor: spawn %s[%d]: %w", ps.spec.Name, slot, err)
	}
	pid := proc.PID()
	e := &entry{pid: pid, slot: slot, proc: proc, started: s.now()}
	ps.slots[slot] = pid
	ps.procs[pid] = e
	s.byPID[pid] = ps
	metrics.IncSpawn(ps.spec.Name)
	metrics.SetProcesses(ps.spec.Name, len(ps.procs))
	s.emit(Event{Kind: EventSpawn, Pool: ps.spec.Name, Slot: slot, PID: pid})
	s.log.Debug("worker spawned", "pool", ps.spec.Name, "slot", slot, "pid", pid)

	go func() {
		code, err := proc.Wait()
		s.loop.Post(func() { s.reap(pid, code, err) })
	}()
	return nil
}

// reap records one child exit and keeps the pool at its declared size.
func (s *Supervisor) reap(pid, code int, waitErr error) {
	ps, ok := s.byPID[pid]
	if !ok {
		s.log.Warn("exit of untracked process", "pid", pid, "status", code)
		return
	}
	e := ps.procs[pid]
	delete(ps.procs, pid)
	delete(s.byPID, pid)
	ps.slots[e.slot] = 0
	ps.exits[code]++
	if id, ok := s.kills[pid]; ok {
		s.loop.CancelTimer(id)
		delete(s.kills, pid)
	}
	s.restart = slices.DeleteFunc(s.restart, func(p int) bool { return p == pid })

	name := ps.spec.Name
	metrics.IncExit(name, code)
	metrics.SetProcesses(name, len(ps.procs))
	s.emit(Event{Kind: EventExit, Pool: name, Slot: e.slot, PID: pid, Status: code, Uptime: s.now().Sub(e.started)})
	attrs := []any{"pool", name, "slot", e.slot, "pid", pid, "status", code}
	switch {
	case waitErr != nil:
		s.log.Error("wait failed", append(attrs, "error", waitErr)...)
	case code != 0 && s.status != pool.StatusShuttingDown:
		s.log.Warn("worker exited", attrs...)
	default:
		s.log.Info("worker exited", attrs...)
	}

	if s.status == pool.StatusShuttingDown {
		if len(s.byPID) == 0 {
			s.finish()
		}
		return
	}
	s.respawn(ps, e.slot)
	if s.reloading == pid {
		s.reloading = 0
	}
	s.advanceReload()
}

func (s *Supervisor) respawn(ps *poolState, slot int) {
	if err := s.spawn(ps, slot); err != nil {
		s.log.Error("respawn failed", "pool", ps.spec.Name, "slot", slot, "error", err, "retry_in", s.opts.RespawnDelay)
		s.loop.AddTimer(s.opts.RespawnDelay, false, func() {
			if s.status != pool.StatusShuttingDown && ps.slots[slot] == 0 {
				s.respawn(ps, slot)
			}
		})
	}
}

func (s *Supervisor) onSignal(sig os.Signal) {
	switch sig {
	case pool.SigStop, pool.SigTerm:
		s.requestStop()
	case pool.SigReload:
		s.requestReload()
	case pool.SigStatus:
		s.requestStatusDump()
	case pool.SigForce:
		s.requestForce()
	}
}

// requestStop signals every worker; the last exit removes the pid file and
// ends Run. It overrides a reload in progress.
func (s *Supervisor) requestStop() {
	if !s.running || s.finished {
		return
	}
	if s.status != pool.StatusShuttingDown {
		s.log.Info("master stopping", "processes", len(s.byPID), "force", s.force)
		s.setStatus(pool.StatusShuttingDown)
		s.restart = nil
		s.reloading = 0
	}
	if len(s.byPID) == 0 {
		s.finish()
		return
	}
	for _, pid := range s.pids() {
		s.signal(pid, pool.SigStop)
		if s.force {
			s.armKill(pid)
		}
	}
}

// requestReload restarts reloadable pools one process at a time; other pools
// only get the reload signal.
func (s *Supervisor) requestReload() {
	if !s.running || s.status == pool.StatusShuttingDown {
		return
	}
	if s.status == pool.StatusReloading {
		s.log.Info("reload already in progress", "pending", len(s.restart))
		return
	}
	s.setStatus(pool.StatusReloading)
	for _, ps := range s.pools {
		metrics.IncReload(ps.spec.Name)
		s.emit(Event{Kind: EventReload, Pool: ps.spec.Name})
		for _, pid := range ps.slots {
			if pid == 0 {
				continue
			}
			if ps.spec.Reloadable {
				s.restart = append(s.restart, pid)
			} else {
				s.signal(pid, pool.SigReload)
			}
		}
	}
	s.log.Info("master reloading", "restart", len(s.restart), "force", s.force)
	s.advanceReload()
}

// advanceReload signals the next pending process unless one is in flight.
func (s *Supervisor) advanceReload() {
	if s.status != pool.StatusReloading || s.reloading != 0 {
		return
	}
	for len(s.restart) > 0 {
		pid := s.restart[0]
		s.restart = s.restart[1:]
		if _, live := s.byPID[pid]; !live {
			continue
		}
		s.reloading = pid
		s.signal(pid, pool.SigReload)
		if s.force {
			s.armKill(pid)
		}
		return
	}
	s.force = false
	s.setStatus(pool.StatusRunning)
	s.log.Info("master reloaded")
}

// requestForce upgrades the stop or reload in flight to kill after KillTimeout.
// A force received while idle applies to the next stop or reload.
func (s *Supervisor) requestForce() {
	s.force = true
	switch s.status {
	case pool.StatusShuttingDown:
		for _, pid := range s.pids() {
			s.armKill(pid)
		}
	case pool.StatusReloading:
		if s.reloading != 0 {
			s.armKill(s.reloading)
		}
	}
	s.log.Info("force requested", "status", s.status.String())
}

func (s *Supervisor) requestStatusDump() {
	if s.opts.StatusFile == "" {
		s.log.Warn("status requested but no status file configured")
		return
	}
	if err := status.Overwrite(s.opts.StatusFile, s.report()); err != nil {
		s.log.Error("write status failed", "file", s.opts.StatusFile, "error", err)
		return
	}
	for _, pid := range s.pids() {
		s.signal(pid, pool.SigStatus)
	}
}

func (s *Supervisor) report() status.Report {
	r := status.Report{StartedAt: s.startedAt, Now: s.now(), Widths: s.widths}
	for _, ps := range s.pools {
		r.Pools = append(r.Pools, status.PoolReport{
			Name:      ps.spec.Name,
			Processes: len(ps.procs),
			Exits:     ps.exits,
		})
	}
	return r
}

func (s *Supervisor) armKill(pid int) {
	if _, armed := s.kills[pid]; armed {
		return
	}
	s.kills[pid] = s.loop.AddTimer(s.opts.KillTimeout, false, func() {
		delete(s.kills, pid)
		ps, live := s.byPID[pid]
		if !live {
			return
		}
		s.log.Warn("worker did not exit in time, killing", "pool", ps.spec.Name, "pid", pid, "timeout", s.opts.KillTimeout)
		metrics.IncForcedKill(ps.spec.Name)
		s.emit(Event{Kind: EventKill, Pool: ps.spec.Name, Slot: ps.procs[pid].slot, PID: pid})
		s.signal(pid, pool.SigKill)
	})
}

func (s *Supervisor) signal(pid int, sig os.Signal) {
	ps, ok := s.byPID[pid]
	if !ok {
		return
	}
	if err := ps.procs[pid].proc.Signal(sig); err != nil {
		s.log.Warn("signal worker failed", "pool", ps.spec.Name, "pid", pid, "signal", sig, "error", err)
	}
}

// pids lists live workers in declaration and slot order.
func (s *Supervisor) pids() []int {
	out := make([]int, 0, len(s.byPID))
	for _, ps := range s.pools {
		for _, pid := range ps.slots {
			if pid != 0 {
				out = append(out, pid)
			}
		}
	}
	return out
}

func (s *Supervisor) finish() {
	if s.finished {
		return
	}
	s.finished = true
	if s.opts.PIDFile != "" {
		if err := pidfile.Remove(s.opts.PIDFile); err != nil {
			s.log.Warn("remove pid file failed", "file", s.opts.PIDFile, "error", err)
		}
	}
	s.log.Info("master stopped")
	s.loop.Stop()
}

func (s *Supervisor) setStatus(st pool.Status) {
	s.status = st
	metrics.SetSupervisorStatus(st.String())
}

func (s *Supervisor) emit(ev Event) {
	if s.opts.OnEvent == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.opts.OnEvent(ev)
}

// Stop, Reload, Force and DumpStatus request the matching control action as
// if the signal had been delivered. Safe for concurrent use.
func (s *Supervisor) Stop()       { s.loop.Inject(pool.SigStop) }
func (s *Supervisor) Reload()     { s.loop.Inject(pool.SigReload) }
func (s *Supervisor) Force()      { s.loop.Inject(pool.SigForce) }
func (s *Supervisor) DumpStatus() { s.loop.Inject(pool.SigStatus) }

// Snapshot returns a consistent copy of the process table and statistics.
func (s *Supervisor) Snapshot(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	s.loop.Post(func() { ch <- s.snapshot() })
	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, fmt.Errorf("%w: %v", ErrNotRunning, ctx.Err())
	}
}

func (s *Supervisor) snapshot() Snapshot {
	snap := Snapshot{
		Status:    s.status.String(),
		StartedAt: s.startedAt,
		Force:     s.force,
		Pending:   len(s.restart),
		Reloading: s.reloading,
	}
	for _, ps := range s.pools {
		p := PoolSnapshot{
			Name:       ps.spec.Name,
			Endpoint:   ps.spec.Endpoint,
			Count:      ps.spec.Count,
			Reloadable: ps.spec.Reloadable,
			Exits:      make(map[int]int, len(ps.exits)),
		}
		for code, n := range ps.exits {
			p.Exits[code] = n
		}
		for slot, pid := range ps.slots {
			if pid == 0 {
				continue
			}
			p.Workers = append(p.Workers, WorkerSnapshot{Slot: slot, PID: pid, StartedAt: ps.procs[pid].started})
		}
		snap.Pools = append(snap.Pools, p)
	}
	return snap
}
