//go:build unix

// Package worker is the composition root of a worker process: one event loop,
// the pool's connection (dialed or accepted) and the user callbacks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/loykin/workerd/internal/conn"
	"github.com/loykin/workerd/internal/demux"
	"github.com/loykin/workerd/internal/pool"
	"github.com/loykin/workerd/internal/status"
	"github.com/loykin/workerd/internal/timer"
)

const (
	// ExitRetryDelay is how often a graceful stop re-checks for open connections.
	ExitRetryDelay = time.Second
	// ReconnectDelay is the pause before a worker whose endpoint could not be
	// opened exits, so the supervisor does not respawn it in a tight loop.
	ReconnectDelay = time.Second
)

// ExitOpenFailed is the exit status after the endpoint could not be opened.
const ExitOpenFailed = 1

// Options configures a Runtime.
type Options struct {
	Spec *pool.Spec
	Slot int
	// Loop is created from Backend when nil.
	Loop       demux.Demultiplexer
	Backend    string
	StatusFile string
	Widths     status.Widths
	Logger     *slog.Logger

	ExitRetryDelay time.Duration
	ReconnectDelay time.Duration
}

// Runtime implements pool.Worker.
type Runtime struct {
	spec       *pool.Spec
	slot       int
	loop       demux.Demultiplexer
	ownLoop    bool
	log        *slog.Logger
	statusFile string
	widths     status.Widths

	retryDelay     time.Duration
	reconnectDelay time.Duration

	status   pool.Status
	conns    map[uint64]*conn.Conn
	listener *conn.Listener
	stats    *conn.Stats

	stopping bool
	finished bool
	retry    timer.ID
	code     int
	openErr  error
}

var _ pool.Worker = (*Runtime)(nil)

func New(opts Options) (*Runtime, error) {
	if opts.Spec == nil {
		return nil, errors.New("worker: nil pool spec")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("pool", opts.Spec.Name, "slot", opts.Slot, "pid", os.Getpid())
	r := &Runtime{
		spec:           opts.Spec,
		slot:           opts.Slot,
		loop:           opts.Loop,
		log:            log,
		statusFile:     opts.StatusFile,
		widths:         opts.Widths,
		retryDelay:     opts.ExitRetryDelay,
		reconnectDelay: opts.ReconnectDelay,
		conns:          make(map[uint64]*conn.Conn),
		stats:          &conn.Stats{},
	}
	if r.retryDelay <= 0 {
		r.retryDelay = ExitRetryDelay
	}
	if r.reconnectDelay <= 0 {
		r.reconnectDelay = ReconnectDelay
	}
	if r.loop == nil {
		l, err := demux.New(demux.Options{Backend: opts.Backend, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("worker: %w", err)
		}
		r.loop = l
		r.ownLoop = true
	}
	return r, nil
}

func (r *Runtime) ID() int              { return r.slot }
func (r *Runtime) Pool() string         { return r.spec.Name }
func (r *Runtime) Status() pool.Status  { return r.status }
func (r *Runtime) Logger() *slog.Logger { return r.log }
func (r *Runtime) Stats() *conn.Stats   { return r.stats }

func (r *Runtime) AddTimer(d time.Duration, repeat bool, fn func()) timer.ID {
	return r.loop.AddTimer(d, repeat, func() { r.call("timer", fn) })
}

func (r *Runtime) CancelTimer(id timer.ID) bool { return r.loop.CancelTimer(id) }

// Conns returns the live connections ordered by id.
func (r *Runtime) Conns() []*conn.Conn {
	out := make([]*conn.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Run installs the signal handlers, opens the endpoint and blocks in the
// event loop. It returns the process exit status. A non-nil error means the
// worker could not run at all, or its endpoint could not be opened.
func (r *Runtime) Run(ctx context.Context) (int, error) {
	if r.ownLoop {
		defer func() { _ = r.loop.Close() }()
	}
	for _, sig := range []os.Signal{pool.SigStop, pool.SigTerm, pool.SigReload, pool.SigStatus, pool.SigForce} {
		if err := r.loop.AddSignal(sig, r.onSignal); err != nil {
			return 1, fmt.Errorf("worker: install signal %v: %w", sig, err)
		}
	}

	r.status = pool.StatusStarting
	if err := r.open(); err != nil {
		r.openErr = err
		r.log.Error("open endpoint failed", "endpoint", r.spec.Endpoint, "error", err, "retry_in", r.reconnectDelay)
		r.loop.AddTimer(r.reconnectDelay, false, func() { r.finish(ExitOpenFailed) })
	} else {
		r.status = pool.StatusRunning
		r.log.Info("worker started", "endpoint", r.spec.Endpoint)
		if cb := r.spec.Callbacks.OnStart; cb != nil {
			r.call("on_start", func() { cb(r) })
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.loop.Post(func() { r.Stop(false) })
		case <-done:
		}
	}()

	if err := r.loop.Run(); err != nil {
		return pool.ExitUnexpected, fmt.Errorf("worker: loop: %w", err)
	}
	if !r.finished {
		r.log.Error("worker exit unexpected", "status", pool.ExitUnexpected)
		return pool.ExitUnexpected, nil
	}
	if r.code == ExitOpenFailed && r.openErr != nil {
		return r.code, r.openErr
	}
	r.log.Info("worker exited", "status", r.code)
	return r.code, nil
}

func (r *Runtime) open() error {
	ep := r.spec.Target()
	h := handler{r}
	opts := r.spec.ConnOptions(h, r.stats, r.log)
	if r.spec.Listen {
		ln, err := conn.Listen(r.loop, ep.Network, ep.Address, r.spec.ReusePort, opts, r.track)
		if err != nil {
			return err
		}
		r.listener = ln
		return nil
	}
	c, err := conn.Dial(r.loop, ep.Network, ep.Address, opts)
	if err != nil {
		return err
	}
	r.track(c)
	return nil
}

func (r *Runtime) track(c *conn.Conn) { r.conns[c.ID()] = c }

// Stop runs the stop callback, then exits: immediately when immediate is set,
// otherwise once every connection is closed, checking every ExitRetryDelay.
func (r *Runtime) Stop(immediate bool) {
	if r.finished {
		return
	}
	if !r.stopping {
		r.stopping = true
		r.status = pool.StatusShuttingDown
		if r.listener != nil {
			_ = r.listener.Close()
		}
		if cb := r.spec.Callbacks.OnStop; cb != nil {
			r.call("on_stop", func() { cb(r) })
		}
	}
	if immediate {
		for _, c := range r.Conns() {
			c.Destroy()
		}
		r.finish(0)
		return
	}
	r.tryExit()
}

func (r *Runtime) tryExit() {
	if r.finished {
		return
	}
	if len(r.conns) == 0 {
		r.finish(0)
		return
	}
	if r.retry == 0 {
		r.log.Info("worker is still working, exit delayed", "connections", len(r.conns))
		r.retry = r.loop.AddTimer(r.retryDelay, true, r.tryExit)
	}
}

func (r *Runtime) finish(code int) {
	if r.finished {
		return
	}
	r.finished = true
	r.code = code
	if r.retry != 0 {
		r.loop.CancelTimer(r.retry)
	}
	r.loop.Stop()
}

func (r *Runtime) onSignal(sig os.Signal) {
	switch sig {
	case pool.SigStop, pool.SigTerm:
		r.Stop(false)
	case pool.SigReload:
		r.reload()
	case pool.SigStatus:
		r.writeStatus()
	case pool.SigForce:
		// escalation is the master's job
		r.log.Debug("force flag received")
	}
}

func (r *Runtime) reload() {
	if r.stopping {
		return
	}
	if r.spec.Reloadable {
		r.status = pool.StatusReloading
	}
	if cb := r.spec.Callbacks.OnReload; cb != nil {
		r.call("on_reload", func() { cb(r) })
	}
	if r.spec.Reloadable {
		r.Stop(false)
	}
}

func (r *Runtime) writeStatus() {
	if r.statusFile == "" {
		return
	}
	snap := r.stats.Snapshot()
	pid := os.Getpid()
	line := status.Line{
		PID:          pid,
		RSS:          status.RSS(pid),
		Endpoint:     r.spec.Endpoint,
		Pool:         r.spec.Name,
		Connections:  snap.Connections,
		TotalRequest: snap.TotalRequest,
		SendFail:     snap.SendFail,
		Exceptions:   snap.Exceptions,
	}
	if err := status.Append(r.statusFile, r.widths, line); err != nil {
		r.log.Warn("append status failed", "file", r.statusFile, "error", err)
	}
}

// call runs a user callback, counting and logging a panic instead of letting
// it unwind the loop.
func (r *Runtime) call(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.stats.Exceptions.Add(1)
			r.log.Error("callback panicked", "callback", name, "panic", p)
		}
	}()
	fn()
}

// handler adapts connection events to the pool callbacks.
type handler struct{ r *Runtime }

func (h handler) OnConnect(c *conn.Conn) {
	h.r.track(c)
	if cb := h.r.spec.Callbacks.OnConnect; cb != nil {
		h.r.call("on_connect", func() { cb(h.r, c) })
	}
}

func (h handler) OnMessage(c *conn.Conn, msg any) {
	if cb := h.r.spec.Callbacks.OnMessage; cb != nil {
		h.r.call("on_message", func() { cb(h.r, c, msg) })
	}
}

func (h handler) OnClose(c *conn.Conn) {
	delete(h.r.conns, c.ID())
	if cb := h.r.spec.Callbacks.OnClose; cb != nil {
		h.r.call("on_close", func() { cb(h.r, c) })
	}
	if h.r.stopping {
		h.r.tryExit()
	}
}

func (h handler) OnError(c *conn.Conn, err error) {
	if cb := h.r.spec.Callbacks.OnError; cb != nil {
		h.r.call("on_error", func() { cb(h.r, c, err) })
		return
	}
	h.r.log.Warn("connection error", "remote", c.Remote(), "error", err)
}

func (h handler) OnBufferFull(c *conn.Conn) {
	if cb := h.r.spec.Callbacks.OnBufferFull; cb != nil {
		h.r.call("on_buffer_full", func() { cb(h.r, c) })
	}
}

func (h handler) OnBufferDrain(c *conn.Conn) {
	if cb := h.r.spec.Callbacks.OnBufferDrain; cb != nil {
		h.r.call("on_buffer_drain", func() { cb(h.r, c) })
	}
}
