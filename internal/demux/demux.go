//go:build unix

// Package demux multiplexes descriptor readiness, timers and OS signals onto a
// single goroutine.
//
// Two backends implement the same contract: "epoll" (Linux) and "poll", a
// portable poll(2) fallback. Callers cannot tell them apart.
//
// Except for Post, Inject and Stop, methods must be called from the goroutine
// running the loop, or before Run starts.
package demux

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/loykin/workerd/internal/timer"
)

// Events is a readiness bitmask.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

func (e Events) Has(x Events) bool { return e&x != 0 }

// Backend names.
const (
	BackendAuto  = "auto"
	BackendEpoll = "epoll"
	BackendPoll  = "poll"
)

var (
	ErrFDRegistered    = errors.New("demux: fd already registered")
	ErrFDNotRegistered = errors.New("demux: fd not registered")
	ErrClosed          = errors.New("demux: closed")
	ErrUnknownBackend  = errors.New("demux: unknown backend")
)

// IOCallback receives the readiness observed on fd.
type IOCallback func(fd int, ev Events)

// SignalCallback receives a signal translated into a loop event.
type SignalCallback func(sig os.Signal)

// Demultiplexer is the capability the worker runtime and the supervisor need
// from an event loop.
type Demultiplexer interface {
	Add(fd int, ev Events, cb IOCallback) error
	Modify(fd int, ev Events) error
	Remove(fd int) error

	AddTimer(d time.Duration, repeat bool, fn func()) timer.ID
	CancelTimer(id timer.ID) bool

	AddSignal(sig os.Signal, cb SignalCallback) error
	RemoveSignal(sig os.Signal)
	Inject(sig os.Signal)
	Post(fn func())

	RunOnce(timeout time.Duration) error
	Run() error
	Stop()
	Close() error
	Backend() string
}

// poller is the syscall layer behind a Loop.
type poller interface {
	add(fd int, ev Events) error
	modify(fd int, ev Events) error
	remove(fd int) error
	// wait blocks up to timeout (negative blocks indefinitely) and reports ready fds.
	wait(timeout time.Duration, fire func(fd int, ev Events)) error
	wake() error
	close() error
	name() string
}

// Options configures New.
type Options struct {
	Backend string
	Logger  *slog.Logger
	Now     func() time.Time
}

type posted struct {
	fn  func()
	sig os.Signal
}

// Loop implements Demultiplexer.
type Loop struct {
	p      poller
	log    *slog.Logger
	now    func() time.Time
	timers *timer.Table

	fds     map[int]IOCallback
	signals map[os.Signal]SignalCallback
	sigCh   chan os.Signal

	mu      sync.Mutex
	pending *queue.Queue

	stopping atomic.Bool
	closed   atomic.Bool
}

var _ Demultiplexer = (*Loop)(nil)

// New constructs a loop on the requested backend.
func New(opts Options) (*Loop, error) {
	var (
		p   poller
		err error
	)
	switch opts.Backend {
	case "", BackendAuto:
		p, err = newNative()
	case BackendEpoll:
		p, err = newEpollBackend()
	case BackendPoll:
		p, err = newPoll()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("demux: open %s backend: %w", opts.Backend, err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Loop{
		p:       p,
		log:     log.With("backend", p.name()),
		now:     now,
		timers:  timer.New(now),
		fds:     make(map[int]IOCallback),
		signals: make(map[os.Signal]SignalCallback),
		pending: queue.New(),
	}, nil
}

func (l *Loop) Backend() string { return l.p.name() }

func (l *Loop) Add(fd int, ev Events, cb IOCallback) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if _, ok := l.fds[fd]; ok {
		return ErrFDRegistered
	}
	if err := l.p.add(fd, ev); err != nil {
		return fmt.Errorf("demux: add fd %d: %w", fd, err)
	}
	l.fds[fd] = cb
	return nil
}

func (l *Loop) Modify(fd int, ev Events) error {
	if _, ok := l.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	if err := l.p.modify(fd, ev); err != nil {
		return fmt.Errorf("demux: modify fd %d: %w", fd, err)
	}
	return nil
}

// Remove must be called before the descriptor is closed.
func (l *Loop) Remove(fd int) error {
	if _, ok := l.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(l.fds, fd)
	if err := l.p.remove(fd); err != nil {
		return fmt.Errorf("demux: remove fd %d: %w", fd, err)
	}
	return nil
}

func (l *Loop) AddTimer(d time.Duration, repeat bool, fn func()) timer.ID {
	return l.timers.Add(d, repeat, func() { l.safe("timer", fn) })
}

func (l *Loop) CancelTimer(id timer.ID) bool { return l.timers.Cancel(id) }

// AddSignal routes sig through the loop instead of the default OS disposition.
func (l *Loop) AddSignal(sig os.Signal, cb SignalCallback) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.signals[sig] = cb
	if l.sigCh == nil {
		l.sigCh = make(chan os.Signal, 16)
		go func(ch <-chan os.Signal) {
			for s := range ch {
				l.Inject(s)
			}
		}(l.sigCh)
	}
	signal.Notify(l.sigCh, sig)
	return nil
}

// RemoveSignal stops dispatching sig; deliveries already queued are dropped.
func (l *Loop) RemoveSignal(sig os.Signal) {
	delete(l.signals, sig)
	signal.Ignore(sig)
}

// Inject queues a signal event as if the OS had delivered it. Safe for concurrent use.
func (l *Loop) Inject(sig os.Signal) { l.enqueue(posted{sig: sig}) }

// Post queues fn to run on the loop goroutine. Safe for concurrent use.
func (l *Loop) Post(fn func()) { l.enqueue(posted{fn: fn}) }

func (l *Loop) enqueue(p posted) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return
	}
	l.pending.Add(p)
	if err := l.p.wake(); err != nil {
		l.log.Warn("wake failed", "error", err)
	}
}

func (l *Loop) hasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length() > 0
}

// RunOnce waits for at most timeout (negative waits until something happens),
// then dispatches ready descriptors, posted events and due timers.
func (l *Loop) RunOnce(timeout time.Duration) error {
	if l.closed.Load() {
		return ErrClosed
	}
	wait := timeout
	if d, ok := l.timers.Until(); ok && (wait < 0 || d < wait) {
		wait = d
	}
	if l.hasPending() {
		wait = 0
	}
	if err := l.p.wait(wait, l.dispatchIO); err != nil {
		return fmt.Errorf("demux: wait: %w", err)
	}
	l.drain()
	l.timers.Fire(l.now())
	return nil
}

// Run blocks dispatching events until Stop is called.
func (l *Loop) Run() error {
	defer l.stopping.Store(false)
	for !l.stopping.Load() {
		if err := l.RunOnce(-1); err != nil {
			return err
		}
	}
	return nil
}

// Stop makes Run return after the current iteration. Safe for concurrent use.
func (l *Loop) Stop() {
	l.stopping.Store(true)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed.Load() {
		_ = l.p.wake()
	}
}

func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.sigCh != nil {
		signal.Stop(l.sigCh)
		close(l.sigCh)
	}
	l.timers.Clear()
	l.fds = make(map[int]IOCallback)
	return l.p.close()
}

func (l *Loop) dispatchIO(fd int, ev Events) {
	cb, ok := l.fds[fd]
	if !ok {
		return
	}
	l.safe("io", func() { cb(fd, ev) })
}

// drain runs the events queued before the call; events posted by those
// callbacks wait for the next iteration.
func (l *Loop) drain() {
	l.mu.Lock()
	n := l.pending.Length()
	l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.mu.Lock()
		p := l.pending.Remove().(posted)
		l.mu.Unlock()
		if p.fn != nil {
			l.safe("post", p.fn)
			continue
		}
		cb, ok := l.signals[p.sig]
		if !ok {
			l.log.Debug("signal without handler dropped", "signal", p.sig)
			continue
		}
		sig := p.sig
		l.safe("signal", func() { cb(sig) })
	}
}

func (l *Loop) safe(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("callback panicked", "kind", kind, "panic", r)
		}
	}()
	fn()
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
