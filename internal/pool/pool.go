//go:build unix

// Package pool declares worker pools: the endpoint, process count and
// callbacks shared by the supervisor and every worker it spawns.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"regexp"
	"time"

	"github.com/loykin/workerd/internal/conn"
	"github.com/loykin/workerd/internal/framing"
	"github.com/loykin/workerd/internal/timer"
)

var (
	ErrInvalidSpec = errors.New("pool: invalid spec")
	ErrDuplicate   = errors.New("pool: duplicate pool name")
	ErrNotFound    = errors.New("pool: not found")
)

// Status is the process-wide lifecycle status seen by callbacks.
type Status int32

const (
	StatusStarting Status = iota
	StatusRunning
	StatusReloading
	StatusShuttingDown
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusReloading:
		return "reloading"
	case StatusShuttingDown:
		return "shutting_down"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Worker is the runtime handed to callbacks inside a worker process.
type Worker interface {
	// ID is the slot index, stable across respawns.
	ID() int
	Pool() string
	Status() Status
	Stop(immediate bool)
	AddTimer(d time.Duration, repeat bool, fn func()) timer.ID
	CancelTimer(id timer.ID) bool
	Conns() []*conn.Conn
	Logger() *slog.Logger
}

// Callbacks are optional; nil entries are skipped.
type Callbacks struct {
	OnStart       func(w Worker)
	OnConnect     func(w Worker, c *conn.Conn)
	OnMessage     func(w Worker, c *conn.Conn, msg any)
	OnClose       func(w Worker, c *conn.Conn)
	OnError       func(w Worker, c *conn.Conn, err error)
	OnBufferFull  func(w Worker, c *conn.Conn)
	OnBufferDrain func(w Worker, c *conn.Conn)
	OnStop        func(w Worker)
	OnReload      func(w Worker)
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Spec declares one pool. It is immutable once the supervisor starts.
type Spec struct {
	Name     string
	Endpoint string
	Count    int
	User     string
	Group    string
	// Reloadable pools are restarted one process at a time on reload;
	// others only receive the reload callback.
	Reloadable bool
	ReusePort  bool
	// Listen binds Endpoint and accepts instead of dialing it.
	Listen         bool
	HighWaterMark  int
	MaxPackageSize int
	Handshake      conn.Handshaker
	Callbacks      Callbacks

	target Endpoint
	codec  framing.Factory
}

// Validate checks the declaration and resolves the endpoint scheme to a codec.
func (s *Spec) Validate() error {
	if !nameRe.MatchString(s.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidSpec, s.Name)
	}
	if s.Count == 0 {
		s.Count = 1
	}
	if s.Count < 0 {
		return fmt.Errorf("%w: pool %s: count %d", ErrInvalidSpec, s.Name, s.Count)
	}
	ep, err := ParseEndpoint(s.Endpoint)
	if err != nil {
		return fmt.Errorf("pool %s: %w", s.Name, err)
	}
	f, err := framing.Lookup(ep.Scheme)
	if err != nil {
		return fmt.Errorf("pool %s: %w", s.Name, err)
	}
	if s.User != "" {
		if _, err := user.Lookup(s.User); err != nil {
			return fmt.Errorf("%w: pool %s: user %q: %v", ErrInvalidSpec, s.Name, s.User, err)
		}
	}
	if s.Group != "" {
		if _, err := user.LookupGroup(s.Group); err != nil {
			return fmt.Errorf("%w: pool %s: group %q: %v", ErrInvalidSpec, s.Name, s.Group, err)
		}
	}
	s.target = ep
	s.codec = f
	return nil
}

// Target is the parsed endpoint; valid after Validate.
func (s *Spec) Target() Endpoint { return s.target }

// NewCodec returns a fresh codec for one connection; valid after Validate.
func (s *Spec) NewCodec() framing.Codec { return s.codec() }

// ConnOptions builds connection options for this pool.
func (s *Spec) ConnOptions(h conn.Handler, stats *conn.Stats, log *slog.Logger) conn.Options {
	return conn.Options{
		Codec:          s.NewCodec(),
		Handler:        h,
		Handshaker:     s.Handshake,
		HighWaterMark:  s.HighWaterMark,
		MaxPackageSize: s.MaxPackageSize,
		Stats:          stats,
		Logger:         log,
	}
}

// Set is an ordered collection of validated pools with unique names.
type Set struct {
	specs  []*Spec
	byName map[string]*Spec
}

// NewSet validates every spec. Any error is fatal at startup.
func NewSet(specs ...*Spec) (*Set, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no pools declared", ErrInvalidSpec)
	}
	set := &Set{byName: make(map[string]*Spec, len(specs))}
	for _, s := range specs {
		if s == nil {
			return nil, fmt.Errorf("%w: nil spec", ErrInvalidSpec)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := set.byName[s.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, s.Name)
		}
		set.byName[s.Name] = s
		set.specs = append(set.specs, s)
	}
	return set, nil
}

func (s *Set) All() []*Spec { return s.specs }

func (s *Set) Get(name string) (*Spec, error) {
	spec, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return spec, nil
}
