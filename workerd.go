//go:build unix

// Package workerd runs pools of event-driven network workers under a master
// process. A program declares its pools and hands them to RunAll:
//
//	func main() {
//		workerd.RunAll(&workerd.Pool{
//			Name:     "consumer",
//			Endpoint: "redis://127.0.0.1:6379",
//			Count:    4,
//			Callbacks: workerd.Callbacks{
//				OnMessage: func(w workerd.Worker, c *workerd.Conn, msg any) { ... },
//			},
//		})
//	}
//
// The same binary is the master (start, stop, reload, status, kill) and,
// re-executed by the master, every worker.
package workerd

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/workerd/internal/cli"
	"github.com/loykin/workerd/internal/config"
	"github.com/loykin/workerd/internal/conn"
	"github.com/loykin/workerd/internal/framing"
	"github.com/loykin/workerd/internal/framing/redis"
	"github.com/loykin/workerd/internal/metrics"
	"github.com/loykin/workerd/internal/pool"
	"github.com/loykin/workerd/internal/timer"
)

// Re-export core types for programs embedding the runtime.
// These are aliases so conversions are zero-cost.

type Pool = pool.Spec

type Callbacks = pool.Callbacks

type Worker = pool.Worker

type Status = pool.Status

const (
	StatusStarting     = pool.StatusStarting
	StatusRunning      = pool.StatusRunning
	StatusReloading    = pool.StatusReloading
	StatusShuttingDown = pool.StatusShuttingDown
)

type Conn = conn.Conn

type ConnState = conn.State

type Handshaker = conn.Handshaker

type TimerID = timer.ID

// Codec frames a byte stream into messages; register one per endpoint scheme.
type Codec = framing.Codec

type RedisReply = redis.Reply

type RedisAuth = redis.Auth

type Config = config.Config

var ErrClosed = conn.ErrClosed

// RegisterCodec makes scheme usable in pool endpoints.
func RegisterCodec(scheme string, f func() Codec) { framing.Register(scheme, f) }

// LoadConfig reads a TOML config the way the command line does.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// Main runs the command line over args and returns the exit status.
func Main(args []string, pools ...*Pool) int { return cli.Execute(pools, args) }

// RunAll runs the command line of os.Args and exits with its status.
func RunAll(pools ...*Pool) {
	os.Exit(Main(os.Args[1:], pools...))
}
