//go:build unix

// Command brpop is a pool of blocking redis list consumers. Each worker
// authenticates, then issues BRPOP in a loop and logs what it pops.
//
//	REDIS_PASSWORD=secret brpop start --config brpop.toml
//
// The list and block timeout come from BRPOP_LIST and BRPOP_TIMEOUT. The
// endpoint and worker count can be overridden in the [[pools]] "brpop" entry.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/loykin/workerd"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	list := getenv("BRPOP_LIST", "jobs")
	timeout, err := strconv.Atoi(getenv("BRPOP_TIMEOUT", "5"))
	if err != nil || timeout < 0 {
		_, _ = fmt.Fprintf(os.Stderr, "brpop: invalid BRPOP_TIMEOUT %q\n", os.Getenv("BRPOP_TIMEOUT"))
		os.Exit(2)
	}
	workerd.RunAll(consumer(list, timeout, os.Getenv("REDIS_PASSWORD"), logJob))
}

func logJob(w workerd.Worker, key, payload []byte) {
	w.Logger().Info("popped", "list", string(key), "payload", string(payload))
}

// pending reports whether c has a BRPOP without a reply yet.
func pending(c *workerd.Conn) bool {
	busy, _ := c.Value().(bool)
	return busy
}

// consumer builds the pool. handle runs for every popped element.
func consumer(list string, timeout int, password string, handle func(w workerd.Worker, key, payload []byte)) *workerd.Pool {
	cmd := []byte(fmt.Sprintf("BRPOP %s %d\r\n", list, timeout))
	next := func(w workerd.Worker, c *workerd.Conn) {
		if w.Status() == workerd.StatusShuttingDown {
			c.Close()
			return
		}
		if err := c.Send(cmd, true); err != nil {
			w.Logger().Warn("brpop send failed", "error", err)
			return
		}
		c.SetValue(true)
	}
	return &workerd.Pool{
		Name:       "brpop",
		Endpoint:   getenv("REDIS_URL", "redis://127.0.0.1:6379"),
		Count:      2,
		Reloadable: true,
		Handshake:  workerd.RedisAuth{Password: password},
		Callbacks: workerd.Callbacks{
			OnStart: func(w workerd.Worker) {
				w.Logger().Info("consumer started", "list", list)
			},
			OnConnect: next,
			OnMessage: func(w workerd.Worker, c *workerd.Conn, msg any) {
				r, ok := msg.(workerd.RedisReply)
				if !ok {
					return
				}
				c.SetValue(false)
				switch {
				case r.IsNil():
					// block timeout, ask again
				case r.Text != "":
					w.Logger().Warn("redis reply", "kind", r.Kind.String(), "text", r.Text)
				default:
					handle(w, r.Key, r.Payload)
				}
				next(w, c)
			},
			OnClose: func(w workerd.Worker, c *workerd.Conn) {
				// the master respawns the worker, which dials again
				w.Stop(false)
			},
			OnStop: func(w workerd.Worker) {
				// a connection blocked in BRPOP closes after its reply arrives
				for _, c := range w.Conns() {
					if !pending(c) {
						c.Close()
					}
				}
			},
		},
	}
}
