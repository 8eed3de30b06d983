//go:build unix

package redis

import (
	"errors"
	"fmt"

	"github.com/loykin/workerd/internal/conn"
)

var ErrAuthFailed = errors.New("redis: auth failed")

// Auth authenticates a connection with AUTH before it is handed to the
// message callback. An empty password skips the exchange.
type Auth struct {
	Password string
}

var _ conn.Handshaker = Auth{}

func (a Auth) Begin(c *conn.Conn) (bool, error) {
	if a.Password == "" {
		return true, nil
	}
	return false, c.Send([]byte("AUTH "+a.Password+"\r\n"), true)
}

func (a Auth) Step(_ *conn.Conn, msg any) (bool, error) {
	r, ok := msg.(Reply)
	if !ok {
		return false, fmt.Errorf("%w: unexpected message %T", ErrAuthFailed, msg)
	}
	if v, status := r.Bool(); status && v {
		return true, nil
	}
	if r.Text != "" {
		return false, fmt.Errorf("%w: %s", ErrAuthFailed, r.Text)
	}
	return false, fmt.Errorf("%w: got %s reply", ErrAuthFailed, r.Kind)
}
