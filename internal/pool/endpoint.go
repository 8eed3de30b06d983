//go:build unix

package pool

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var ErrInvalidEndpoint = errors.New("pool: invalid endpoint")

// Endpoint is a parsed "scheme://host:port" or "scheme:///path/to.sock".
// The scheme selects the framing codec; an empty host with a path selects a
// unix socket.
type Endpoint struct {
	Scheme  string
	Network string
	Address string
}

func (e Endpoint) String() string { return e.Scheme + "://" + e.Address }

func ParseEndpoint(raw string) (Endpoint, error) {
	if !strings.Contains(raw, "://") {
		return Endpoint{}, fmt.Errorf("%w: %q: missing scheme", ErrInvalidEndpoint, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme == "" {
		return Endpoint{}, fmt.Errorf("%w: %q: missing scheme", ErrInvalidEndpoint, raw)
	}
	if u.Host == "" {
		if u.Path == "" {
			return Endpoint{}, fmt.Errorf("%w: %q: missing address", ErrInvalidEndpoint, raw)
		}
		return Endpoint{Scheme: u.Scheme, Network: "unix", Address: u.Path}, nil
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || port == "" {
		return Endpoint{}, fmt.Errorf("%w: %q: want host:port", ErrInvalidEndpoint, raw)
	}
	return Endpoint{Scheme: u.Scheme, Network: "tcp", Address: net.JoinHostPort(host, port)}, nil
}
