//go:build unix

package conn

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/loykin/workerd/internal/demux"
)

// Network names accepted by Dial and Listen.
const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
)

var ErrUnsupportedNetwork = errors.New("conn: unsupported network")

func sockaddr(network, address string) (unix.Sockaddr, int, error) {
	switch network {
	case NetworkUnix:
		return &unix.SockaddrUnix{Name: address}, unix.AF_UNIX, nil
	case NetworkTCP:
		addr, err := net.ResolveTCPAddr("tcp", address)
		if err != nil {
			return nil, 0, err
		}
		if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
			sa := &unix.SockaddrInet4{Port: addr.Port}
			if ip4 != nil {
				copy(sa.Addr[:], ip4)
			}
			return sa, unix.AF_INET, nil
		}
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
}

func socket(domain int) (int, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func tuneTCP(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// Dial starts a non-blocking connect. The connection is CONNECTING until the
// socket reports writable; OnConnect (or the handshake) follows.
func Dial(loop demux.Demultiplexer, network, address string, opts Options) (*Conn, error) {
	sa, domain, err := sockaddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s %s: %w", network, address, err)
	}
	fd, err := socket(domain)
	if err != nil {
		return nil, fmt.Errorf("conn: socket: %w", err)
	}
	if domain != unix.AF_UNIX {
		tuneTCP(fd)
	}
	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("conn: dial %s %s: %w", network, address, err)
	}
	c := newConn(loop, fd, address, opts)
	c.state = StateConnecting
	c.interest = demux.EventWrite
	if err := loop.Add(fd, c.interest, c.handle); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	c.opts.Stats.Connections.Add(1)
	return c, nil
}

// Listener accepts connections on a non-blocking listening socket.
type Listener struct {
	fd       int
	network  string
	loop     demux.Demultiplexer
	opts     Options
	accepted func(*Conn)
	closed   bool
}

// Listen binds address and registers the socket with loop. Every accepted
// connection is attached with opts and handed to accepted before its connect
// sequence runs.
func Listen(loop demux.Demultiplexer, network, address string, reusePort bool, opts Options, accepted func(*Conn)) (*Listener, error) {
	sa, domain, err := sockaddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("conn: listen %s %s: %w", network, address, err)
	}
	fd, err := socket(domain)
	if err != nil {
		return nil, fmt.Errorf("conn: socket: %w", err)
	}
	fail := func(op string, err error) (*Listener, error) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("conn: %s %s: %w", op, address, err)
	}
	if domain != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fail("reuseaddr", err)
		}
		if reusePort {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				return fail("reuseport", err)
			}
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}
	opts.setDefaults()
	l := &Listener{fd: fd, network: network, loop: loop, opts: opts, accepted: accepted}
	if err := loop.Add(fd, demux.EventRead, l.accept); err != nil {
		return fail("register", err)
	}
	return l, nil
}

// Addr returns the bound address, resolving an ephemeral port.
func (l *Listener) Addr() string {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return ""
	}
	return sockaddrString(sa)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		return a.Name
	}
	return ""
}

func (l *Listener) accept(int, demux.Events) {
	for !l.closed {
		nfd, sa, err := unix.Accept(l.fd)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.ECONNABORTED) {
				l.opts.Logger.Warn("accept failed", "error", err)
			}
			return
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		if l.network == NetworkTCP {
			tuneTCP(nfd)
		}
		c, err := adopt(l.loop, nfd, sockaddrString(sa), l.opts)
		if err != nil {
			l.opts.Logger.Warn("register accepted connection failed", "error", err)
			_ = unix.Close(nfd)
			continue
		}
		if l.accepted != nil {
			l.accepted(c)
		}
		c.connected()
	}
}

// Close stops accepting. Accepted connections are unaffected.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	_ = l.loop.Remove(l.fd)
	return unix.Close(l.fd)
}
