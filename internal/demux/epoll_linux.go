//go:build linux

package demux

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

func newNative() (poller, error) { return newEpoll() }

func newEpollBackend() (poller, error) { return newEpoll() }

func newEpoll() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, &ev); err != nil {
		_ = unix.Close(wfd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return &epollPoller{epfd: epfd, wakefd: wfd, events: make([]unix.EpollEvent, 128)}, nil
}

func (p *epollPoller) name() string { return BackendEpoll }

func toEpoll(ev Events) uint32 {
	var e uint32
	if ev.Has(EventRead) {
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev.Has(EventWrite) {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Events {
	var ev Events
	if e&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		ev |= EventError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= EventHangup
	}
	return ev
}

func (p *epollPoller) add(fd int, ev Events) error {
	e := unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &e)
}

func (p *epollPoller) modify(fd int, ev Events) error {
	e := unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &e)
}

func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

func (p *epollPoller) wait(timeout time.Duration, fire func(fd int, ev Events)) error {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakefd {
			var buf [8]byte
			_, _ = unix.Read(p.wakefd, buf[:])
			continue
		}
		fire(fd, fromEpoll(p.events[i].Events))
	}
	return nil
}

func (p *epollPoller) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (p *epollPoller) close() error {
	_ = unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
