//go:build unix

package demux

import (
	"errors"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller is the portable fallback built on poll(2) and a self-pipe.
type pollPoller struct {
	interest map[int]Events
	order    []int
	dirty    bool
	pfds     []unix.PollFd
	r, w     int
}

func newPoll() (*pollPoller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
	}
	return &pollPoller{interest: make(map[int]Events), r: fds[0], w: fds[1]}, nil
}

func (p *pollPoller) name() string { return BackendPoll }

func (p *pollPoller) add(fd int, ev Events) error {
	if _, ok := p.interest[fd]; ok {
		return ErrFDRegistered
	}
	p.interest[fd] = ev
	p.dirty = true
	return nil
}

func (p *pollPoller) modify(fd int, ev Events) error {
	if _, ok := p.interest[fd]; !ok {
		return ErrFDNotRegistered
	}
	p.interest[fd] = ev
	return nil
}

func (p *pollPoller) remove(fd int) error {
	delete(p.interest, fd)
	p.dirty = true
	return nil
}

func toPoll(ev Events) int16 {
	var e int16
	if ev.Has(EventRead) {
		e |= unix.POLLIN
	}
	if ev.Has(EventWrite) {
		e |= unix.POLLOUT
	}
	return e
}

func fromPoll(e int16) Events {
	var ev Events
	if e&unix.POLLIN != 0 {
		ev |= EventRead
	}
	if e&unix.POLLOUT != 0 {
		ev |= EventWrite
	}
	if e&(unix.POLLERR|unix.POLLNVAL) != 0 {
		ev |= EventError
	}
	if e&unix.POLLHUP != 0 {
		ev |= EventHangup
	}
	return ev
}

func (p *pollPoller) wait(timeout time.Duration, fire func(fd int, ev Events)) error {
	if p.dirty {
		p.order = p.order[:0]
		for fd := range p.interest {
			p.order = append(p.order, fd)
		}
		sort.Ints(p.order)
		p.dirty = false
	}
	p.pfds = p.pfds[:0]
	p.pfds = append(p.pfds, unix.PollFd{Fd: int32(p.r), Events: unix.POLLIN})
	for _, fd := range p.order {
		p.pfds = append(p.pfds, unix.PollFd{Fd: int32(fd), Events: toPoll(p.interest[fd])})
	}
	n, err := unix.Poll(p.pfds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}
	if n == 0 {
		return nil
	}
	if p.pfds[0].Revents != 0 {
		var buf [64]byte
		for {
			if k, err := unix.Read(p.r, buf[:]); k <= 0 || err != nil {
				break
			}
		}
	}
	for _, pfd := range p.pfds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		// a previous callback in this batch may have removed it
		if _, ok := p.interest[fd]; !ok {
			continue
		}
		fire(fd, fromPoll(pfd.Revents))
	}
	return nil
}

func (p *pollPoller) wake() error {
	_, err := unix.Write(p.w, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (p *pollPoller) close() error {
	_ = unix.Close(p.w)
	return unix.Close(p.r)
}
