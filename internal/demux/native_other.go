//go:build unix && !linux

package demux

import "fmt"

func newNative() (poller, error) { return newPoll() }

func newEpollBackend() (poller, error) {
	return nil, fmt.Errorf("%w: epoll is only available on linux", ErrUnknownBackend)
}
