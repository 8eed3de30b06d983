//go:build unix

package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/loykin/workerd/internal/conn"
	"github.com/loykin/workerd/internal/demux"
)

type events struct {
	connected bool
	messages  []Reply
	errs      []error
	closed    bool
}

func (e *events) OnConnect(*conn.Conn)            { e.connected = true }
func (e *events) OnMessage(_ *conn.Conn, m any)   { e.messages = append(e.messages, m.(Reply)) }
func (e *events) OnClose(*conn.Conn)              { e.closed = true }
func (e *events) OnError(_ *conn.Conn, err error) { e.errs = append(e.errs, err) }
func (e *events) OnBufferFull(*conn.Conn)         {}
func (e *events) OnBufferDrain(*conn.Conn)        {}

func attach(t *testing.T, password string) (*demux.Loop, *conn.Conn, *events, int) {
	t.Helper()
	loop, err := demux.New(demux.Options{Backend: demux.BackendPoll})
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	ev := &events{}
	c, err := conn.Attach(loop, fds[0], "redis", conn.Options{
		Codec:      Strict{},
		Handler:    ev,
		Handshaker: Auth{Password: password},
	})
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return loop, c, ev, fds[1]
}

func pump(t *testing.T, loop *demux.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline))
		require.NoError(t, loop.RunOnce(10*time.Millisecond))
	}
}

func TestAuthWithoutPasswordConnectsImmediately(t *testing.T) {
	_, c, ev, _ := attach(t, "")
	assert.True(t, ev.connected)
	assert.Equal(t, conn.StateEstablished, c.State())
}

func TestAuthAcceptedThenBulkReply(t *testing.T) {
	loop, c, ev, peer := attach(t, "hunter2")
	assert.Equal(t, conn.StateAuthenticating, c.State())

	buf := make([]byte, 64)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "AUTH hunter2\r\n", string(buf[:n]))

	_, err = unix.Write(peer, []byte("+OK\r\n"+popReply))
	require.NoError(t, err)
	pump(t, loop, func() bool { return len(ev.messages) == 1 })
	assert.True(t, ev.connected)
	assert.Equal(t, "bar", string(ev.messages[0].Payload))
}

func TestAuthRejected(t *testing.T) {
	loop, c, ev, peer := attach(t, "wrong")
	_, err := unix.Write(peer, []byte("-ERR invalid password\r\n"))
	require.NoError(t, err)
	pump(t, loop, func() bool { return c.State() == conn.StateClosed })
	require.Len(t, ev.errs, 1)
	assert.ErrorIs(t, ev.errs[0], ErrAuthFailed)
	assert.Contains(t, ev.errs[0].Error(), "invalid password")
	assert.False(t, ev.connected)
	assert.True(t, ev.closed)
}
