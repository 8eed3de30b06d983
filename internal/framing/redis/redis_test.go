package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/workerd/internal/framing"
)

const popReply = "*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"

func TestSchemesRegistered(t *testing.T) {
	f, err := framing.Lookup(SchemeStrict)
	require.NoError(t, err)
	assert.IsType(t, Strict{}, f())

	f, err = framing.Lookup(SchemeLenient)
	require.NoError(t, err)
	assert.IsType(t, Lenient{}, f())
}

func TestStrictBulkReply(t *testing.T) {
	var c Strict
	n, err := c.Probe([]byte(popReply))
	require.NoError(t, err)
	require.Equal(t, len(popReply), n)

	msg, err := c.Decode([]byte(popReply[:n]))
	require.NoError(t, err)
	r := msg.(Reply)
	assert.Equal(t, KindBulk, r.Kind)
	assert.Equal(t, "foo", string(r.Key))
	assert.Equal(t, "bar", string(r.Payload))

	// bare "\n" terminators decode the same way
	msg, err = c.Decode([]byte("*2\n$3\nfoo\n$3\nbar\n"))
	require.NoError(t, err)
	assert.Equal(t, "bar", string(msg.(Reply).Payload))
}

func TestStrictStatusAndTimeout(t *testing.T) {
	var c Strict
	cases := []struct {
		in    string
		kind  Kind
		value bool
		ok    bool
	}{
		{"+OK\n\n", KindOK, true, true},
		{"-ERR invalid password\n\n", KindError, false, true},
		{"*-1\n\n", KindNil, false, false},
		{"*0\r\n", KindNil, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			msg, err := c.Decode([]byte(tc.in))
			require.NoError(t, err)
			r := msg.(Reply)
			assert.Equal(t, tc.kind, r.Kind)
			v, ok := r.Bool()
			assert.Equal(t, tc.value, v)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestStrictOneLineFrames(t *testing.T) {
	var c Strict
	for _, in := range []string{"+OK\r\n", "-ERR nope\r\n", "*-1\r\n", "*0\r\n"} {
		n, err := c.Probe([]byte(in + popReply))
		require.NoError(t, err, in)
		assert.Equal(t, len(in), n, in)
	}
}

func TestStrictNeedsMore(t *testing.T) {
	var c Strict
	for i := 0; i < len(popReply); i++ {
		n, err := c.Probe([]byte(popReply[:i]))
		require.NoError(t, err, "prefix %d", i)
		assert.Zero(t, n, "prefix %d", i)
	}
	// fifth line present but unterminated
	n, err := c.Probe([]byte("*2\r\n$3\r\nfoo\r\n$3\r\nbar"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStrictMalformed(t *testing.T) {
	var c Strict
	for _, in := range []string{
		":1\r\n",
		"hello\r\n",
		"\r\n",
		"*3\r\n",
		"*x\r\n",
		"*2\r\nfoo\r\nbar\r\n$3\r\nbaz\r\n",
		"*2\r\n$3\r\nfoo\r\n$9\r\nbar\r\n",
	} {
		_, err := c.Probe([]byte(in))
		assert.ErrorIs(t, err, framing.ErrMalformed, "%q", in)
	}
}

func TestStrictConcatenatedFrames(t *testing.T) {
	var c Strict
	stream := []byte("+OK\r\n" + popReply + "*-1\r\n" + "*2\r\n$1\r\nq\r\n$5\r\nhello\r\n")

	var got []Reply
	for len(stream) > 0 {
		n, err := c.Probe(stream)
		require.NoError(t, err)
		require.Positive(t, n)
		again, _ := c.Probe(stream)
		require.Equal(t, n, again, "repeat calls on the same buffer agree")

		msg, err := c.Decode(stream[:n])
		require.NoError(t, err)
		got = append(got, msg.(Reply))
		stream = stream[n:]
	}
	require.Len(t, got, 4)
	assert.Equal(t, KindOK, got[0].Kind)
	assert.Equal(t, "bar", string(got[1].Payload))
	assert.True(t, got[2].IsNil())
	assert.Equal(t, "q", string(got[3].Key))
	assert.Equal(t, "hello", string(got[3].Payload))
}

func TestDecodedPayloadDoesNotAliasFrame(t *testing.T) {
	frame := []byte(popReply)
	msg, err := Strict{}.Decode(frame)
	require.NoError(t, err)
	copy(frame, make([]byte, len(frame)))
	assert.Equal(t, "bar", string(msg.(Reply).Payload))
}

func TestLenient(t *testing.T) {
	var c Lenient

	n, err := c.Probe([]byte("+OK\r\n"))
	require.NoError(t, err)
	assert.Zero(t, n, "status lines are not frames in lenient mode")

	garbage := "what\nis\nthis\n$99\nxy\ntrailing"
	n, err = c.Probe([]byte(garbage))
	require.NoError(t, err)
	assert.Equal(t, len("what\nis\nthis\n$99\nxy\n"), n)

	msg, err := c.Decode([]byte(garbage[:n]))
	require.NoError(t, err)
	assert.Equal(t, "xy", string(msg.(Reply).Payload), "declared length is clamped")

	n, err = c.Probe([]byte(popReply))
	require.NoError(t, err)
	msg, err = c.Decode([]byte(popReply[:n]))
	require.NoError(t, err)
	assert.Equal(t, "bar", string(msg.(Reply).Payload))
}

func TestLenientNeedsFiveLines(t *testing.T) {
	var c Lenient
	for i := 0; i < len(popReply); i++ {
		n, err := c.Probe([]byte(popReply[:i]))
		require.NoError(t, err, "prefix %q", popReply[:i])
		assert.Zero(t, n, "prefix %q", popReply[:i])
	}
}

func TestLenientConcatenatedFrames(t *testing.T) {
	var c Lenient
	second := "*2\r\n$1\r\nq\r\n$5\r\nhello\r\n"
	// the count line is ignored: any five lines form a frame
	third := "*7\nx\nkey\n$2\nzz\n"
	stream := []byte(popReply + second + third + "*2\r\n$3")

	var got []Reply
	for {
		n, err := c.Probe(stream)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		again, _ := c.Probe(stream)
		require.Equal(t, n, again, "repeat calls on the same buffer agree")

		msg, err := c.Decode(stream[:n])
		require.NoError(t, err)
		got = append(got, msg.(Reply))
		stream = stream[n:]
	}
	assert.Equal(t, "*2\r\n$3", string(stream), "the partial tail stays buffered")
	require.Len(t, got, 3)
	assert.Equal(t, "bar", string(got[0].Payload))
	assert.Equal(t, "q", string(got[1].Key))
	assert.Equal(t, "hello", string(got[1].Payload))
	assert.Equal(t, "zz", string(got[2].Payload))
}

func TestEncodePassThrough(t *testing.T) {
	cmd := []byte("BRPOP jobs 3\r\n")
	assert.Equal(t, cmd, Strict{}.Encode(cmd))
	assert.Equal(t, cmd, Lenient{}.Encode(cmd))
}
