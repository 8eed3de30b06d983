//go:build unix

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/workerd/internal/framing"
	"github.com/loykin/workerd/internal/framing/redis"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want Endpoint
	}{
		{"redis://127.0.0.1:6379", Endpoint{Scheme: "redis", Network: "tcp", Address: "127.0.0.1:6379"}},
		{"redis+lenient://cache:6380", Endpoint{Scheme: "redis+lenient", Network: "tcp", Address: "cache:6380"}},
		{"text://:8080", Endpoint{Scheme: "text", Network: "tcp", Address: ":8080"}},
		{"tcp://[::1]:9000", Endpoint{Scheme: "tcp", Network: "tcp", Address: "[::1]:9000"}},
		{"text:///run/app.sock", Endpoint{Scheme: "text", Network: "unix", Address: "/run/app.sock"}},
	}
	for _, tc := range cases {
		got, err := ParseEndpoint(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "127.0.0.1:6379", "redis://", "redis://host", "://x:1"} {
		_, err := ParseEndpoint(bad)
		assert.ErrorIs(t, err, ErrInvalidEndpoint, bad)
	}
}

func TestValidateResolvesCodec(t *testing.T) {
	s := &Spec{Name: "consumer", Endpoint: "redis://127.0.0.1:6379"}
	require.NoError(t, s.Validate())
	assert.Equal(t, 1, s.Count, "count defaults to one")
	assert.IsType(t, redis.Strict{}, s.NewCodec())
	assert.Equal(t, "tcp", s.Target().Network)

	opts := s.ConnOptions(nil, nil, nil)
	assert.IsType(t, redis.Strict{}, opts.Codec)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]*Spec{
		"bad name":       {Name: "has space", Endpoint: "tcp://h:1"},
		"negative count": {Name: "p", Endpoint: "tcp://h:1", Count: -2},
		"bad endpoint":   {Name: "p", Endpoint: "h:1"},
		"unknown user":   {Name: "p", Endpoint: "tcp://h:1", User: "no-such-user-workerd"},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, s.Validate())
		})
	}

	err := (&Spec{Name: "p", Endpoint: "gopher://h:1"}).Validate()
	assert.ErrorIs(t, err, framing.ErrUnknownScheme)
}

func TestNewSet(t *testing.T) {
	_, err := NewSet()
	require.ErrorIs(t, err, ErrInvalidSpec)

	_, err = NewSet(
		&Spec{Name: "a", Endpoint: "tcp://h:1"},
		&Spec{Name: "a", Endpoint: "tcp://h:2"},
	)
	require.ErrorIs(t, err, ErrDuplicate)

	set, err := NewSet(
		&Spec{Name: "a", Endpoint: "tcp://h:1", Count: 2},
		&Spec{Name: "b", Endpoint: "text://h:2"},
	)
	require.NoError(t, err)
	require.Len(t, set.All(), 2)
	b, err := set.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "text", b.Target().Scheme)
	_, err = set.Get("c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "shutting_down", StatusShuttingDown.String())
}
