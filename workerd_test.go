//go:build unix

package workerd

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registerUpper sync.Once

type upper struct{}

func (upper) Probe(buf []byte) (int, error) {
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		return i + 1, nil
	}
	return 0, nil
}
func (upper) Encode(msg []byte) []byte         { return append(msg, '\n') }
func (upper) Decode(frame []byte) (any, error) { return bytes.ToUpper(bytes.TrimSpace(frame)), nil }

func TestRegisterCodecEnablesScheme(t *testing.T) {
	p := &Pool{Name: "shout", Endpoint: "upper+test://127.0.0.1:7000"}
	require.Error(t, p.Validate())

	registerUpper.Do(func() { RegisterCodec("upper+test", func() Codec { return upper{} }) })
	p = &Pool{Name: "shout", Endpoint: "upper+test://127.0.0.1:7000"}
	require.NoError(t, p.Validate())
	msg, err := p.NewCodec().Decode([]byte("hi\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte("HI"), msg)
}

func TestRedisSchemesRegistered(t *testing.T) {
	for _, ep := range []string{"redis://127.0.0.1:6379", "redis+lenient://127.0.0.1:6379"} {
		p := &Pool{Name: "consumer", Endpoint: ep}
		assert.NoError(t, p.Validate(), ep)
	}
}

func TestMainStopWithoutMaster(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "workerd.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("[supervisor]\npid_file = \""+filepath.Join(dir, "none.pid")+"\"\n"), 0o644))

	c, err := LoadConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "none.pid"), c.Supervisor.PIDFile)

	code := Main([]string{"stop", "--config", cfg}, &Pool{Name: "consumer", Endpoint: "redis://127.0.0.1:6379"})
	assert.Equal(t, 1, code)
}

func TestRegisterMetrics(t *testing.T) {
	assert.NoError(t, RegisterMetrics(prometheus.NewRegistry()))
}
