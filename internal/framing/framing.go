// Package framing turns a continuous byte stream into discrete messages.
//
// A Codec classifies the head of an inbound buffer as incomplete, a complete
// frame of a given length, or malformed, and converts frames to messages.
// Codecs are resolved from an endpoint scheme through a static registry when a
// pool is declared.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrMalformed reports bytes that can never become a valid frame.
var ErrMalformed = errors.New("framing: malformed frame")

// ErrUnknownScheme is returned by Lookup for an unregistered scheme.
var ErrUnknownScheme = errors.New("framing: unknown scheme")

// Codec is the framing contract.
//
// Probe inspects buf without modifying it. It returns 0 when more bytes are
// needed, n > 0 when buf[:n] is exactly one frame, or an error wrapping
// ErrMalformed. Probe must be idempotent for an unmodified buffer.
//
// Decode is only called with a frame Probe accepted; the frame slice is only
// valid for the duration of the call.
type Codec interface {
	Probe(buf []byte) (int, error)
	Encode(msg []byte) []byte
	Decode(frame []byte) (any, error)
}

// Factory builds a codec for one connection.
type Factory func() Codec

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register binds scheme to factory. It panics on duplicate registration, like
// database/sql driver registration.
func Register(scheme string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("framing: Register factory is nil")
	}
	if _, dup := registry[scheme]; dup {
		panic("framing: Register called twice for scheme " + scheme)
	}
	registry[scheme] = f
}

// Lookup returns the factory registered for scheme.
func Lookup(scheme string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	return f, nil
}

// Schemes lists registered schemes in sorted order.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register("tcp", func() Codec { return Raw{} })
	Register("unix", func() Codec { return Raw{} })
	Register("text", func() Codec { return Text{} })
}

// Raw passes bytes through untouched; every read becomes one message.
type Raw struct{}

func (Raw) Probe(buf []byte) (int, error) { return len(buf), nil }
func (Raw) Encode(msg []byte) []byte      { return msg }
func (Raw) Decode(frame []byte) (any, error) {
	return bytes.Clone(frame), nil
}

// Text frames newline-terminated lines. Decoded messages are strings without
// the trailing "\n" or "\r\n".
type Text struct{}

func (Text) Probe(buf []byte) (int, error) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return 0, nil
	}
	return i + 1, nil
}

func (Text) Encode(msg []byte) []byte {
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		return msg
	}
	out := make([]byte, len(msg)+1)
	copy(out, msg)
	out[len(msg)] = '\n'
	return out
}

func (Text) Decode(frame []byte) (any, error) {
	return string(bytes.TrimRight(frame, "\r\n")), nil
}
