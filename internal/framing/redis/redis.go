// Package redis frames the subset of RESP replies a blocking list consumer
// sees: status lines, BRPOP timeouts and two-element array replies.
//
// Framing is line based, without trusting a length prefix for completeness.
// Two variants exist and are registered under different schemes:
//
//	redis           Strict: classifies the first line, rejects anything else.
//	redis+lenient   Lenient: five complete lines is the only completeness test.
package redis

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/loykin/workerd/internal/framing"
)

const (
	SchemeStrict  = "redis"
	SchemeLenient = "redis+lenient"

	// frameLines is the line count of "*2 $klen key $vlen value".
	frameLines = 5
)

func init() {
	framing.Register(SchemeStrict, func() framing.Codec { return Strict{} })
	framing.Register(SchemeLenient, func() framing.Codec { return Lenient{} })
}

// Kind classifies a decoded reply.
type Kind uint8

const (
	// KindNil is the "no data" reply a blocking pop returns on timeout.
	KindNil Kind = iota
	KindOK
	KindError
	KindBulk
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindOK:
		return "ok"
	case KindError:
		return "error"
	case KindBulk:
		return "bulk"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Reply is the decoded message.
type Reply struct {
	Kind    Kind
	Text    string // status or error line without the marker
	Key     []byte // list the element was popped from
	Payload []byte
}

// Bool reports the tri-state status: (true, true) for +OK, (false, true) for
// -ERR, and ok == false for everything else.
func (r Reply) Bool() (value, ok bool) {
	switch r.Kind {
	case KindOK:
		return true, true
	case KindError:
		return false, true
	}
	return false, false
}

func (r Reply) IsNil() bool { return r.Kind == KindNil }

// lineEnds returns the offsets of the first max '\n' bytes in buf.
func lineEnds(buf []byte, max int) []int {
	ends := make([]int, 0, max)
	off := 0
	for len(ends) < max {
		i := bytes.IndexByte(buf[off:], '\n')
		if i < 0 {
			break
		}
		ends = append(ends, off+i)
		off += i + 1
	}
	return ends
}

// lines splits the first n newline-terminated lines, stripping "\r\n".
func lines(buf []byte, ends []int) [][]byte {
	out := make([][]byte, len(ends))
	start := 0
	for i, e := range ends {
		out[i] = bytes.TrimSuffix(buf[start:e], []byte("\r"))
		start = e + 1
	}
	return out
}

func isOK(line []byte) bool  { return bytes.HasPrefix(line, []byte("+OK")) }
func isErr(line []byte) bool { return bytes.HasPrefix(line, []byte("-ERR")) }

// arrayCount parses "*N".
func arrayCount(line []byte) (int, bool) {
	if len(line) < 2 || line[0] != '*' {
		return 0, false
	}
	n, err := strconv.Atoi(string(line[1:]))
	return n, err == nil
}

// bulkLen parses "$N".
func bulkLen(line []byte) (int, bool) {
	if len(line) < 2 || line[0] != '$' {
		return 0, false
	}
	n, err := strconv.Atoi(string(line[1:]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: redis: "+format, append([]any{framing.ErrMalformed}, args...)...)
}

func quote(b []byte) string {
	const max = 32
	if len(b) > max {
		return strconv.Quote(string(b[:max])) + "..."
	}
	return strconv.Quote(string(b))
}

// Strict is the canonical variant.
type Strict struct{}

func (Strict) Probe(buf []byte) (int, error) {
	ends := lineEnds(buf, frameLines)
	if len(ends) == 0 {
		return 0, nil
	}
	first := lines(buf, ends[:1])[0]
	if len(first) == 0 || first[0] != '*' {
		if isOK(first) || isErr(first) {
			return ends[0] + 1, nil
		}
		return 0, malformed("unexpected reply line %s", quote(first))
	}
	n, ok := arrayCount(first)
	if !ok {
		return 0, malformed("bad array header %s", quote(first))
	}
	if n <= 0 {
		return ends[0] + 1, nil
	}
	if n != 2 {
		return 0, malformed("array of %d elements, want 2", n)
	}
	if len(ends) < frameLines {
		return 0, nil
	}
	ls := lines(buf, ends)
	if err := checkBulk(ls[1], ls[2]); err != nil {
		return 0, err
	}
	if err := checkBulk(ls[3], ls[4]); err != nil {
		return 0, err
	}
	return ends[frameLines-1] + 1, nil
}

func checkBulk(header, data []byte) error {
	n, ok := bulkLen(header)
	if !ok {
		return malformed("bad bulk header %s", quote(header))
	}
	if n > len(data) {
		return malformed("bulk declares %d bytes, line holds %d", n, len(data))
	}
	return nil
}

func (Strict) Encode(msg []byte) []byte { return msg }

func (Strict) Decode(frame []byte) (any, error) {
	ends := lineEnds(frame, frameLines)
	if len(ends) == 0 {
		return nil, malformed("empty frame")
	}
	ls := lines(frame, ends)
	first := ls[0]
	switch {
	case isOK(first):
		return Reply{Kind: KindOK, Text: string(first[1:])}, nil
	case isErr(first):
		return Reply{Kind: KindError, Text: string(first[1:])}, nil
	}
	n, ok := arrayCount(first)
	if !ok {
		return nil, malformed("bad array header %s", quote(first))
	}
	if n <= 0 {
		return Reply{Kind: KindNil}, nil
	}
	if len(ls) < frameLines {
		return nil, malformed("array reply with %d lines", len(ls))
	}
	klen, _ := bulkLen(ls[1])
	vlen, _ := bulkLen(ls[3])
	if klen > len(ls[2]) || vlen > len(ls[4]) {
		return nil, malformed("bulk length exceeds line")
	}
	return Reply{
		Kind:    KindBulk,
		Key:     bytes.Clone(ls[2][:klen]),
		Payload: bytes.Clone(ls[4][:vlen]),
	}, nil
}

// Lenient accepts any five complete lines and never reports malformed input.
// Declared lengths are clamped to what the line holds.
type Lenient struct{}

func (Lenient) Probe(buf []byte) (int, error) {
	ends := lineEnds(buf, frameLines)
	if len(ends) < frameLines {
		return 0, nil
	}
	return ends[frameLines-1] + 1, nil
}

func (Lenient) Encode(msg []byte) []byte { return msg }

func (Lenient) Decode(frame []byte) (any, error) {
	ends := lineEnds(frame, frameLines)
	ls := lines(frame, ends)
	for len(ls) < frameLines {
		ls = append(ls, nil)
	}
	return Reply{
		Kind:    KindBulk,
		Key:     clampSlice(ls[1], ls[2]),
		Payload: clampSlice(ls[3], ls[4]),
	}, nil
}

func clampSlice(header, data []byte) []byte {
	n, _ := bulkLen(header)
	if n > len(data) {
		n = len(data)
	}
	return bytes.Clone(data[:n])
}
