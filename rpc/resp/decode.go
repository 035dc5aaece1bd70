package resp

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/ValentinKolb/dRESP/rpc/common"
)

// ErrIncomplete is returned by Decoder.Next when the buffered bytes do not hold
// a complete reply yet
var ErrIncomplete = errors.New("resp: incomplete reply")

const (
	// MaxBulkLen is the largest accepted bulk payload (same as the server default)
	MaxBulkLen = 512 << 20
	// MaxAggregateLen is the largest accepted element count of one aggregate
	MaxAggregateLen = 1 << 26
	// maxLineLen bounds a header line that has no terminator yet
	maxLineLen = 64 << 10
)

// frame is an aggregate that still waits for elements
type frame struct {
	reply     Reply
	remaining int
}

// Decoder is an incremental reply decoder. It is not safe for concurrent use,
// each connection owns one decoder that is only used by its reader.
type Decoder struct {
	buf   []byte
	pos   int
	stack []frame
	err   error
}

// NewDecoder creates an empty decoder
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 4096)}
}

// Feed appends bytes read from the transport
func (d *Decoder) Feed(p []byte) {
	if d.pos > 0 {
		n := copy(d.buf, d.buf[d.pos:])
		d.buf = d.buf[:n]
		d.pos = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of fed bytes that are not consumed yet
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

// Pending reports whether the decoder holds a partially decoded reply
func (d *Decoder) Pending() bool {
	return len(d.stack) > 0 || d.Buffered() > 0
}

// Err returns the sticky protocol error, if any
func (d *Decoder) Err() error {
	return d.err
}

// Reset drops all state, used when the transport is replaced
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.pos = 0
	d.stack = d.stack[:0]
	d.err = nil
}

// Next decodes the next complete reply. It returns ErrIncomplete if more bytes
// are needed and a *common.ProtocolError if the stream is malformed.
func (d *Decoder) Next() (Reply, error) {
	if d.err != nil {
		return Reply{}, d.err
	}

	for {
		r, opened, err := d.readValue()
		if err != nil {
			if !errors.Is(err, ErrIncomplete) {
				d.err = err
			}
			return Reply{}, err
		}
		if opened {
			continue
		}

		// attach the completed value to the open aggregates
		done := true
		for len(d.stack) > 0 && r.Kind != KindAttribute {
			top := &d.stack[len(d.stack)-1]
			top.reply.Elems = append(top.reply.Elems, r)
			top.remaining--
			if top.remaining > 0 {
				done = false
				break
			}
			r = top.reply
			d.stack = d.stack[:len(d.stack)-1]
		}

		// attributes annotate the following value and are dropped
		if r.Kind == KindAttribute {
			continue
		}
		if done {
			return r, nil
		}
	}
}

// readValue reads one scalar or one aggregate header at the current position.
// opened is true when an aggregate with elements was pushed to the stack.
func (d *Decoder) readValue() (r Reply, opened bool, err error) {
	line, next, err := d.readLine()
	if err != nil {
		return Reply{}, false, err
	}

	kind := Kind(line[0])
	body := line[1:]

	switch kind {
	case KindSimple, KindError:
		r = Reply{Kind: kind, Str: clone(body)}

	case KindInt:
		n, err := parseInt(body)
		if err != nil {
			return Reply{}, false, err
		}
		r = Int(n)

	case KindNull:
		if len(body) != 0 {
			return Reply{}, false, common.NewProtocolError("unexpected payload %q after null", body)
		}
		r = Null()

	case KindDouble:
		f, err := strconv.ParseFloat(string(body), 64)
		if err != nil {
			return Reply{}, false, common.NewProtocolError("invalid double %q", body)
		}
		r = Double(f)

	case KindBool:
		switch string(body) {
		case "t":
			r = Bool(true)
		case "f":
			r = Bool(false)
		default:
			return Reply{}, false, common.NewProtocolError("invalid boolean %q", body)
		}

	case KindBigNumber:
		if !isBigNumber(body) {
			return Reply{}, false, common.NewProtocolError("invalid big number %q", body)
		}
		r = Reply{Kind: kind, Str: clone(body)}

	case KindBulk, KindBlobError, KindVerbatim:
		n, err := parseInt(body)
		if err != nil {
			return Reply{}, false, err
		}
		if n == -1 && kind == KindBulk {
			r = NullBulk()
			break
		}
		if n < 0 || n > MaxBulkLen {
			return Reply{}, false, common.NewProtocolError("invalid %s length %d", kind, n)
		}
		end := next + int(n)
		if end+2 > len(d.buf) {
			return Reply{}, false, ErrIncomplete
		}
		if d.buf[end] != '\r' || d.buf[end+1] != '\n' {
			return Reply{}, false, common.NewProtocolError("%s payload not terminated by CRLF", kind)
		}
		payload := clone(d.buf[next:end])
		next = end + 2
		if kind == KindVerbatim {
			if len(payload) < 4 || payload[3] != ':' {
				return Reply{}, false, common.NewProtocolError("invalid verbatim string %q", payload)
			}
			r = Reply{Kind: kind, Format: string(payload[:3]), Str: payload[4:]}
			break
		}
		r = Reply{Kind: kind, Str: payload}

	case KindArray, KindSet, KindMap, KindAttribute, KindPush:
		n, err := parseInt(body)
		if err != nil {
			return Reply{}, false, err
		}
		if n == -1 && kind == KindArray {
			r = NullArray()
			break
		}
		if n < 0 || n > MaxAggregateLen {
			return Reply{}, false, common.NewProtocolError("invalid %s length %d", kind, n)
		}
		count := int(n)
		if kind == KindMap || kind == KindAttribute {
			count *= 2
		}
		d.pos = next
		if count == 0 {
			return Reply{Kind: kind, Elems: []Reply{}}, false, nil
		}
		d.stack = append(d.stack, frame{
			reply:     Reply{Kind: kind, Elems: make([]Reply, 0, min(count, 1024))},
			remaining: count,
		})
		return Reply{}, true, nil

	default:
		return Reply{}, false, common.NewProtocolError("unexpected type marker %q", line[0])
	}

	d.pos = next
	return r, false, nil
}

// readLine returns the line at the current position without its CRLF and the
// offset right after it. The position is not advanced.
func (d *Decoder) readLine() (line []byte, next int, err error) {
	rest := d.buf[d.pos:]
	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		if len(rest) > maxLineLen {
			return nil, 0, common.NewProtocolError("line exceeds %d bytes without terminator", maxLineLen)
		}
		return nil, 0, ErrIncomplete
	}
	if i == 0 || rest[i-1] != '\r' {
		return nil, 0, common.NewProtocolError("line not terminated by CRLF")
	}
	if i == 1 {
		return nil, 0, common.NewProtocolError("empty line")
	}
	return rest[:i-1], d.pos + i + 1, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func parseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, common.NewProtocolError("invalid integer %q", b)
	}
	return n, nil
}

func isBigNumber(b []byte) bool {
	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		b = b[1:]
	}
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
