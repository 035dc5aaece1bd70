package resp

import (
	"strconv"

	"github.com/tidwall/redcon"
)

// --------------------------------------------------------------------------
// Request encoding
// --------------------------------------------------------------------------

// AppendCommand appends the request frame of one command (name followed by
// its arguments) to buf. Arguments are binary safe.
func AppendCommand(buf []byte, name string, args ...[]byte) []byte {
	buf = redcon.AppendArray(buf, len(args)+1)
	buf = redcon.AppendBulkString(buf, name)
	for _, arg := range args {
		buf = redcon.AppendBulk(buf, arg)
	}
	return buf
}

// AppendStrings is AppendCommand for string arguments
func AppendStrings(buf []byte, args ...string) []byte {
	buf = redcon.AppendArray(buf, len(args))
	for _, arg := range args {
		buf = redcon.AppendBulkString(buf, arg)
	}
	return buf
}

// Args converts strings to the byte arguments of a command
func Args(args ...string) [][]byte {
	out := make([][]byte, len(args))
	for i, a := range args {
		out[i] = []byte(a)
	}
	return out
}

// --------------------------------------------------------------------------
// Reply encoding
// --------------------------------------------------------------------------

// AppendReply appends the wire form of r to buf. RESP3 kinds are written as
// they are, callers talking to a RESP2 peer must only pass RESP2 kinds.
func AppendReply(buf []byte, r Reply) []byte {
	switch r.Kind {
	case KindSimple:
		return redcon.AppendString(buf, string(r.Str))
	case KindError:
		return redcon.AppendError(buf, string(r.Str))
	case KindInt:
		return redcon.AppendInt(buf, r.Int)
	case KindBulk:
		if r.Null {
			return redcon.AppendNull(buf)
		}
		return redcon.AppendBulk(buf, r.Str)
	case KindNull:
		return append(buf, '_', '\r', '\n')
	case KindDouble:
		buf = append(buf, ',')
		buf = append(buf, formatDouble(r.Float)...)
		return append(buf, '\r', '\n')
	case KindBool:
		if r.Bool {
			return append(buf, '#', 't', '\r', '\n')
		}
		return append(buf, '#', 'f', '\r', '\n')
	case KindBigNumber:
		buf = append(buf, '(')
		buf = append(buf, r.Str...)
		return append(buf, '\r', '\n')
	case KindBlobError:
		return appendBlob(buf, '!', r.Str)
	case KindVerbatim:
		payload := make([]byte, 0, len(r.Format)+1+len(r.Str))
		payload = append(payload, r.Format...)
		payload = append(payload, ':')
		payload = append(payload, r.Str...)
		return appendBlob(buf, '=', payload)
	case KindArray:
		if r.Null {
			return append(buf, '*', '-', '1', '\r', '\n')
		}
		fallthrough
	case KindSet, KindPush:
		buf = appendHeader(buf, byte(r.Kind), len(r.Elems))
		for _, e := range r.Elems {
			buf = AppendReply(buf, e)
		}
		return buf
	case KindMap, KindAttribute:
		buf = appendHeader(buf, byte(r.Kind), len(r.Elems)/2)
		for _, e := range r.Elems {
			buf = AppendReply(buf, e)
		}
		return buf
	}
	return buf
}

func appendHeader(buf []byte, marker byte, n int) []byte {
	buf = append(buf, marker)
	buf = strconv.AppendInt(buf, int64(n), 10)
	return append(buf, '\r', '\n')
}

func appendBlob(buf []byte, marker byte, b []byte) []byte {
	buf = appendHeader(buf, marker, len(b))
	buf = append(buf, b...)
	return append(buf, '\r', '\n')
}
