package resp

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dRESP/rpc/common"
)

// Kind is the type marker of a reply on the wire
type Kind byte

const (
	KindSimple    Kind = '+'
	KindError     Kind = '-'
	KindInt       Kind = ':'
	KindBulk      Kind = '$'
	KindArray     Kind = '*'
	KindNull      Kind = '_'
	KindDouble    Kind = ','
	KindBool      Kind = '#'
	KindBlobError Kind = '!'
	KindVerbatim  Kind = '='
	KindBigNumber Kind = '('
	KindMap       Kind = '%'
	KindSet       Kind = '~'
	KindAttribute Kind = '|'
	KindPush      Kind = '>'
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindError:
		return "error"
	case KindInt:
		return "integer"
	case KindBulk:
		return "bulk"
	case KindArray:
		return "array"
	case KindNull:
		return "null"
	case KindDouble:
		return "double"
	case KindBool:
		return "boolean"
	case KindBlobError:
		return "blob-error"
	case KindVerbatim:
		return "verbatim"
	case KindBigNumber:
		return "big-number"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	case KindAttribute:
		return "attribute"
	case KindPush:
		return "push"
	default:
		return fmt.Sprintf("unknown(%q)", byte(k))
	}
}

// aggregate reports whether replies of this kind carry elements
func (k Kind) aggregate() bool {
	switch k {
	case KindArray, KindMap, KindSet, KindAttribute, KindPush:
		return true
	}
	return false
}

// --------------------------------------------------------------------------
// Reply
// --------------------------------------------------------------------------

// Reply is one decoded value. Which fields are used depends on the Kind:
//
//	Str:    simple, error, bulk, blob error, verbatim (text only), big number
//	Int:    integer
//	Float:  double
//	Bool:   boolean
//	Format: verbatim (e.g. "txt")
//	Elems:  array, set, push and map (flattened key, value, key, value ...)
//	Null:   bulk and array in RESP2 ($-1 / *-1), always true for KindNull
type Reply struct {
	Kind   Kind
	Str    []byte
	Int    int64
	Float  float64
	Bool   bool
	Format string
	Elems  []Reply
	Null   bool
}

// Constructors, used by output tests and the mock servers

func Simple(s string) Reply      { return Reply{Kind: KindSimple, Str: []byte(s)} }
func Error(s string) Reply       { return Reply{Kind: KindError, Str: []byte(s)} }
func Int(n int64) Reply          { return Reply{Kind: KindInt, Int: n} }
func Bulk(b []byte) Reply        { return Reply{Kind: KindBulk, Str: b} }
func BulkString(s string) Reply  { return Reply{Kind: KindBulk, Str: []byte(s)} }
func NullBulk() Reply            { return Reply{Kind: KindBulk, Null: true} }
func NullArray() Reply           { return Reply{Kind: KindArray, Null: true} }
func Null() Reply                { return Reply{Kind: KindNull, Null: true} }
func Double(f float64) Reply     { return Reply{Kind: KindDouble, Float: f} }
func Bool(b bool) Reply          { return Reply{Kind: KindBool, Bool: b} }
func Array(elems ...Reply) Reply { return Reply{Kind: KindArray, Elems: elems} }
func Set(elems ...Reply) Reply   { return Reply{Kind: KindSet, Elems: elems} }
func Push(elems ...Reply) Reply  { return Reply{Kind: KindPush, Elems: elems} }
func Map(kv ...Reply) Reply      { return Reply{Kind: KindMap, Elems: kv} }
func BigNumber(s string) Reply   { return Reply{Kind: KindBigNumber, Str: []byte(s)} }
func BlobError(s string) Reply   { return Reply{Kind: KindBlobError, Str: []byte(s)} }

func Verbatim(format, text string) Reply {
	return Reply{Kind: KindVerbatim, Format: format, Str: []byte(text)}
}

// IsNull reports whether the reply is a null of any protocol version
func (r Reply) IsNull() bool {
	return r.Kind == KindNull || r.Null
}

// IsError reports whether the reply is an error or a blob error
func (r Reply) IsError() bool {
	return r.Kind == KindError || r.Kind == KindBlobError
}

// Err returns the error reply as *common.ServerError, nil for other kinds
func (r Reply) Err() error {
	if !r.IsError() {
		return nil
	}
	return &common.ServerError{Msg: string(r.Str)}
}

// Text returns the reply as text for scalar kinds
func (r Reply) Text() string {
	switch r.Kind {
	case KindInt:
		return strconv.FormatInt(r.Int, 10)
	case KindDouble:
		return formatDouble(r.Float)
	case KindBool:
		if r.Bool {
			return "true"
		}
		return "false"
	case KindNull:
		return ""
	default:
		return string(r.Str)
	}
}

// Len returns the element count of an aggregate (pairs for maps)
func (r Reply) Len() int {
	if r.Kind == KindMap || r.Kind == KindAttribute {
		return len(r.Elems) / 2
	}
	return len(r.Elems)
}

// String renders a reply in a human readable form (used by the cli)
func (r Reply) String() string {
	var sb strings.Builder
	r.format(&sb, "")
	return strings.TrimSuffix(sb.String(), "\n")
}

func (r Reply) format(sb *strings.Builder, indent string) {
	switch {
	case r.IsNull():
		sb.WriteString("(nil)\n")
	case r.IsError():
		sb.WriteString("(error) " + string(r.Str) + "\n")
	case r.Kind == KindInt:
		sb.WriteString("(integer) " + strconv.FormatInt(r.Int, 10) + "\n")
	case r.Kind == KindDouble:
		sb.WriteString("(double) " + formatDouble(r.Float) + "\n")
	case r.Kind == KindBool:
		sb.WriteString("(boolean) " + r.Text() + "\n")
	case r.Kind == KindBigNumber:
		sb.WriteString("(big number) " + string(r.Str) + "\n")
	case r.Kind == KindBulk || r.Kind == KindVerbatim:
		sb.WriteString(strconv.Quote(string(r.Str)) + "\n")
	case r.Kind.aggregate():
		if len(r.Elems) == 0 {
			sb.WriteString("(empty " + r.Kind.String() + ")\n")
			return
		}
		step := 1
		if r.Kind == KindMap || r.Kind == KindAttribute {
			step = 2
		}
		for i := 0; i < len(r.Elems); i += step {
			if i > 0 {
				sb.WriteString(indent)
			}
			prefix := fmt.Sprintf("%d) ", i/step+1)
			sb.WriteString(prefix)
			if step == 2 {
				sb.WriteString(r.Elems[i].Text() + " => ")
				r.Elems[i+1].format(sb, indent+strings.Repeat(" ", len(prefix)))
				continue
			}
			r.Elems[i].format(sb, indent+strings.Repeat(" ", len(prefix)))
		}
	default:
		sb.WriteString(string(r.Str) + "\n")
	}
}

// Equal compares two replies by kind and value. Nil and empty byte slices or
// element lists are considered equal.
func Equal(a, b Reply) bool {
	if a.Kind != b.Kind || a.IsNull() != b.IsNull() {
		return false
	}
	switch a.Kind {
	case KindInt:
		return a.Int == b.Int
	case KindDouble:
		if math.IsNaN(a.Float) {
			return math.IsNaN(b.Float)
		}
		return a.Float == b.Float
	case KindBool:
		return a.Bool == b.Bool
	case KindNull:
		return true
	case KindVerbatim:
		return a.Format == b.Format && bytes.Equal(a.Str, b.Str)
	}
	if a.Kind.aggregate() {
		if len(a.Elems) != len(b.Elems) {
			return false
		}
		for i := range a.Elems {
			if !Equal(a.Elems[i], b.Elems[i]) {
				return false
			}
		}
		return true
	}
	return bytes.Equal(a.Str, b.Str)
}

func formatDouble(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
