package resp

import (
	"fmt"
	"strconv"
)

// Output turns a reply into the value a caller expects. Error replies are
// returned as *common.ServerError by every output of this package.
type Output func(r Reply) (interface{}, error)

// ReplyOutput returns the reply unchanged (error replies included)
func ReplyOutput(r Reply) (interface{}, error) {
	return r, nil
}

// StatusOutput expects a simple string ("OK", "PONG", ...)
func StatusOutput(r Reply) (interface{}, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	switch r.Kind {
	case KindSimple, KindBulk, KindVerbatim:
		return string(r.Str), nil
	}
	return nil, unexpected("status", r)
}

// IntOutput expects an integer (bulk strings holding an integer are accepted)
func IntOutput(r Reply) (interface{}, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	switch r.Kind {
	case KindInt:
		return r.Int, nil
	case KindBulk, KindSimple, KindBigNumber:
		n, err := strconv.ParseInt(string(r.Str), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("reply %q is not an integer: %w", r.Str, err)
		}
		return n, nil
	}
	return nil, unexpected("integer", r)
}

// BytesOutput expects a bulk string, a null yields a nil slice
func BytesOutput(r Reply) (interface{}, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	if r.IsNull() {
		return []byte(nil), nil
	}
	switch r.Kind {
	case KindBulk, KindSimple, KindVerbatim, KindBigNumber:
		return r.Str, nil
	}
	return nil, unexpected("bulk", r)
}

// StringOutput is BytesOutput returning a string ("" for null)
func StringOutput(r Reply) (interface{}, error) {
	v, err := BytesOutput(r)
	if err != nil {
		return nil, err
	}
	return string(v.([]byte)), nil
}

// FloatOutput expects a double (RESP3) or a bulk string holding a float
func FloatOutput(r Reply) (interface{}, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	switch r.Kind {
	case KindDouble:
		return r.Float, nil
	case KindInt:
		return float64(r.Int), nil
	case KindBulk, KindSimple:
		f, err := strconv.ParseFloat(string(r.Str), 64)
		if err != nil {
			return nil, fmt.Errorf("reply %q is not a float: %w", r.Str, err)
		}
		return f, nil
	}
	return nil, unexpected("double", r)
}

// BoolOutput expects a boolean (RESP3) or an integer 0/1 (RESP2)
func BoolOutput(r Reply) (interface{}, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	switch r.Kind {
	case KindBool:
		return r.Bool, nil
	case KindInt:
		return r.Int != 0, nil
	case KindSimple:
		return string(r.Str) == "OK", nil
	}
	return nil, unexpected("boolean", r)
}

// ArrayOutput expects an array or set of bulk strings, null elements are nil
func ArrayOutput(r Reply) (interface{}, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	if r.IsNull() {
		return [][]byte(nil), nil
	}
	switch r.Kind {
	case KindArray, KindSet, KindPush:
	default:
		return nil, unexpected("array", r)
	}
	out := make([][]byte, len(r.Elems))
	for i, e := range r.Elems {
		if e.IsNull() {
			continue
		}
		if e.Kind.aggregate() {
			return nil, unexpected("bulk element", e)
		}
		out[i] = []byte(e.Text())
	}
	return out, nil
}

// MapOutput expects a map (RESP3) or a flat array of key/value pairs (RESP2)
func MapOutput(r Reply) (interface{}, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	switch r.Kind {
	case KindMap, KindArray:
	default:
		return nil, unexpected("map", r)
	}
	if len(r.Elems)%2 != 0 {
		return nil, fmt.Errorf("map reply with odd element count %d", len(r.Elems))
	}
	out := make(map[string]string, len(r.Elems)/2)
	for i := 0; i < len(r.Elems); i += 2 {
		out[r.Elems[i].Text()] = r.Elems[i+1].Text()
	}
	return out, nil
}

func unexpected(want string, r Reply) error {
	return fmt.Errorf("unexpected %s reply, expected %s", r.Kind, want)
}
