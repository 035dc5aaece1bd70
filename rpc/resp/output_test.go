package resp

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dRESP/rpc/common"
)

func TestOutputs(t *testing.T) {
	tests := map[string]struct {
		out   Output
		reply Reply
		want  interface{}
	}{
		"status":            {StatusOutput, Simple("OK"), "OK"},
		"int":               {IntOutput, Int(7), int64(7)},
		"int from bulk":     {IntOutput, BulkString("12"), int64(12)},
		"bytes":             {BytesOutput, BulkString("v"), []byte("v")},
		"bytes null":        {BytesOutput, NullBulk(), []byte(nil)},
		"bytes resp3 null":  {BytesOutput, Null(), []byte(nil)},
		"string":            {StringOutput, BulkString("v"), "v"},
		"float":             {FloatOutput, Double(2.5), 2.5},
		"float from bulk":   {FloatOutput, BulkString("2.5"), 2.5},
		"bool":              {BoolOutput, Bool(true), true},
		"bool from int":     {BoolOutput, Int(0), false},
		"array":             {ArrayOutput, Array(BulkString("a"), NullBulk(), Int(3)), [][]byte{[]byte("a"), nil, []byte("3")}},
		"map resp3":         {MapOutput, Map(BulkString("k"), BulkString("v")), map[string]string{"k": "v"}},
		"map resp2":         {MapOutput, Array(BulkString("k"), BulkString("v")), map[string]string{"k": "v"}},
		"reply passthrough": {ReplyOutput, Error("ERR x"), Error("ERR x")},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := tc.out(tc.reply)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestOutputErrors(t *testing.T) {
	for name, out := range map[string]Output{
		"status": StatusOutput, "int": IntOutput, "bytes": BytesOutput, "array": ArrayOutput, "map": MapOutput,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := out(Error("WRONGTYPE Operation against a key holding the wrong kind of value"))
			var se *common.ServerError
			if !errors.As(err, &se) || se.Prefix() != "WRONGTYPE" {
				t.Errorf("expected WRONGTYPE server error, got %v", err)
			}
		})
	}

	if _, err := IntOutput(Array()); err == nil {
		t.Errorf("expected error for array passed to IntOutput")
	}
	if _, err := MapOutput(Array(BulkString("k"))); err == nil {
		t.Errorf("expected error for odd map")
	}
}

func TestReplyString(t *testing.T) {
	r := Array(BulkString("a"), Int(2), NullBulk())
	want := "1) \"a\"\n2) (integer) 2\n3) (nil)"
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
