package conn

import (
	"strings"
	"testing"

	"github.com/ValentinKolb/dRESP/rpc/resp"
)

func TestKeysOf(t *testing.T) {
	tests := map[string]struct {
		cmd  []string
		keys string
	}{
		"single key":      {[]string{"GET", "foo"}, "foo"},
		"lowercase":       {[]string{"set", "foo", "bar"}, "foo"},
		"unknown command": {[]string{"HSET", "h", "f", "v"}, "h"},
		"all args":        {[]string{"DEL", "a", "b", "c"}, "a b c"},
		"pairs":           {[]string{"MSET", "a", "1", "b", "2"}, "a b"},
		"two keys":        {[]string{"RENAME", "a", "b"}, "a b"},
		"keyless":         {[]string{"PING", "hello"}, ""},
		"no args":         {[]string{"DBSIZE"}, ""},
		"publish":         {[]string{"PUBLISH", "ch", "msg"}, ""},
		"hyperloglog":     {[]string{"PFCOUNT", "a", "b"}, "a b"},
		"blocking pop":    {[]string{"BLPOP", "a", "b", "0"}, "a b"},
		"blocking move":   {[]string{"BLMOVE", "a", "b", "LEFT", "RIGHT", "0"}, "a b"},
		"store numkeys":   {[]string{"ZUNIONSTORE", "d", "2", "a", "b", "WEIGHTS", "1", "2"}, "d a b"},
		"numkeys":         {[]string{"SINTERCARD", "2", "a", "b", "LIMIT", "1"}, "a b"},
		"timeout numkeys": {[]string{"BLMPOP", "0", "2", "a", "b", "LEFT"}, "a b"},
		"eval":            {[]string{"EVAL", "return 1", "2", "a", "b", "arg"}, "a b"},
		"eval no keys":    {[]string{"EVAL", "return 1", "0"}, ""},
		"bad numkeys":     {[]string{"FCALL", "fn", "3", "a"}, ""},
		"streams":         {[]string{"XREAD", "COUNT", "1", "streams", "a", "b", "0", "0"}, "a b"},
		"streams group":   {[]string{"XREADGROUP", "GROUP", "g", "c", "STREAMS", "a", ">"}, "a"},
		"subcommand":      {[]string{"OBJECT", "ENCODING", "k"}, "k"},
		"memory usage":    {[]string{"MEMORY", "USAGE", "k", "SAMPLES", "5"}, "k"},
		"bitop":           {[]string{"BITOP", "AND", "d", "a", "b"}, "d a b"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var got []string
			for _, k := range KeysOf(tt.cmd[0], resp.Args(tt.cmd[1:]...)) {
				got = append(got, string(k))
			}
			if strings.Join(got, " ") != tt.keys {
				t.Errorf("KeysOf(%v) = %v, want %q", tt.cmd, got, tt.keys)
			}
		})
	}
}

func TestCommandFlags(t *testing.T) {
	get := NewStringCommand("get", "k")
	if get.Name != "GET" || !get.ReadOnly || len(get.Keys) != 1 {
		t.Errorf("unexpected GET descriptor %+v", get)
	}
	if set := NewStringCommand("SET", "k", "v"); set.ReadOnly {
		t.Errorf("SET must not be read-only")
	}
	if !IsSubscription("subscribe") || IsSubscription("PUBLISH") {
		t.Errorf("unexpected subscription classification")
	}

	sub := NewStringCommand("SUBSCRIBE", "a", "b")
	if sub.expectedConfirms() != 2 {
		t.Errorf("expectedConfirms() = %d, want 2", sub.expectedConfirms())
	}
	// repeated extraction must not be affected by earlier argument counts
	for i := 0; i < 2; i++ {
		if keys := KeysOf("BLPOP", resp.Args("a", "b", "c", "0")); len(keys) != 3 {
			t.Errorf("BLPOP keys = %d, want 3", len(keys))
		}
		if keys := KeysOf("BLPOP", resp.Args("a", "0")); len(keys) != 1 {
			t.Errorf("BLPOP keys = %d, want 1", len(keys))
		}
	}

	if n := NewStringCommand("UNSUBSCRIBE").expectedConfirms(); n != 1 {
		t.Errorf("UNSUBSCRIBE without channels expects one confirmation, got %d", n)
	}
}
