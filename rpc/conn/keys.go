package conn

import (
	"strconv"
	"strings"
)

// keySpec finds the keys of a command in its arguments
type keySpec func(args [][]byte) [][]byte

// span takes every step-th argument from first to last, a negative last
// counts from the end
func span(first, last, step int) keySpec {
	return func(args [][]byte) [][]byte {
		end := last
		if end < 0 {
			end += len(args)
		}
		end = min(end, len(args)-1)
		var keys [][]byte
		for i := first; i <= end; i += step {
			keys = append(keys, args[i])
		}
		return keys
	}
}

// numKeys reads the key count at index idx, the keys follow it. Arguments
// before idx listed in fixed are keys too (destination of *STORE commands).
func numKeys(idx int, fixed ...int) keySpec {
	return func(args [][]byte) [][]byte {
		if idx >= len(args) {
			return nil
		}
		n, err := strconv.Atoi(string(args[idx]))
		if err != nil || n < 0 || idx+n >= len(args) {
			return nil
		}
		var keys [][]byte
		for _, i := range fixed {
			keys = append(keys, args[i])
		}
		return append(keys, args[idx+1:idx+1+n]...)
	}
}

// afterStreams returns the stream names of XREAD / XREADGROUP: the first
// half of the arguments following STREAMS
func afterStreams(args [][]byte) [][]byte {
	for i, a := range args {
		if strings.EqualFold(string(a), "STREAMS") {
			rest := args[i+1:]
			return rest[:len(rest)/2]
		}
	}
	return nil
}

// keySpecs covers the commands whose keys are not (only) the first argument.
// Other commands take their key as first argument unless they are keyless.
var keySpecs = map[string]keySpec{
	// all arguments are keys
	"DEL":     span(0, -1, 1),
	"UNLINK":  span(0, -1, 1),
	"EXISTS":  span(0, -1, 1),
	"TOUCH":   span(0, -1, 1),
	"MGET":    span(0, -1, 1),
	"WATCH":   span(0, -1, 1),
	"SINTER":  span(0, -1, 1),
	"SUNION":  span(0, -1, 1),
	"SDIFF":   span(0, -1, 1),
	"PFCOUNT": span(0, -1, 1),
	"PFMERGE": span(0, -1, 1),
	// key value pairs
	"MSET":   span(0, -1, 2),
	"MSETNX": span(0, -1, 2),
	// two keys
	"RENAME":         span(0, 1, 1),
	"RENAMENX":       span(0, 1, 1),
	"SMOVE":          span(0, 1, 1),
	"RPOPLPUSH":      span(0, 1, 1),
	"LMOVE":          span(0, 1, 1),
	"BLMOVE":         span(0, 1, 1),
	"BRPOPLPUSH":     span(0, 1, 1),
	"COPY":           span(0, 1, 1),
	"LCS":            span(0, 1, 1),
	"ZRANGESTORE":    span(0, 1, 1),
	"GEOSEARCHSTORE": span(0, 1, 1),
	// keys followed by a timeout
	"BLPOP":    span(0, -2, 1),
	"BRPOP":    span(0, -2, 1),
	"BZPOPMIN": span(0, -2, 1),
	"BZPOPMAX": span(0, -2, 1),
	// destination followed by sources
	"SINTERSTORE": span(0, -1, 1),
	"SUNIONSTORE": span(0, -1, 1),
	"SDIFFSTORE":  span(0, -1, 1),
	"BITOP":       span(1, -1, 1),
	// key count followed by the keys
	"ZUNIONSTORE": numKeys(1, 0),
	"ZINTERSTORE": numKeys(1, 0),
	"ZDIFFSTORE":  numKeys(1, 0),
	"ZUNION":      numKeys(0),
	"ZINTER":      numKeys(0),
	"ZDIFF":       numKeys(0),
	"ZINTERCARD":  numKeys(0),
	"SINTERCARD":  numKeys(0),
	"LMPOP":       numKeys(0),
	"ZMPOP":       numKeys(0),
	"BLMPOP":      numKeys(1),
	"BZMPOP":      numKeys(1),
	"EVAL":        numKeys(1),
	"EVALSHA":     numKeys(1),
	"EVAL_RO":     numKeys(1),
	"EVALSHA_RO":  numKeys(1),
	"FCALL":       numKeys(1),
	"FCALL_RO":    numKeys(1),
	// subcommand followed by the key
	"OBJECT": span(1, 1, 1),
	"MEMORY": span(1, 1, 1),
	// stream names after STREAMS
	"XREAD":      afterStreams,
	"XREADGROUP": afterStreams,
}

// keyless commands never carry a key in their first argument
var keyless = map[string]bool{
	"PING":       true, "ECHO": true, "SELECT": true, "AUTH": true, "HELLO": true,
	"INFO":       true, "CLIENT": true, "CLUSTER": true, "CONFIG": true, "COMMAND": true,
	"DBSIZE":     true, "FLUSHDB": true, "FLUSHALL": true, "KEYS": true, "SCAN": true,
	"RANDOMKEY":  true, "TIME": true, "QUIT": true, "READONLY": true, "READWRITE": true,
	"ASKING":     true, "SENTINEL": true, "ROLE": true, "MULTI": true, "EXEC": true,
	"DISCARD":    true, "UNWATCH": true, "PUBLISH": true, "SUBSCRIBE": true,
	"PSUBSCRIBE": true, "UNSUBSCRIBE": true, "PUNSUBSCRIBE": true, "SCRIPT": true,
	"FUNCTION":   true, "WAIT": true, "SAVE": true, "BGSAVE": true,
	"LASTSAVE":   true, "SHUTDOWN": true, "SWAPDB": true, "DEBUG": true, "MONITOR": true,
}

// readOnly lists the commands that may be served by a replica
var readOnly = map[string]bool{
	"GET":         true, "MGET": true, "STRLEN": true, "GETRANGE": true, "SUBSTR": true,
	"EXISTS":      true, "TYPE": true, "TTL": true, "PTTL": true, "EXPIRETIME": true,
	"HGET":        true, "HMGET": true, "HGETALL": true, "HKEYS": true, "HVALS": true,
	"HLEN":        true, "HEXISTS": true, "HSTRLEN": true, "HSCAN": true,
	"LRANGE":      true, "LLEN": true, "LINDEX": true, "LPOS": true,
	"SMEMBERS":    true, "SISMEMBER": true, "SMISMEMBER": true, "SCARD": true,
	"SRANDMEMBER": true, "SSCAN": true, "SINTER": true, "SUNION": true, "SDIFF": true,
	"ZRANGE":      true, "ZRANGEBYSCORE": true, "ZREVRANGE": true, "ZSCORE": true,
	"ZMSCORE":     true, "ZCARD": true, "ZCOUNT": true, "ZRANK": true, "ZREVRANK": true,
	"ZSCAN":       true, "BITCOUNT": true, "GETBIT": true, "BITPOS": true,
	"PFCOUNT":     true, "XRANGE": true, "XREVRANGE": true, "XLEN": true,
	"DUMP":        true, "OBJECT": true, "TOUCH": true, "LCS": true, "XREAD": true,
	"SINTERCARD":  true, "ZINTERCARD": true, "ZUNION": true, "ZINTER": true, "ZDIFF": true,
	"EVAL_RO":     true, "EVALSHA_RO": true, "FCALL_RO": true,
	"DBSIZE":      true, "KEYS": true, "SCAN": true, "RANDOMKEY": true,
}

// subscription commands are confirmed by one reply per channel
var subscription = map[string]bool{
	"SUBSCRIBE":   true, "PSUBSCRIBE": true, "SSUBSCRIBE": true,
	"UNSUBSCRIBE": true, "PUNSUBSCRIBE": true, "SUNSUBSCRIBE": true,
}

// KeysOf returns the declared keys of a command. Unknown commands with at
// least one argument are assumed to take their key as first argument (GET,
// SET, HSET, INCR, ...).
func KeysOf(name string, args [][]byte) [][]byte {
	upper := strings.ToUpper(name)
	if keyless[upper] || len(args) == 0 {
		return nil
	}
	find, ok := keySpecs[upper]
	if !ok {
		return args[:1]
	}
	return find(args)
}

// IsReadOnly reports whether a command may be served by a replica
func IsReadOnly(name string) bool {
	return readOnly[strings.ToUpper(name)]
}

// IsSubscription reports whether a command is a pub/sub (un)subscribe command
func IsSubscription(name string) bool {
	return subscription[strings.ToUpper(name)]
}
