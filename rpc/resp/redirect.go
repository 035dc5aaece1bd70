package resp

import (
	"bytes"
	"strconv"
)

// RedirectKind distinguishes the two redirection replies of a cluster
type RedirectKind int

const (
	// RedirectMoved means the slot is permanently served by another node
	RedirectMoved RedirectKind = iota
	// RedirectAsk means the slot is migrating and only this request goes to the target
	RedirectAsk
)

func (k RedirectKind) String() string {
	if k == RedirectAsk {
		return "ASK"
	}
	return "MOVED"
}

// Redirection is a MOVED or ASK reply. It is consumed by the router and never
// surfaced to the caller as data.
type Redirection struct {
	Kind RedirectKind
	Slot int
	Addr string
}

// ParseRedirection recognizes "MOVED <slot> <addr>" and "ASK <slot> <addr>" error replies
func ParseRedirection(r Reply) (Redirection, bool) {
	if r.Kind != KindError {
		return Redirection{}, false
	}
	fields := bytes.Fields(r.Str)
	if len(fields) != 3 {
		return Redirection{}, false
	}
	var kind RedirectKind
	switch string(fields[0]) {
	case "MOVED":
		kind = RedirectMoved
	case "ASK":
		kind = RedirectAsk
	default:
		return Redirection{}, false
	}
	slot, err := strconv.Atoi(string(fields[1]))
	if err != nil || slot < 0 {
		return Redirection{}, false
	}
	// the address may be ":port" (same host as the replying node), the router resolves it
	return Redirection{Kind: kind, Slot: slot, Addr: string(fields[2])}, true
}
