package cluster

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dRESP/rpc/cluster/hash"
	"github.com/ValentinKolb/dRESP/rpc/conn"
	"github.com/ValentinKolb/dRESP/rpc/resp"
)

// splittable lists the multi-key commands the split policy fans out per slot
func splittable(name string) bool {
	switch name {
	case "MGET", "MSET", "DEL", "UNLINK", "EXISTS", "TOUCH":
		return true
	}
	return false
}

// part is the share of one slot in a split command
type part struct {
	cmd     *conn.Command
	indices []int // positions of the keys in the original command
}

// split sends one command per slot and merges the replies into the reply the
// original command would have produced on a single node:
//
//	MGET                       array in original key order
//	DEL, UNLINK, EXISTS, TOUCH sum of the integer replies
//	MSET                       OK once every part succeeded
//
// The first failing part fails the whole command.
func (r *Router) split(ctx context.Context, cmd *conn.Command) {
	pairs := cmd.Name == "MSET"
	bySlot := map[int]*part{}
	var order []*part

	for i, key := range cmd.Keys {
		slot := hash.Slot(key)
		p := bySlot[slot]
		if p == nil {
			p = &part{cmd: conn.NewCommand(cmd.Name)}
			bySlot[slot] = p
			order = append(order, p)
		}
		p.indices = append(p.indices, i)
		p.cmd.Args = append(p.cmd.Args, key)
		if pairs {
			p.cmd.Args = append(p.cmd.Args, cmd.Args[2*i+1])
		}
		p.cmd.Keys = append(p.cmd.Keys, key)
	}

	var wg sync.WaitGroup
	for _, p := range order {
		wg.Add(1)
		p.cmd.ReadOnly = cmd.ReadOnly
		r.Dispatch(ctx, p.cmd).OnComplete(wg.Done)
	}

	go func() {
		wg.Wait()
		cmd.Future().Resolve(mergeParts(cmd, order))
	}()
}

// mergeParts combines the replies of all parts and applies the output of the
// original command
func mergeParts(cmd *conn.Command, parts []*part) (interface{}, error) {
	out := cmd.Output
	if out == nil {
		out = resp.ReplyOutput
	}

	var merged resp.Reply
	switch cmd.Name {
	case "MGET":
		merged = resp.Array(make([]resp.Reply, len(cmd.Keys))...)
	case "MSET":
		merged = resp.Simple("OK")
	default:
		merged = resp.Int(0)
	}

	for _, p := range parts {
		v, err := p.cmd.Future().Result()
		if err != nil {
			return nil, err
		}
		reply := v.(resp.Reply)
		if reply.IsError() {
			return out(reply)
		}
		switch cmd.Name {
		case "MGET":
			for j, idx := range p.indices {
				if j < len(reply.Elems) {
					merged.Elems[idx] = reply.Elems[j]
				}
			}
		case "MSET":
		default:
			merged.Int += reply.Int
		}
	}

	return out(merged)
}
