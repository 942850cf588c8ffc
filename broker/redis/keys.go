package redis

import (
	"slices"
	"strconv"
)

// Key naming. All keys share a configurable prefix, "{courier}:" by
// default.
type keys struct{ prefix string }

// message returns the Hash key holding one message: {prefix}msg:{id}
func (k keys) message(id string) string { return k.prefix + "msg:" + id }

// token returns the idempotency key: {prefix}token:{token}
func (k keys) token(token string) string { return k.prefix + "token:" + token }

// delayed is the Sorted Set of hidden messages scored by ready-at millis.
func (k keys) delayed() string { return k.prefix + "delayed" }

// ready is the Sorted Set of visible messages of one priority, scored by
// ready-at millis.
func (k keys) ready(priority int) string {
	return k.prefix + "ready:" + strconv.Itoa(priority)
}

// priorities is the Sorted Set of priorities that have had a ready set,
// scored by negated priority.
func (k keys) priorities() string { return k.prefix + "priorities" }

// readyOrder returns the ready set keys for the given priorities, highest
// priority first. Priority 0 is always included so a blocking pop has at
// least one key. Unparseable entries are skipped.
func (k keys) readyOrder(members []string) []string {
	prios := []int{0}
	for _, m := range members {
		p, err := strconv.Atoi(m)
		if err != nil || p == 0 {
			continue
		}
		prios = append(prios, p)
	}
	slices.Sort(prios)
	prios = slices.Compact(prios)
	slices.Reverse(prios)

	out := make([]string, len(prios))
	for i, p := range prios {
		out[i] = k.ready(p)
	}
	return out
}
