// Package xid defines the 32-bit transaction identifier type shared by
// every component of the two-phase-commit core.
package xid

import "sync/atomic"

// XID is a transaction identifier, assigned internally and never reused
// while any transaction referencing it is still of interest.
type XID uint32

// InvalidXID is the sentinel for "no transaction".
const InvalidXID XID = 0

// FirstNormalXID is the first XID handed out by a fresh Generator.
const FirstNormalXID XID = 3

// Generator hands out monotonically increasing XIDs. It mirrors the
// atomic counter the teacher uses for transaction.NewTransaction,
// generalized to 32 bits and to starting above the reserved sentinels.
type Generator struct {
	next uint32
}

// NewGenerator returns a Generator that will hand out FirstNormalXID next.
func NewGenerator() *Generator {
	g := &Generator{}
	atomic.StoreUint32(&g.next, uint32(FirstNormalXID))
	return g
}

// Next allocates and returns the next XID.
func (g *Generator) Next() XID {
	return XID(atomic.AddUint32(&g.next, 1) - 1)
}

// AdvancePast bumps the generator so that the next XID issued is strictly
// greater than every XID in ids. Used during recovery to guarantee
// subtransaction ids are never reissued (spec §4.6 Prescan).
func (g *Generator) AdvancePast(ids ...XID) {
	for {
		cur := atomic.LoadUint32(&g.next)
		max := cur
		for _, id := range ids {
			if uint32(id)+1 > max {
				max = uint32(id) + 1
			}
		}
		if max == cur {
			return
		}
		if atomic.CompareAndSwapUint32(&g.next, cur, max) {
			return
		}
	}
}

// Peek returns the XID that would be handed out by the next call to Next,
// without consuming it. Useful for tests and for logging.
func (g *Generator) Peek() XID {
	return XID(atomic.LoadUint32(&g.next))
}
