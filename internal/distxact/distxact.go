// Package distxact is the distributed-transaction collaborator of
// spec.md §6: crack_gid(gid) -> (timestamp, distrib_xid);
// set_committed_tree(...). The core treats the GID as an opaque
// identifier (spec.md §1 Non-goals: "providing cross-node coordination
// beyond carrying an opaque GID") — this package is the one place that
// peeks inside it, and only to extract an optional embedded identifier
// coordinators use for their own bookkeeping.
//
// GIDs minted by NewGID for coordinator-originated prepares embed a UUID
// and a timestamp, following the teacher's use of github.com/google/uuid
// for transaction.Transaction.ID. internal/server does not mint GIDs; it
// passes on the GID the client sends.
package distxact

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leengari/twophase/internal/xid"
)

// gidPrefix marks a GID as coordinator-originated and crackable.
const gidPrefix = "DTX-"

// NewGID mints a coordinator GID embedding a fresh UUID and the current
// time, in the form DTX-<uuid>-<unixnano>.
func NewGID(now time.Time) string {
	return fmt.Sprintf("%s%s-%d", gidPrefix, uuid.NewString(), now.UnixNano())
}

// Cracked is what CrackGID extracts from a coordinator GID.
type Cracked struct {
	DistribXactID string
	Timestamp     time.Time
}

// CrackGID parses the optional embedded distributed-transaction id and
// timestamp out of gid. A GID with no DTX- prefix is a perfectly valid,
// ordinary GID (spec §3: "GID, bounded length"); CrackGID returns
// ok=false for it rather than an error, since most GIDs a client
// chooses are opaque text with nothing to crack.
func CrackGID(gid string) (c Cracked, ok bool) {
	if !strings.HasPrefix(gid, gidPrefix) {
		return Cracked{}, false
	}
	rest := strings.TrimPrefix(gid, gidPrefix)
	idx := strings.LastIndex(rest, "-")
	if idx < 0 {
		return Cracked{}, false
	}
	idPart, tsPart := rest[:idx], rest[idx+1:]
	if _, err := uuid.Parse(idPart); err != nil {
		return Cracked{}, false
	}
	nanos, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return Cracked{}, false
	}
	return Cracked{DistribXactID: idPart, Timestamp: time.Unix(0, nanos)}, true
}

// Cracker is the interface twophase depends on, so tests can substitute
// a stub without pulling in real GID parsing.
type Cracker interface {
	CrackGID(gid string) (Cracked, bool)
	SetCommittedTree(id xid.XID, distribXactID string, children []xid.XID)
}

// DefaultCracker implements Cracker using the package-level CrackGID.
// Its SetCommittedTree does nothing: no record of committed distributed
// trees is kept (a real coordinator would forward this to its
// transaction manager, out of scope per spec.md §1).
type DefaultCracker struct{}

func (DefaultCracker) CrackGID(gid string) (Cracked, bool) { return CrackGID(gid) }

func (DefaultCracker) SetCommittedTree(id xid.XID, distribXactID string, children []xid.XID) {}
