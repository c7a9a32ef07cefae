// Package relfile names the storage files a prepared transaction may
// need dropped on commit or abort.
package relfile

import "fmt"

// Node identifies a single relation's storage file by the triple the
// original system keys file paths on.
type Node struct {
	DatabaseOID uint32
	Tablespace  uint32
	RelOID      uint32
}

// ForkNumber enumerates the physical forks a single relation can have
// files for. The prepare-record's commit/abort lists carry one Node per
// relation; storagefiles.Manager.Unlink is responsible for removing
// every fork (spec §4.3 step 9: "across all forks").
type ForkNumber uint8

const (
	ForkMain ForkNumber = iota
	ForkFreeSpaceMap
	ForkVisibilityMap
	ForkInit
)

// AllForks lists every fork Unlink must attempt to remove for a Node.
var AllForks = []ForkNumber{ForkMain, ForkFreeSpaceMap, ForkVisibilityMap, ForkInit}

func (f ForkNumber) String() string {
	switch f {
	case ForkMain:
		return "main"
	case ForkFreeSpaceMap:
		return "fsm"
	case ForkVisibilityMap:
		return "vm"
	case ForkInit:
		return "init"
	default:
		return "unknown"
	}
}

func (n Node) String() string {
	return fmt.Sprintf("%d/%d/%d", n.DatabaseOID, n.Tablespace, n.RelOID)
}
