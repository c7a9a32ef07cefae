// Package view implements the read-only prepared-transactions view of
// spec.md §6: one row per valid GXact entry exposing
// (transaction, gid, prepared, ownerid, dbid), plus the supplemented
// "list my own prepared transactions" narrower view (SPEC_FULL.md) a
// caller can run without the privilege to see everyone else's.
package view

import (
	"time"

	"github.com/leengari/twophase/internal/gxact"
	"github.com/leengari/twophase/internal/xid"
)

// Row is one line of the prepared-transactions view.
type Row struct {
	Transaction xid.XID
	GID         string
	Prepared    time.Time
	OwnerID     uint32
	DatabaseOID uint32
}

// All returns one Row per valid entry in table, invalid reservations
// filtered out (spec §6: "one row per valid entry; invalid reservations
// are filtered out").
func All(table *gxact.Table) []Row {
	snap := table.SnapshotAll()
	rows := make([]Row, 0, len(snap))
	for _, d := range snap {
		if !d.Valid {
			continue
		}
		rows = append(rows, Row{
			Transaction: d.XID,
			GID:         d.GID,
			Prepared:    d.PreparedAt,
			OwnerID:     d.Owner,
			DatabaseOID: d.DatabaseOID,
		})
	}
	return rows
}

// Mine returns the subset of All whose owner matches callerRole — the
// view a non-superuser backend gets when it asks to see only the
// prepared transactions it could itself finish, without needing the
// privilege All requires in a real deployment.
func Mine(table *gxact.Table, callerRole uint32) []Row {
	rows := All(table)
	out := rows[:0]
	for _, r := range rows {
		if r.OwnerID == callerRole {
			out = append(out, r)
		}
	}
	return out
}
