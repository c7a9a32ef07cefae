package view

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/leengari/twophase/internal/gxact"
	"github.com/leengari/twophase/internal/procarray"
)

func TestAllFiltersOutInvalidReservations(t *testing.T) {
	table := gxact.New(4)
	procs := procarray.New()

	validRef, err := table.Reserve(gxact.ReserveInput{XID: 10, GID: "gid-valid", PreparedAt: time.Now(), Owner: 1, DatabaseOID: 7})
	assert.NilError(t, err)
	table.MarkValid(validRef, procs)

	_, err = table.Reserve(gxact.ReserveInput{XID: 11, GID: "gid-reserved-only", PreparedAt: time.Now(), Owner: 1, DatabaseOID: 7})
	assert.NilError(t, err)

	rows := All(table)
	assert.Equal(t, len(rows), 1)
	assert.Equal(t, rows[0].GID, "gid-valid")
}

func TestMineFiltersByOwner(t *testing.T) {
	table := gxact.New(4)
	procs := procarray.New()

	r1, err := table.Reserve(gxact.ReserveInput{XID: 10, GID: "gid-a", PreparedAt: time.Now(), Owner: 1, DatabaseOID: 7})
	assert.NilError(t, err)
	table.MarkValid(r1, procs)

	r2, err := table.Reserve(gxact.ReserveInput{XID: 11, GID: "gid-b", PreparedAt: time.Now(), Owner: 2, DatabaseOID: 7})
	assert.NilError(t, err)
	table.MarkValid(r2, procs)

	mine := Mine(table, 1)
	assert.Equal(t, len(mine), 1)
	assert.Equal(t, mine[0].GID, "gid-a")
}
