package twophase

import (
	"context"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"

	"github.com/leengari/twophase/internal/backend"
)

// TestConcurrentPrepareAndFinishAcrossDistinctGIDs races several
// goroutines each preparing and then finishing their own GID through
// the full state machine. The table's single RWMutex must serialize
// every structural mutation regardless of how many backends call in
// concurrently, so the end state is exactly as if everything ran
// sequentially: every GID prepared, every GID finished, nothing left
// occupying a slot.
func TestConcurrentPrepareAndFinishAcrossDistinctGIDs(t *testing.T) {
	const n = 32
	s, cleanup := newTestSubsystem(t, n)
	defer cleanup()

	var group errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			gid := fmt.Sprintf("concurrent-tx-%d", i)
			caller := CallerInfo{BackendID: backend.ID(i + 1), Role: uint32(i + 1), DatabaseOID: 1}
			if _, err := s.PrepareTransaction(context.Background(), PrepareInput{GID: gid, Caller: caller}); err != nil {
				return err
			}
			ok, err := s.FinishPrepared(context.Background(), FinishInput{
				GID: gid, IsCommit: i%2 == 0, Caller: caller,
			})
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("finish reported not found for %s", gid)
			}
			return nil
		})
	}
	assert.NilError(t, group.Wait())

	for i := 0; i < n; i++ {
		gid := fmt.Sprintf("concurrent-tx-%d", i)
		_, err := s.GXacts.Find(gid)
		assert.Assert(t, err != nil, "expected %s to be finished and released", gid)
	}

	active, valid := s.GXacts.Occupancy()
	assert.Equal(t, active, 0)
	assert.Equal(t, valid, 0)
}
