package coedit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testPayload(version int64) []byte {
	payload, err := EncodeOperation(&Operation{
		FileId:        "doc",
		Version:       version,
		IsTransformed: true,
		Operations:    json.RawMessage(`[{"action":"insert","offset":0,"text":"a"}]`),
	})
	if err != nil {
		panic(err)
	}
	return payload
}

func commitOne(t *testing.T, coordinator Coordinator, doc string, clientVersion int64) int64 {
	ctx := context.Background()
	reserved, err := coordinator.Reserve(ctx, doc, clientVersion, time.Now().Add(30*time.Second))
	assert.Equal(t, err, nil)
	assert.Equal(t, reserved.Stale, false)
	status, err := coordinator.Commit(ctx, doc, reserved.NewVersion, testPayload(reserved.NewVersion))
	assert.Equal(t, err, nil)
	assert.Equal(t, status, CommitOk)
	return reserved.NewVersion
}

func TestCoordinatorInit(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	created, err := coordinator.Init(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, created, true)

	created, err = coordinator.Init(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, created, false)

	version, err := coordinator.EnsureMin(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, version, int64(0))

	docs, err := coordinator.ActiveDocuments(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, docs, []string{"doc"})
}

func TestCoordinatorReserveCommit(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	// reserve when V = P = 0 allocates v = 1
	reserved, err := coordinator.Reserve(ctx, "doc", 0, time.Now().Add(30*time.Second))
	assert.Equal(t, err, nil)
	assert.Equal(t, reserved.Stale, false)
	assert.Equal(t, reserved.NewVersion, int64(1))
	assert.Equal(t, len(reserved.PriorOps), 0)

	status, err := coordinator.Commit(ctx, "doc", 1, testPayload(1))
	assert.Equal(t, err, nil)
	assert.Equal(t, status, CommitOk)

	version, err := coordinator.Version(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, version, int64(1))

	persisted, err := coordinator.PersistedVersion(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, persisted, int64(0))

	pending, err := coordinator.GetPending(ctx, "doc", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, pending.Resync, false)
	assert.Equal(t, len(pending.Ops), 1)

	op, err := DecodeOperation(pending.Ops[0])
	assert.Equal(t, err, nil)
	assert.Equal(t, op.Version, int64(1))
}

func TestCoordinatorReserveContext(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	commitOne(t, coordinator, "doc", 0)
	commitOne(t, coordinator, "doc", 1)

	// a reserve from version 0 sees both commits as prior context
	reserved, err := coordinator.Reserve(ctx, "doc", 0, time.Now().Add(30*time.Second))
	assert.Equal(t, err, nil)
	assert.Equal(t, reserved.NewVersion, int64(3))
	assert.Equal(t, len(reserved.PriorOps), 2)

	// the prior context stops at the first pending slot
	reservedNext, err := coordinator.Reserve(ctx, "doc", 0, time.Now().Add(30*time.Second))
	assert.Equal(t, err, nil)
	assert.Equal(t, reservedNext.NewVersion, int64(4))
	assert.Equal(t, len(reservedNext.PriorOps), 2)
}

func TestCoordinatorConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	n := 32
	versions := make(chan int64, n)
	wg := &sync.WaitGroup{}
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reserved, err := coordinator.Reserve(ctx, "doc", 0, time.Now().Add(30*time.Second))
			assert.Equal(t, err, nil)
			versions <- reserved.NewVersion
		}()
	}
	wg.Wait()
	close(versions)

	// distinct, no version skipped
	seen := map[int64]bool{}
	for version := range versions {
		assert.Equal(t, seen[version], false)
		seen[version] = true
	}
	for v := int64(1); v <= int64(n); v += 1 {
		assert.Equal(t, seen[v], true)
	}
}

func TestCoordinatorCommitPreconditions(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()
	deadline := time.Now().Add(30 * time.Second)

	first, err := coordinator.Reserve(ctx, "doc", 0, deadline)
	assert.Equal(t, err, nil)
	second, err := coordinator.Reserve(ctx, "doc", 0, deadline)
	assert.Equal(t, err, nil)

	// an uncommitted slot below blocks the commit
	status, err := coordinator.Commit(ctx, "doc", second.NewVersion, testPayload(second.NewVersion))
	assert.Equal(t, err, nil)
	assert.Equal(t, status, CommitPendingBefore)

	// a committed or missing slot cannot be committed again
	status, err = coordinator.Commit(ctx, "doc", first.NewVersion, testPayload(first.NewVersion))
	assert.Equal(t, err, nil)
	assert.Equal(t, status, CommitOk)
	status, err = coordinator.Commit(ctx, "doc", first.NewVersion, testPayload(first.NewVersion))
	assert.Equal(t, err, nil)
	assert.Equal(t, status, CommitVersionConflict)

	status, err = coordinator.Commit(ctx, "doc", second.NewVersion, testPayload(second.NewVersion))
	assert.Equal(t, err, nil)
	assert.Equal(t, status, CommitOk)
}

func TestCoordinatorAbandonRollsBack(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()
	deadline := time.Now().Add(30 * time.Second)

	commitOne(t, coordinator, "doc", 0)
	leaked, err := coordinator.Reserve(ctx, "doc", 1, deadline)
	assert.Equal(t, err, nil)
	assert.Equal(t, leaked.NewVersion, int64(2))

	err = coordinator.Abandon(ctx, "doc", leaked.NewVersion)
	assert.Equal(t, err, nil)

	// the released version is re-allocated, leaving no hole
	version, err := coordinator.Version(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, version, int64(1))

	next, err := coordinator.Reserve(ctx, "doc", 1, deadline)
	assert.Equal(t, err, nil)
	assert.Equal(t, next.NewVersion, int64(2))
	status, err := coordinator.Commit(ctx, "doc", 2, testPayload(2))
	assert.Equal(t, err, nil)
	assert.Equal(t, status, CommitOk)
}

func TestCoordinatorGetPendingBoundaries(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	commitOne(t, coordinator, "doc", 0)
	commitOne(t, coordinator, "doc", 1)
	err := coordinator.SaveCleanup(ctx, "doc", 2)
	assert.Equal(t, err, nil)

	// clientVersion == P: not stale
	pending, err := coordinator.GetPending(ctx, "doc", 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, pending.Resync, false)
	assert.Equal(t, len(pending.Ops), 0)

	// clientVersion == P - 1: stale
	pending, err = coordinator.GetPending(ctx, "doc", 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, pending.Resync, true)
	assert.Equal(t, pending.WindowStart, int64(3))
}

func TestCoordinatorSaveCleanup(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	for i := int64(0); i < 3; i += 1 {
		commitOne(t, coordinator, "doc", i)
	}

	err := coordinator.SaveCleanup(ctx, "doc", 2)
	assert.Equal(t, err, nil)

	persisted, err := coordinator.PersistedVersion(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, persisted, int64(2))

	// pruned below the tip, op 3 still served
	count, err := coordinator.SlotCount(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, count, int64(1))

	pending, err := coordinator.GetPending(ctx, "doc", 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pending.Ops), 1)

	// the persisted tip is monotone
	err = coordinator.SaveCleanup(ctx, "doc", 1)
	assert.Equal(t, err, nil)
	persisted, err = coordinator.PersistedVersion(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, persisted, int64(2))

	// stale reserve after the tip advanced
	reserved, err := coordinator.Reserve(ctx, "doc", 1, time.Now().Add(30*time.Second))
	assert.Equal(t, err, nil)
	assert.Equal(t, reserved.Stale, true)
	assert.Equal(t, reserved.PersistedVersion, int64(2))
}

func TestCoordinatorEnsureMinFloor(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	commitOne(t, coordinator, "doc", 0)
	err := coordinator.SaveCleanup(ctx, "doc", 5)
	assert.Equal(t, err, nil)

	version, err := coordinator.EnsureMin(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, version, int64(5))
}

func TestCoordinatorExpiredPending(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	reserved, err := coordinator.Reserve(ctx, "doc", 0, time.Now().Add(-time.Second))
	assert.Equal(t, err, nil)

	expired, err := coordinator.ExpiredPending(ctx, "doc", time.Now())
	assert.Equal(t, err, nil)
	assert.Equal(t, expired, []int64{reserved.NewVersion})

	pending, err := coordinator.PendingSlots(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, pending, []int64{reserved.NewVersion})

	fresh, err := coordinator.Reserve(ctx, "doc", 0, time.Now().Add(30*time.Second))
	assert.Equal(t, err, nil)
	expired, err = coordinator.ExpiredPending(ctx, "doc", time.Now())
	assert.Equal(t, err, nil)
	assert.Equal(t, expired, []int64{reserved.NewVersion})
	assert.NotEqual(t, fresh.NewVersion, reserved.NewVersion)
}

func TestCoordinatorSessions(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	err := coordinator.AddSession(ctx, "doc", "s1", "ada")
	assert.Equal(t, err, nil)
	err = coordinator.AddSession(ctx, "doc", "s2", "grace")
	assert.Equal(t, err, nil)

	sessions, err := coordinator.ListSessions(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(sessions), 2)
	assert.Equal(t, sessions[0].SessionId, "s1")
	assert.Equal(t, sessions[0].UserName, "ada")

	doc, err := coordinator.SessionDocument(ctx, "s2")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc, "doc")

	before := sessions[1].LastSave
	err = coordinator.TouchSession(ctx, "doc", "grace", Touch{Save: true})
	assert.Equal(t, err, nil)
	sessions, err = coordinator.ListSessions(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, sessions[1].LastSave.After(before), true)

	removed, err := coordinator.RemoveSession(ctx, "doc", "s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, removed, true)
	removed, err = coordinator.RemoveSession(ctx, "doc", "s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, removed, false)

	sessions, err = coordinator.ListSessions(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(sessions), 1)
	assert.Equal(t, sessions[0].SessionId, "s2")
}

func TestCoordinatorDirtyDocuments(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	dirty, err := coordinator.DirtyDocuments(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(dirty), 0)

	commitOne(t, coordinator, "doc", 0)
	dirty, err = coordinator.DirtyDocuments(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, dirty, []string{"doc"})

	err = coordinator.SaveCleanup(ctx, "doc", 1)
	assert.Equal(t, err, nil)
	dirty, err = coordinator.DirtyDocuments(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(dirty), 0)
}

func TestCoordinatorDeleteLedger(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	commitOne(t, coordinator, "doc", 0)
	err := coordinator.AddSession(ctx, "doc", "s1", "ada")
	assert.Equal(t, err, nil)

	err = coordinator.DeleteLedger(ctx, "doc")
	assert.Equal(t, err, nil)

	docs, err := coordinator.ActiveDocuments(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(docs), 0)

	version, err := coordinator.Version(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, version, int64(0))

	doc, err := coordinator.SessionDocument(ctx, "s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc, "")
}

func TestCoordinatorGaplessUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()

	// concurrent submitters all commit; the log ends gapless and ordered
	n := 16
	wg := &sync.WaitGroup{}
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				reserved, err := coordinator.Reserve(ctx, "doc", 0, time.Now().Add(30*time.Second))
				assert.Equal(t, err, nil)
				for {
					status, err := coordinator.Commit(ctx, "doc", reserved.NewVersion, testPayload(reserved.NewVersion))
					assert.Equal(t, err, nil)
					if status == CommitOk {
						return
					}
					if status == CommitGapBefore {
						break
					}
					time.Sleep(time.Millisecond)
				}
				err = coordinator.Abandon(ctx, "doc", reserved.NewVersion)
				assert.Equal(t, err, nil)
			}
		}()
	}
	wg.Wait()

	version, err := coordinator.Version(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, version, int64(n))

	pending, err := coordinator.GetPending(ctx, "doc", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pending.Ops), n)
	for i, payload := range pending.Ops {
		op, err := DecodeOperation(payload)
		assert.Equal(t, err, nil)
		assert.Equal(t, op.Version, int64(i+1))
	}
}

func TestCoordinatorKeyLayout(t *testing.T) {
	coordinator := NewRedisCoordinatorWithPrefix(nil, "coedit")
	assert.Equal(t, coordinator.versionKey("d1"), "coedit:d1:version")
	assert.Equal(t, coordinator.persistedKey("d1"), "coedit:d1:persisted_version")
	assert.Equal(t, coordinator.opsHashKey("d1"), "coedit:d1:ops_hash")
	assert.Equal(t, coordinator.opsIndexKey("d1"), "coedit:d1:ops_index")
	assert.Equal(t, coordinator.userInfoKey("d1"), "coedit:d1:user_info")
	assert.Equal(t, coordinator.activeRoomsKey(), "coedit:active_rooms")
	assert.Equal(t, coordinator.dirtyRoomsKey(), "coedit:dirty_rooms")
	assert.Equal(t, coordinator.sessionRoomsKey(), "coedit:sessionIdToRoomIdMapping")
}
