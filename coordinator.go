package coedit

import (
	"context"
	"time"
)

/*
The coordinator is the sole writer of ledger state. Each primitive executes
atomically against the shared store; none may be decomposed by a caller.

Invariants at the end of every primitive:
1. gapless: every version in (P, V] has a slot, pending or committed
2. monotone version: V decreases only when Abandon rolls it back over
   released, never-committed versions; a slot at v is created only by the
   same primitive that set V >= v
3. persisted prefix: slots <= P are pruned
4. commit immutability: a committed slot is only ever removed by prune
5. counter floor: V >= P, restored by EnsureMin on cold reads

All primitives are idempotent in effect for the same inputs except Reserve,
which always allocates a fresh version; callers resolve partial progress
with Abandon.
*/

const pendingSentinel = "PENDING"

type CommitStatus int

const (
	CommitOk CommitStatus = iota
	CommitVersionConflict
	CommitGapBefore
	CommitPendingBefore
)

func (self CommitStatus) String() string {
	switch self {
	case CommitOk:
		return "OK"
	case CommitVersionConflict:
		return "VERSION_CONFLICT"
	case CommitGapBefore:
		return "GAP_BEFORE"
	case CommitPendingBefore:
		return "PENDING_BEFORE"
	}
	return "UNKNOWN"
}

type ReserveResult struct {
	// the client is below the persisted prefix and must resync
	Stale            bool
	PersistedVersion int64

	NewVersion int64
	// longest contiguous committed prefix starting at clientVersion+1,
	// stopping before the first missing or pending slot
	PriorOps [][]byte
}

type PendingResult struct {
	Ops         [][]byte
	Resync      bool
	WindowStart int64
}

type Coordinator interface {
	// creates V and P at zero if absent
	Init(ctx context.Context, doc string) (created bool, err error)

	// restores the counter floor V >= P, returns current V
	EnsureMin(ctx context.Context, doc string) (int64, error)

	// atomically increments V, creates a pending slot at the new version
	// with the given commit deadline, and reads the prior context
	Reserve(ctx context.Context, doc string, clientVersion int64, deadline time.Time) (*ReserveResult, error)

	// CAS: requires every slot in (P, v) committed and slot v pending
	Commit(ctx context.Context, doc string, version int64, payload []byte) (CommitStatus, error)

	// deletes the slot at version, releasing the reservation. The version
	// counter rolls back to the highest surviving slot so the released
	// version is re-allocated instead of becoming a permanent gap; a
	// committed version is never re-allocated.
	Abandon(ctx context.Context, doc string, version int64) error

	// contiguous committed suffix after clientVersion, with resync signal
	GetPending(ctx context.Context, doc string, clientVersion int64) (*PendingResult, error)

	// advances P monotonically to savedVersion and prunes slots <= savedVersion
	SaveCleanup(ctx context.Context, doc string, savedVersion int64) error

	Version(ctx context.Context, doc string) (int64, error)
	PersistedVersion(ctx context.Context, doc string) (int64, error)

	// number of live slots, pending or committed
	SlotCount(ctx context.Context, doc string) (int64, error)

	// versions of all uncommitted slots
	PendingSlots(ctx context.Context, doc string) ([]int64, error)

	// versions of pending slots whose commit deadline has passed
	ExpiredPending(ctx context.Context, doc string, now time.Time) ([]int64, error)

	// deletes every ledger and presence key for the document and removes it
	// from the active set
	DeleteLedger(ctx context.Context, doc string) error

	// presence

	AddSession(ctx context.Context, doc string, sessionId string, userName string) error
	RemoveSession(ctx context.Context, doc string, sessionId string) (bool, error)
	TouchSession(ctx context.Context, doc string, userName string, touch Touch) error
	ListSessions(ctx context.Context, doc string) ([]*SessionInfo, error)

	// document id for a connected session, reverse of AddSession
	SessionDocument(ctx context.Context, sessionId string) (string, error)

	ActiveDocuments(ctx context.Context) ([]string, error)

	// documents with committed versions beyond the persisted tip
	DirtyDocuments(ctx context.Context) ([]string, error)
}
