package coedit

import (
	"context"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/maps"
)

// in-process coordinator with the same semantics as the redis scripts.
// Used by tests and single-node development; all state is behind one lock,
// so every primitive is trivially atomic.

type memorySlot struct {
	payload  []byte
	pending  bool
	deadline time.Time
}

type memoryLedger struct {
	version   int64
	persisted int64
	slots     map[int64]*memorySlot
	sessions  []*SessionInfo
}

type MemoryCoordinator struct {
	stateLock sync.Mutex

	ledgers     map[string]*memoryLedger
	sessionDocs map[string]string

	active mapset.Set[string]
	dirty  mapset.Set[string]
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		ledgers:     map[string]*memoryLedger{},
		sessionDocs: map[string]string{},
		active:      mapset.NewSet[string](),
		dirty:       mapset.NewSet[string](),
	}
}

func (self *MemoryCoordinator) ledger(doc string) *memoryLedger {
	ledger, ok := self.ledgers[doc]
	if !ok {
		ledger = &memoryLedger{
			slots: map[int64]*memorySlot{},
		}
		self.ledgers[doc] = ledger
		self.active.Add(doc)
	}
	return ledger
}

func (self *MemoryCoordinator) Init(ctx context.Context, doc string) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.ledgers[doc]
	self.ledger(doc)
	return !ok, nil
}

func (self *MemoryCoordinator) EnsureMin(ctx context.Context, doc string) (int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ledger := self.ledger(doc)
	if ledger.version < ledger.persisted {
		ledger.version = ledger.persisted
	}
	return ledger.version, nil
}

func (self *MemoryCoordinator) Reserve(ctx context.Context, doc string, clientVersion int64, deadline time.Time) (*ReserveResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ledger := self.ledger(doc)
	if clientVersion < ledger.persisted {
		return &ReserveResult{
			Stale:            true,
			PersistedVersion: ledger.persisted,
		}, nil
	}

	ledger.version += 1
	newVersion := ledger.version
	ledger.slots[newVersion] = &memorySlot{
		pending:  true,
		deadline: deadline,
	}

	priorOps := [][]byte{}
	for v := clientVersion + 1; v < newVersion; v += 1 {
		slot, ok := ledger.slots[v]
		if !ok || slot.pending {
			break
		}
		priorOps = append(priorOps, slices.Clone(slot.payload))
	}

	return &ReserveResult{
		PersistedVersion: ledger.persisted,
		NewVersion:       newVersion,
		PriorOps:         priorOps,
	}, nil
}

func (self *MemoryCoordinator) Commit(ctx context.Context, doc string, version int64, payload []byte) (CommitStatus, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ledger := self.ledger(doc)
	for v := ledger.persisted + 1; v < version; v += 1 {
		slot, ok := ledger.slots[v]
		if !ok {
			return CommitGapBefore, nil
		}
		if slot.pending {
			return CommitPendingBefore, nil
		}
	}

	slot, ok := ledger.slots[version]
	if !ok || !slot.pending {
		return CommitVersionConflict, nil
	}

	slot.payload = slices.Clone(payload)
	slot.pending = false
	slot.deadline = time.Time{}
	self.dirty.Add(doc)
	return CommitOk, nil
}

func (self *MemoryCoordinator) Abandon(ctx context.Context, doc string, version int64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ledger := self.ledger(doc)
	delete(ledger.slots, version)

	// roll the counter back to the highest surviving slot so the deleted
	// version does not become a permanent hole. Only never-committed
	// versions are ever re-allocated.
	top := ledger.persisted
	for _, v := range maps.Keys(ledger.slots) {
		if top < v {
			top = v
		}
	}
	if top < ledger.version {
		ledger.version = top
	}
	return nil
}

func (self *MemoryCoordinator) GetPending(ctx context.Context, doc string, clientVersion int64) (*PendingResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ledger := self.ledger(doc)
	if clientVersion < ledger.persisted {
		return &PendingResult{
			Ops:         [][]byte{},
			Resync:      true,
			WindowStart: ledger.persisted + 1,
		}, nil
	}

	ops := [][]byte{}
	for v := clientVersion + 1; v <= ledger.version; v += 1 {
		slot, ok := ledger.slots[v]
		if !ok || slot.pending {
			break
		}
		ops = append(ops, slices.Clone(slot.payload))
	}
	return &PendingResult{
		Ops:         ops,
		WindowStart: ledger.persisted + 1,
	}, nil
}

func (self *MemoryCoordinator) SaveCleanup(ctx context.Context, doc string, savedVersion int64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ledger := self.ledger(doc)
	if ledger.persisted < savedVersion {
		ledger.persisted = savedVersion
	}
	for v := range ledger.slots {
		if v <= savedVersion {
			delete(ledger.slots, v)
		}
	}
	if ledger.version <= ledger.persisted {
		self.dirty.Remove(doc)
	}
	return nil
}

func (self *MemoryCoordinator) Version(ctx context.Context, doc string) (int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if ledger, ok := self.ledgers[doc]; ok {
		return ledger.version, nil
	}
	return 0, nil
}

func (self *MemoryCoordinator) PersistedVersion(ctx context.Context, doc string) (int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if ledger, ok := self.ledgers[doc]; ok {
		return ledger.persisted, nil
	}
	return 0, nil
}

func (self *MemoryCoordinator) SlotCount(ctx context.Context, doc string) (int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if ledger, ok := self.ledgers[doc]; ok {
		return int64(len(ledger.slots)), nil
	}
	return 0, nil
}

func (self *MemoryCoordinator) PendingSlots(ctx context.Context, doc string) ([]int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pending := []int64{}
	if ledger, ok := self.ledgers[doc]; ok {
		for v, slot := range ledger.slots {
			if slot.pending {
				pending = append(pending, v)
			}
		}
	}
	slices.Sort(pending)
	return pending, nil
}

func (self *MemoryCoordinator) ExpiredPending(ctx context.Context, doc string, now time.Time) ([]int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	expired := []int64{}
	if ledger, ok := self.ledgers[doc]; ok {
		for v, slot := range ledger.slots {
			if slot.pending && slot.deadline.Before(now) {
				expired = append(expired, v)
			}
		}
	}
	slices.Sort(expired)
	return expired, nil
}

func (self *MemoryCoordinator) DeleteLedger(ctx context.Context, doc string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if ledger, ok := self.ledgers[doc]; ok {
		for _, session := range ledger.sessions {
			delete(self.sessionDocs, session.SessionId)
		}
	}
	delete(self.ledgers, doc)
	self.active.Remove(doc)
	self.dirty.Remove(doc)
	return nil
}

func (self *MemoryCoordinator) AddSession(ctx context.Context, doc string, sessionId string, userName string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ledger := self.ledger(doc)
	now := time.Now()
	ledger.sessions = append(ledger.sessions, &SessionInfo{
		SessionId:     sessionId,
		UserName:      userName,
		LastHeartbeat: now,
		LastAction:    now,
	})
	self.sessionDocs[sessionId] = doc
	return nil
}

func (self *MemoryCoordinator) RemoveSession(ctx context.Context, doc string, sessionId string) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ledger, ok := self.ledgers[doc]
	if !ok {
		return false, nil
	}
	i := slices.IndexFunc(ledger.sessions, func(session *SessionInfo) bool {
		return session.SessionId == sessionId
	})
	if i < 0 {
		return false, nil
	}
	ledger.sessions = slices.Delete(ledger.sessions, i, i+1)
	delete(self.sessionDocs, sessionId)
	return true, nil
}

func (self *MemoryCoordinator) TouchSession(ctx context.Context, doc string, userName string, touch Touch) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ledger, ok := self.ledgers[doc]
	if !ok {
		return nil
	}
	now := time.Now()
	for _, session := range ledger.sessions {
		if session.UserName != userName {
			continue
		}
		if touch.Heartbeat {
			session.LastHeartbeat = now
		}
		if touch.Action {
			session.LastAction = now
		}
		if touch.Save {
			session.LastSave = now
		}
	}
	return nil
}

func (self *MemoryCoordinator) ListSessions(ctx context.Context, doc string) ([]*SessionInfo, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ledger, ok := self.ledgers[doc]
	if !ok {
		return []*SessionInfo{}, nil
	}
	sessions := make([]*SessionInfo, 0, len(ledger.sessions))
	for _, session := range ledger.sessions {
		copied := *session
		sessions = append(sessions, &copied)
	}
	return sessions, nil
}

func (self *MemoryCoordinator) SessionDocument(ctx context.Context, sessionId string) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sessionDocs[sessionId], nil
}

func (self *MemoryCoordinator) ActiveDocuments(ctx context.Context) ([]string, error) {
	docs := self.active.ToSlice()
	slices.Sort(docs)
	return docs, nil
}

func (self *MemoryCoordinator) DirtyDocuments(ctx context.Context) ([]string, error) {
	docs := self.dirty.ToSlice()
	slices.Sort(docs)
	return docs, nil
}
