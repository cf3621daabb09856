package coedit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestPersistence() (*MemoryCoordinator, *MemoryObjectStore, *PersistenceCoordinator) {
	coordinator := NewMemoryCoordinator()
	objects := NewMemoryObjectStore()
	hub := NewHub()
	registry := NewSessionRegistryWithDefaults(coordinator, hub)
	persistence := NewPersistenceCoordinator(coordinator, objects, NewPassthroughCodec(), registry)
	return coordinator, objects, persistence
}

func TestShouldSave(t *testing.T) {
	ctx := context.Background()
	coordinator, _, persistence := newTestPersistence()
	requestContext := &RequestContext{UserName: "ada", DocumentId: "doc"}

	shouldSave, persisted, err := persistence.ShouldSave(ctx, requestContext, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, shouldSave, false)
	assert.Equal(t, persisted, int64(0))

	seedCommit(t, coordinator, "doc", 0, 0, "x")
	shouldSave, persisted, err = persistence.ShouldSave(ctx, requestContext, 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, shouldSave, true)
	assert.Equal(t, persisted, int64(0))
}

func TestSaveAdvancesTipAndPrunes(t *testing.T) {
	ctx := context.Background()
	coordinator, objects, persistence := newTestPersistence()
	requestContext := &RequestContext{UserName: "ada", DocumentId: "doc"}

	seedCommit(t, coordinator, "doc", 0, 0, "h")
	seedCommit(t, coordinator, "doc", 1, 1, "i")

	sfdt := json.RawMessage(`{"text":"hi"}`)
	skipped, err := persistence.Save(ctx, requestContext, sfdt, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, skipped, false)

	persisted, err := coordinator.PersistedVersion(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, persisted, int64(2))

	count, err := coordinator.SlotCount(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, count, int64(0))

	data, err := objects.Get(ctx, DocumentObjectKey("doc"))
	assert.Equal(t, err, nil)
	assert.Equal(t, string(data), `{"text":"hi"}`)
}

func TestSaveSkipsWhenCovered(t *testing.T) {
	ctx := context.Background()
	coordinator, objects, persistence := newTestPersistence()
	requestContext := &RequestContext{UserName: "ada", DocumentId: "doc"}

	seedCommit(t, coordinator, "doc", 0, 0, "x")
	skipped, err := persistence.Save(ctx, requestContext, json.RawMessage(`{"text":"x"}`), 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, skipped, false)

	// a stale save does not touch the object store
	skipped, err = persistence.Save(ctx, requestContext, json.RawMessage(`{"text":"old"}`), 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, skipped, true)

	data, err := objects.Get(ctx, DocumentObjectKey("doc"))
	assert.Equal(t, err, nil)
	assert.Equal(t, string(data), `{"text":"x"}`)
}

type failingObjectStore struct {
}

func (self *failingObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, ErrDocumentNotFound
}

func (self *failingObjectStore) Put(ctx context.Context, key string, data []byte) error {
	return errors.New("bucket offline")
}

func TestSaveFailureLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	coordinator := NewMemoryCoordinator()
	persistence := NewPersistenceCoordinator(coordinator, &failingObjectStore{}, NewPassthroughCodec(), nil)
	requestContext := &RequestContext{UserName: "ada", DocumentId: "doc"}

	seedCommit(t, coordinator, "doc", 0, 0, "x")

	_, err := persistence.Save(ctx, requestContext, json.RawMessage(`{"text":"x"}`), 1)
	saveErr := &SaveFailedError{}
	assert.Equal(t, errors.As(err, &saveErr), true)

	// tip not advanced, nothing pruned; a retry redoes the work
	persisted, err := coordinator.PersistedVersion(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, persisted, int64(0))
	count, err := coordinator.SlotCount(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, count, int64(1))
}

func TestSaveTouchesPresence(t *testing.T) {
	ctx := context.Background()
	coordinator, _, persistence := newTestPersistence()

	err := coordinator.AddSession(ctx, "doc", "s1", "ada")
	assert.Equal(t, err, nil)
	sessions, err := coordinator.ListSessions(ctx, "doc")
	assert.Equal(t, err, nil)
	before := sessions[0].LastSave

	seedCommit(t, coordinator, "doc", 0, 0, "x")
	skipped, err := persistence.Save(ctx, &RequestContext{UserName: "ada", DocumentId: "doc"}, json.RawMessage(`{"text":"x"}`), 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, skipped, false)

	sessions, err = coordinator.ListSessions(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, before.Before(sessions[0].LastSave), true)
}
