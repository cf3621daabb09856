package coedit

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"
)

/*
UI-initiated save. The client holds the authoritative latest applied state
and serializes it; the server only checks the precondition, writes the
object store, and advances the persisted tip under the monotone
save-cleanup script. A failed upload leaves the ledger untouched, so a
retry or a background save redoes the work.
*/

type PersistenceCoordinator struct {
	coordinator Coordinator
	objects     ObjectStore
	codec       DocumentCodec
	registry    *SessionRegistry
}

func NewPersistenceCoordinator(
	coordinator Coordinator,
	objects ObjectStore,
	codec DocumentCodec,
	registry *SessionRegistry,
) *PersistenceCoordinator {
	return &PersistenceCoordinator{
		coordinator: coordinator,
		objects:     objects,
		codec:       codec,
		registry:    registry,
	}
}

func (self *PersistenceCoordinator) ShouldSave(ctx context.Context, requestContext *RequestContext, clientAppliedVersion int64) (bool, int64, error) {
	doc := requestContext.DocumentId
	persisted, err := self.coordinator.PersistedVersion(ctx, doc)
	if err != nil {
		return false, 0, err
	}
	if self.registry != nil && requestContext.UserName != "" {
		// the save check doubles as the client heartbeat
		if err := self.registry.Touch(ctx, doc, requestContext.UserName, Touch{Heartbeat: true}); err != nil {
			glog.Infof("[persist]heartbeat touch failed: %v\n", err)
		}
	}
	return persisted < clientAppliedVersion, persisted, nil
}

// returns skipped=true when the persisted tip already covers
// clientAppliedVersion; the store is not touched in that case.
func (self *PersistenceCoordinator) Save(ctx context.Context, requestContext *RequestContext, sfdt json.RawMessage, clientAppliedVersion int64) (bool, error) {
	doc := requestContext.DocumentId

	persisted, err := self.coordinator.PersistedVersion(ctx, doc)
	if err != nil {
		return false, err
	}
	if clientAppliedVersion <= persisted {
		return true, nil
	}

	data, err := self.codec.Encode(sfdt)
	if err != nil {
		return false, &SaveFailedError{FileId: doc, Cause: err}
	}
	if err := self.objects.Put(ctx, DocumentObjectKey(doc), data); err != nil {
		return false, &SaveFailedError{FileId: doc, Cause: err}
	}

	if err := self.coordinator.SaveCleanup(ctx, doc, clientAppliedVersion); err != nil {
		return false, err
	}

	if self.registry != nil && requestContext.UserName != "" {
		if err := self.registry.Touch(ctx, doc, requestContext.UserName, Touch{Heartbeat: true, Save: true}); err != nil {
			glog.Infof("[persist]save touch failed: %v\n", err)
		}
	}
	return false, nil
}
