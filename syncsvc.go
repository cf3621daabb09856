package coedit

import (
	"context"
	"encoding/json"
)

// Read path: import a freshly loaded document with every contiguous
// committed operation applied, and serve missed operations to reconnecting
// or lagging clients.

type ImportResult struct {
	Sfdt    json.RawMessage `json:"sfdt"`
	Version int64           `json:"version"`
}

type SinceResult struct {
	Operations  []*Operation `json:"operations"`
	Resync      bool         `json:"resync"`
	WindowStart int64        `json:"windowStart,omitempty"`
}

type SyncService struct {
	coordinator Coordinator
	objects     ObjectStore
	codec       DocumentCodec
	applier     Applier
}

func NewSyncService(coordinator Coordinator, objects ObjectStore, codec DocumentCodec, applier Applier) *SyncService {
	return &SyncService{
		coordinator: coordinator,
		objects:     objects,
		codec:       codec,
		applier:     applier,
	}
}

// Import loads the binary document, applies the longest contiguous
// committed suffix above the persisted tip, and stamps the result so the
// client can submit from the right base. A pending slot in the middle of
// the suffix stops the application; the operations beyond it reach the
// client through GetSince as they commit.
func (self *SyncService) Import(ctx context.Context, doc string) (*ImportResult, error) {
	if _, err := self.coordinator.Init(ctx, doc); err != nil {
		return nil, err
	}
	if _, err := self.coordinator.EnsureMin(ctx, doc); err != nil {
		return nil, err
	}
	persisted, err := self.coordinator.PersistedVersion(ctx, doc)
	if err != nil {
		return nil, err
	}

	data, err := self.objects.Get(ctx, DocumentObjectKey(doc))
	if err != nil {
		return nil, err
	}
	sfdt, err := self.codec.Decode(data)
	if err != nil {
		return nil, err
	}

	pending, err := self.coordinator.GetPending(ctx, doc, persisted)
	if err != nil {
		return nil, err
	}
	ops, err := decodePayloads(pending.Ops)
	if err != nil {
		return nil, err
	}

	if 0 < len(ops) {
		sfdt, err = self.applier.Apply(sfdt, ops)
		if err != nil {
			return nil, err
		}
	}

	// the stamp is the top of the applied prefix. The client must base its
	// first submit on operations it has actually seen, so versions beyond
	// the first non-committed slot never enter the stamp.
	stamp := persisted
	if 0 < len(ops) {
		stamp = ops[len(ops)-1].Version
	}

	return &ImportResult{
		Sfdt:    sfdt,
		Version: stamp,
	}, nil
}

func (self *SyncService) GetSince(ctx context.Context, doc string, clientVersion int64) (*SinceResult, error) {
	pending, err := self.coordinator.GetPending(ctx, doc, clientVersion)
	if err != nil {
		return nil, err
	}
	ops, err := decodePayloads(pending.Ops)
	if err != nil {
		return nil, err
	}
	result := &SinceResult{
		Operations: ops,
		Resync:     pending.Resync,
	}
	if pending.Resync {
		result.WindowStart = pending.WindowStart
	}
	return result, nil
}
