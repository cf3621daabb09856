package coedit

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// Optional background save driven by the dirty-document set the commit and
// save-cleanup scripts maintain. Disabled by default; saves are then
// UI-initiated only. When enabled, each cycle re-imports a dirty document
// (stored binary plus the committed suffix) and persists the result, so an
// abandoned editing session still reaches the object store.

type AutosaveSettings struct {
	// 0 disables the loop
	Interval time.Duration
	// budget for one document
	SaveTimeout time.Duration
}

func DefaultAutosaveSettings() *AutosaveSettings {
	return &AutosaveSettings{
		Interval:    0,
		SaveTimeout: 30 * time.Second,
	}
}

type Autosaver struct {
	ctx    context.Context
	cancel context.CancelFunc

	coordinator Coordinator
	sync        *SyncService
	persistence *PersistenceCoordinator

	settings *AutosaveSettings
}

func NewAutosaver(
	ctx context.Context,
	coordinator Coordinator,
	sync *SyncService,
	persistence *PersistenceCoordinator,
	settings *AutosaveSettings,
) *Autosaver {
	cancelCtx, cancel := context.WithCancel(ctx)
	autosaver := &Autosaver{
		ctx:         cancelCtx,
		cancel:      cancel,
		coordinator: coordinator,
		sync:        sync,
		persistence: persistence,
		settings:    settings,
	}
	if 0 < settings.Interval {
		go autosaver.run()
	}
	return autosaver
}

func (self *Autosaver) Close() {
	self.cancel()
}

func (self *Autosaver) run() {
	ticker := time.NewTicker(self.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.Tick(self.ctx)
		}
	}
}

// Flusher implementation for the reaper
func (self *Autosaver) SaveNow(ctx context.Context, doc string) error {
	result, err := self.sync.Import(ctx, doc)
	if err != nil {
		return err
	}
	requestContext := &RequestContext{
		DocumentId: doc,
	}
	_, err = self.persistence.Save(ctx, requestContext, result.Sfdt, result.Version)
	return err
}

func (self *Autosaver) Tick(ctx context.Context) {
	docs, err := self.coordinator.DirtyDocuments(ctx)
	if err != nil {
		glog.Infof("[autosave]cannot list dirty documents: %v\n", err)
		return
	}
	for _, doc := range docs {
		self.saveDocument(ctx, doc)
	}
}

func (self *Autosaver) saveDocument(ctx context.Context, doc string) {
	saveCtx, cancel := context.WithTimeout(ctx, self.settings.SaveTimeout)
	defer cancel()

	if err := self.SaveNow(saveCtx, doc); err != nil {
		glog.Infof("[autosave]save of %s failed: %v\n", doc, err)
	}
}
