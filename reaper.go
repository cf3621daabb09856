package coedit

import (
	"context"
	"time"

	"github.com/golang/glog"
)

/*
Periodic cleanup on a fixed cadence:
1. sessions whose heartbeat went quiet are removed and their leave is
   broadcast
2. pending slots whose commit deadline passed are abandoned, unblocking
   commits stalled behind a crash-leaked reservation
3. documents with no sessions and no uncommitted slots have every ledger
   key deleted. When a flusher is attached, a dirty ledger is saved to the
   object store before deletion so committed edits survive the reap

The checks are not atomic with respect to new sessions. A session that
joins between the checks keeps the ledger alive on the next tick; a session
that joins during deletion re-creates the ledger on its first import.
*/

type ReaperSettings struct {
	CleanupInterval     time.Duration
	StaleSessionTimeout time.Duration
	// budget for one full sweep
	TickTimeout time.Duration
}

func DefaultReaperSettings() *ReaperSettings {
	return &ReaperSettings{
		CleanupInterval:     30 * time.Second,
		StaleSessionTimeout: 2 * time.Minute,
		TickTimeout:         20 * time.Second,
	}
}

// saves a document's coordinated state to the object store out of band
type Flusher interface {
	SaveNow(ctx context.Context, doc string) error
}

type Reaper struct {
	ctx    context.Context
	cancel context.CancelFunc

	coordinator Coordinator
	registry    *SessionRegistry
	hub         *Hub

	flusher Flusher

	settings *ReaperSettings
}

func NewReaperWithDefaults(ctx context.Context, coordinator Coordinator, registry *SessionRegistry, hub *Hub) *Reaper {
	return NewReaper(ctx, coordinator, registry, hub, DefaultReaperSettings())
}

func NewReaper(ctx context.Context, coordinator Coordinator, registry *SessionRegistry, hub *Hub, settings *ReaperSettings) *Reaper {
	cancelCtx, cancel := context.WithCancel(ctx)
	reaper := &Reaper{
		ctx:         cancelCtx,
		cancel:      cancel,
		coordinator: coordinator,
		registry:    registry,
		hub:         hub,
		settings:    settings,
	}
	go reaper.run()
	return reaper
}

// attach an out-of-band save used to preserve committed but unpersisted
// operations before an idle ledger is deleted
func (self *Reaper) SetFlusher(flusher Flusher) {
	self.flusher = flusher
}

func (self *Reaper) Close() {
	self.cancel()
}

func (self *Reaper) run() {
	ticker := time.NewTicker(self.settings.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(self.ctx, self.settings.TickTimeout)
			self.Tick(tickCtx)
			cancel()
		}
	}
}

// one full sweep. Exported so that tests and operator tooling can force a
// cleanup without waiting out the cadence.
func (self *Reaper) Tick(ctx context.Context) {
	docs, err := self.coordinator.ActiveDocuments(ctx)
	if err != nil {
		glog.Infof("[reaper]cannot list active documents: %v\n", err)
		return
	}

	now := time.Now()
	for _, doc := range docs {
		self.reapDocument(ctx, doc, now)
	}
}

func (self *Reaper) reapDocument(ctx context.Context, doc string, now time.Time) {
	expired, err := self.coordinator.ExpiredPending(ctx, doc, now)
	if err != nil {
		glog.Infof("[reaper]cannot read pending slots for %s: %v\n", doc, err)
		return
	}
	for _, version := range expired {
		if err := self.coordinator.Abandon(ctx, doc, version); err != nil {
			glog.Infof("[reaper]cannot abandon %s@%d: %v\n", doc, version, err)
			return
		}
		glog.Infof("[reaper]abandoned expired reservation %s@%d\n", doc, version)
	}

	stale, err := self.registry.StaleSessions(ctx, doc, now)
	if err != nil {
		glog.Infof("[reaper]cannot list sessions for %s: %v\n", doc, err)
		return
	}
	for _, session := range stale {
		removed, err := self.coordinator.RemoveSession(ctx, doc, session.SessionId)
		if err != nil {
			glog.Infof("[reaper]cannot remove session %s: %v\n", session.SessionId, err)
			return
		}
		if removed {
			glog.Infof("[reaper]removed stale session %s (%s) from %s\n", session.SessionId, session.UserName, doc)
			self.hub.PublishUserLeft(doc, session.SessionId)
		}
	}

	sessions, err := self.registry.ListSessions(ctx, doc)
	if err != nil {
		return
	}
	if 0 < len(sessions) {
		return
	}
	pending, err := self.coordinator.PendingSlots(ctx, doc)
	if err != nil {
		return
	}
	if 0 < len(pending) {
		// an uncommitted slot means a submit may still be in flight
		return
	}

	if self.flusher != nil {
		slotCount, err := self.coordinator.SlotCount(ctx, doc)
		if err != nil {
			return
		}
		if 0 < slotCount {
			if err := self.flusher.SaveNow(ctx, doc); err != nil {
				glog.Infof("[reaper]flush of %s before reap failed: %v\n", doc, err)
				return
			}
		}
	}

	if err := self.coordinator.DeleteLedger(ctx, doc); err != nil {
		glog.Infof("[reaper]cannot delete ledger for %s: %v\n", doc, err)
		return
	}
	glog.Infof("[reaper]deleted ledger for idle document %s\n", doc)
}
