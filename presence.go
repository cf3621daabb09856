package coedit

import (
	"context"
	"time"
)

// Per-document registry of connected sessions. State lives in the
// coordinator so that every instance observes the same presence; this type
// adds the join/leave fan-out and stale detection on top.

type SessionRegistrySettings struct {
	// a session whose lastHeartbeat is older than this is stale
	StaleSessionTimeout time.Duration
}

func DefaultSessionRegistrySettings() *SessionRegistrySettings {
	return &SessionRegistrySettings{
		StaleSessionTimeout: 2 * time.Minute,
	}
}

type SessionRegistry struct {
	coordinator Coordinator
	hub         *Hub
	settings    *SessionRegistrySettings
}

func NewSessionRegistryWithDefaults(coordinator Coordinator, hub *Hub) *SessionRegistry {
	return NewSessionRegistry(coordinator, hub, DefaultSessionRegistrySettings())
}

func NewSessionRegistry(coordinator Coordinator, hub *Hub, settings *SessionRegistrySettings) *SessionRegistry {
	return &SessionRegistry{
		coordinator: coordinator,
		hub:         hub,
		settings:    settings,
	}
}

// registers the session, marks the document active, and broadcasts the full
// user list to the document's subscribers. Returns the list.
func (self *SessionRegistry) AddSession(ctx context.Context, doc string, sessionId string, userName string) ([]*SessionInfo, error) {
	if err := self.coordinator.AddSession(ctx, doc, sessionId, userName); err != nil {
		return nil, err
	}
	users, err := self.coordinator.ListSessions(ctx, doc)
	if err != nil {
		return nil, err
	}
	self.hub.PublishUserJoined(doc, users)
	return users, nil
}

// removes the session wherever it is registered and broadcasts the leave.
func (self *SessionRegistry) RemoveSession(ctx context.Context, sessionId string) (string, bool, error) {
	doc, err := self.coordinator.SessionDocument(ctx, sessionId)
	if err != nil {
		return "", false, err
	}
	if doc == "" {
		return "", false, nil
	}
	removed, err := self.coordinator.RemoveSession(ctx, doc, sessionId)
	if err != nil {
		return doc, false, err
	}
	if removed {
		self.hub.PublishUserLeft(doc, sessionId)
	}
	return doc, removed, nil
}

func (self *SessionRegistry) Touch(ctx context.Context, doc string, userName string, touch Touch) error {
	return self.coordinator.TouchSession(ctx, doc, userName, touch)
}

func (self *SessionRegistry) ListSessions(ctx context.Context, doc string) ([]*SessionInfo, error) {
	return self.coordinator.ListSessions(ctx, doc)
}

func (self *SessionRegistry) StaleSessions(ctx context.Context, doc string, now time.Time) ([]*SessionInfo, error) {
	sessions, err := self.coordinator.ListSessions(ctx, doc)
	if err != nil {
		return nil, err
	}
	stale := []*SessionInfo{}
	for _, session := range sessions {
		if session.LastHeartbeat.Add(self.settings.StaleSessionTimeout).Before(now) {
			stale = append(stale, session)
		}
	}
	return stale, nil
}
