package coedit

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

/*
WebSocket transport. After the upgrade the client sends an init frame
carrying the document id; the server registers the session, replies with
the connection id and the current user list, and then relays hub events for
the document until the connection drops.

Fan-out frames are delivered in arrival order per connection. A client that
falls behind the send buffer is disconnected and recovers through
GetActionsFromServer, so no frame is ever delivered out of order.
*/

const (
	WsActionInit         = "init"
	WsActionHeartbeat    = "heartbeat"
	WsActionUpdateAction = "updateAction"
	WsActionAddUser      = "addUser"
	WsActionRemoveUser   = "removeUser"
)

type WsFrame struct {
	Action  string            `json:"action"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

type WsInitResult struct {
	ConnectionId string         `json:"connectionId"`
	Users        []*SessionInfo `json:"users"`
}

type ConnectionSettings struct {
	InitTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	SendBufferSize int
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		InitTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   20 * time.Second,
		SendBufferSize: 64,
	}
}

type ConnectionHandler struct {
	ctx context.Context

	registry *SessionRegistry
	hub      *Hub

	settings *ConnectionSettings
	upgrader *websocket.Upgrader
}

func NewConnectionHandlerWithDefaults(ctx context.Context, registry *SessionRegistry, hub *Hub) *ConnectionHandler {
	return NewConnectionHandler(ctx, registry, hub, DefaultConnectionSettings())
}

func NewConnectionHandler(ctx context.Context, registry *SessionRegistry, hub *Hub, settings *ConnectionSettings) *ConnectionHandler {
	return &ConnectionHandler{
		ctx:      ctx,
		registry: registry,
		hub:      hub,
		settings: settings,
		upgrader: &websocket.Upgrader{
			// identity is carried in the init frame, not the origin
			CheckOrigin: func(request *http.Request) bool {
				return true
			},
		},
	}
}

func (self *ConnectionHandler) Handle(writer http.ResponseWriter, request *http.Request) {
	ws, err := self.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		glog.Infof("[ws]upgrade failed: %v\n", err)
		return
	}

	connection := &clientConnection{
		handler:  self,
		ws:       ws,
		userName: UserNameForRequest(request, ""),
		send:     make(chan *WsFrame, self.settings.SendBufferSize),
	}
	connection.run()
}

type clientConnection struct {
	handler *ConnectionHandler

	ws       *websocket.Conn
	userName string

	connectionId string
	doc          string

	send chan *WsFrame
}

func (self *clientConnection) run() {
	handler := self.handler
	settings := handler.settings
	defer self.ws.Close()

	self.ws.SetReadDeadline(time.Now().Add(settings.InitTimeout))
	init := &WsFrame{}
	if err := self.ws.ReadJSON(init); err != nil {
		glog.Infof("[ws]init read failed: %v\n", err)
		return
	}
	if init.Action != WsActionInit {
		glog.Infof("[ws]expected init frame, got %s\n", init.Action)
		return
	}
	self.doc = init.Headers["x-file-id"]
	if self.doc == "" {
		glog.Infof("[ws]init frame missing x-file-id\n")
		return
	}
	if self.userName == "" || self.userName == "anonymous" {
		if userName := init.Headers["x-user-name"]; userName != "" {
			self.userName = userName
		} else if self.userName == "" {
			self.userName = "anonymous"
		}
	}
	self.connectionId = NewId().String()

	ctx, cancel := context.WithCancel(handler.ctx)
	defer cancel()

	users, err := handler.registry.AddSession(ctx, self.doc, self.connectionId, self.userName)
	if err != nil {
		glog.Infof("[ws]cannot add session for %s: %v\n", self.doc, err)
		return
	}
	defer func() {
		removeCtx, removeCancel := context.WithTimeout(handler.ctx, settings.WriteTimeout)
		defer removeCancel()
		if _, _, err := handler.registry.RemoveSession(removeCtx, self.connectionId); err != nil {
			glog.Infof("[ws]cannot remove session %s: %v\n", self.connectionId, err)
		}
	}()

	unsubscribe := handler.hub.Subscribe(self.doc, &Subscriber{
		OpCommitted: func(op *Operation) {
			payload, err := json.Marshal(op)
			if err != nil {
				return
			}
			self.enqueue(cancel, &WsFrame{Action: WsActionUpdateAction, Payload: payload})
		},
		UserJoined: func(users []*SessionInfo) {
			payload, err := json.Marshal(users)
			if err != nil {
				return
			}
			self.enqueue(cancel, &WsFrame{Action: WsActionAddUser, Payload: payload})
		},
		UserLeft: func(sessionId string) {
			payload, err := json.Marshal(sessionId)
			if err != nil {
				return
			}
			self.enqueue(cancel, &WsFrame{Action: WsActionRemoveUser, Payload: payload})
		},
	})
	defer unsubscribe()

	initPayload, err := json.Marshal(&WsInitResult{
		ConnectionId: self.connectionId,
		Users:        users,
	})
	if err != nil {
		return
	}
	self.enqueue(cancel, &WsFrame{Action: WsActionInit, Payload: initPayload})

	go self.writeLoop(ctx, cancel)
	self.readLoop(ctx, cancel)
}

// enqueue never blocks. A connection that cannot drain its buffer is
// closed; it recovers through the read path.
func (self *clientConnection) enqueue(cancel context.CancelFunc, frame *WsFrame) {
	select {
	case self.send <- frame:
	default:
		glog.Infof("[ws]send buffer full for %s, dropping connection\n", self.connectionId)
		cancel()
	}
}

func (self *clientConnection) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	settings := self.handler.settings

	pingTicker := time.NewTicker(settings.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-pingTicker.C:
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *clientConnection) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	settings := self.handler.settings

	self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		return nil
	})

	for {
		frame := &WsFrame{}
		if err := self.ws.ReadJSON(frame); err != nil {
			return
		}
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))

		switch frame.Action {
		case WsActionHeartbeat:
			touchCtx, touchCancel := context.WithTimeout(ctx, settings.WriteTimeout)
			err := self.handler.registry.Touch(touchCtx, self.doc, self.userName, Touch{Heartbeat: true})
			touchCancel()
			if err != nil {
				glog.Infof("[ws]heartbeat touch failed: %v\n", err)
			}
		}
	}
}
