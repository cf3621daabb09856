package coedit

import (
	"sync"

	"github.com/golang/glog"
)

// In-process fan-out of committed operations and presence changes, keyed by
// document id. Publishes happen after the corresponding commit returns OK,
// so subscribers observe operations in commit order. Missed events are not
// replayed; a late subscriber catches up with GetSince.

// note all callbacks are wrapped to recover from errors

type OpCommittedFunction func(op *Operation)
type UserJoinedFunction func(users []*SessionInfo)
type UserLeftFunction func(sessionId string)

type Subscriber struct {
	OpCommitted OpCommittedFunction
	UserJoined  UserJoinedFunction
	UserLeft    UserLeftFunction
}

// makes a copy of the list on update
type callbackList[T any] struct {
	mutex      sync.Mutex
	nextHandle int
	handles    []int
	callbacks  []T
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *callbackList[T]) add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	handle := self.nextHandle
	self.nextHandle += 1

	nextHandles := make([]int, len(self.handles), len(self.handles)+1)
	copy(nextHandles, self.handles)
	self.handles = append(nextHandles, handle)

	nextCallbacks := make([]T, len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)
	self.callbacks = append(nextCallbacks, callback)

	return handle
}

func (self *callbackList[T]) remove(handle int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, h := range self.handles {
		if h == handle {
			nextHandles := make([]int, 0, len(self.handles)-1)
			nextHandles = append(nextHandles, self.handles[:i]...)
			self.handles = append(nextHandles, self.handles[i+1:]...)

			nextCallbacks := make([]T, 0, len(self.callbacks)-1)
			nextCallbacks = append(nextCallbacks, self.callbacks[:i]...)
			self.callbacks = append(nextCallbacks, self.callbacks[i+1:]...)
			return
		}
	}
}

func (self *callbackList[T]) size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

type Hub struct {
	// reader-majority: publishes take the read lock, connect/disconnect the
	// write lock
	mutex  sync.RWMutex
	topics map[string]*callbackList[*Subscriber]
}

func NewHub() *Hub {
	return &Hub{
		topics: map[string]*callbackList[*Subscriber]{},
	}
}

// returns an unsubscribe function
func (self *Hub) Subscribe(doc string, subscriber *Subscriber) func() {
	self.mutex.Lock()
	topic, ok := self.topics[doc]
	if !ok {
		topic = &callbackList[*Subscriber]{}
		self.topics[doc] = topic
	}
	self.mutex.Unlock()

	handle := topic.add(subscriber)
	return func() {
		topic.remove(handle)

		self.mutex.Lock()
		if topic.size() == 0 {
			if current, ok := self.topics[doc]; ok && current == topic {
				delete(self.topics, doc)
			}
		}
		self.mutex.Unlock()
	}
}

func (self *Hub) subscribers(doc string) []*Subscriber {
	self.mutex.RLock()
	topic, ok := self.topics[doc]
	self.mutex.RUnlock()
	if !ok {
		return nil
	}
	return topic.get()
}

func (self *Hub) PublishOpCommitted(doc string, op *Operation) {
	for _, subscriber := range self.subscribers(doc) {
		if subscriber.OpCommitted != nil {
			dispatch(func() {
				subscriber.OpCommitted(op)
			})
		}
	}
}

func (self *Hub) PublishUserJoined(doc string, users []*SessionInfo) {
	for _, subscriber := range self.subscribers(doc) {
		if subscriber.UserJoined != nil {
			dispatch(func() {
				subscriber.UserJoined(users)
			})
		}
	}
}

func (self *Hub) PublishUserLeft(doc string, sessionId string) {
	for _, subscriber := range self.subscribers(doc) {
		if subscriber.UserLeft != nil {
			dispatch(func() {
				subscriber.UserLeft(sessionId)
			})
		}
	}
}

func dispatch(callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[hub]recovered from subscriber callback: %v\n", r)
		}
	}()
	callback()
}
