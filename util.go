package docsync

import (
	"runtime/debug"
	"sync"

	"github.com/golang/glog"
)

// makes a copy of the list on update, so that `Get` is safe to iterate
// while callbacks are added and removed
type CallbackList[T any] struct {
	stateLock sync.Mutex
	nextCallbackId int
	entries []*callbackListEntry[T]
}

type callbackListEntry[T any] struct {
	callbackId int
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		nextCallbackId: 0,
		entries: []*callbackListEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	entry := &callbackListEntry[T]{
		callbackId: callbackId,
		callback: callback,
	}
	nextEntries := make([]*callbackListEntry[T], len(self.entries), len(self.entries) + 1)
	copy(nextEntries, self.entries)
	nextEntries = append(nextEntries, entry)
	self.entries = nextEntries

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nextEntries := []*callbackListEntry[T]{}
	for _, entry := range self.entries {
		if entry.callbackId != callbackId {
			nextEntries = append(nextEntries, entry)
		}
	}
	self.entries = nextEntries
}

// all callbacks are wrapped to recover from errors
func handleCallback(do func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("Unexpected error in callback: %s\n%s\n", r, debug.Stack())
		}
	}()
	do()
}
