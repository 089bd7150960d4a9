package docsync

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// PresenceChannel tracks ephemeral per peer cursor state for one document.
// presence never touches the durable document: each peer owns exactly one
// record, last writer wins, nothing is persisted across restarts.
//
// there is no ordering metadata on the wire, so last writer wins relies on
// outbound sends leaving in cursor order. all sends go through one sender
// goroutine.

const presenceSendBufferSize = 8

type PresenceSettings struct {
	// minimum delay between outbound awareness sends. a cursor move inside
	// the window is coalesced into one trailing send
	MinSendInterval time.Duration
	// peers that have not updated within this window are dropped from the
	// snapshot, since a departed peer never retracts its record
	PeerTimeout time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		MinSendInterval: 150 * time.Millisecond,
		PeerTimeout: 30 * time.Second,
	}
}

type Peer struct {
	ClientId Id
	Cursor CursorPosition
	LastUpdated time.Time
}

type PresenceChannel struct {
	ctx context.Context

	documentId string
	clientId Id
	sender EventSender

	settings *PresenceSettings

	sendCursors chan CursorPosition

	stateLock sync.Mutex
	localCursor *CursorPosition
	peers map[Id]*Peer
	lastSendTime time.Time
	sendPending bool
	sendTimer *time.Timer
	closed bool
}

func newPresenceChannel(
	ctx context.Context,
	sender EventSender,
	documentId string,
	clientId Id,
	settings *PresenceSettings,
) *PresenceChannel {
	presence := &PresenceChannel{
		ctx: ctx,
		documentId: documentId,
		clientId: clientId,
		sender: sender,
		settings: settings,
		sendCursors: make(chan CursorPosition, presenceSendBufferSize),
		peers: map[Id]*Peer{},
	}
	go presence.runSender()
	return presence
}

// UpdateLocalCursor stores the local cursor and broadcasts it when it
// actually changed. sends are rate limited so that keystroke adjacent cursor
// moves do not flood the bus.
func (self *PresenceChannel) UpdateLocalCursor(cursor CursorPosition) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	if self.localCursor != nil && *self.localCursor == cursor {
		self.stateLock.Unlock()
		return
	}
	cursorCopy := cursor
	self.localCursor = &cursorCopy

	if self.sendPending {
		// a trailing send is already scheduled and will pick up this cursor
		self.stateLock.Unlock()
		return
	}
	elapsed := time.Now().Sub(self.lastSendTime)
	if elapsed < self.settings.MinSendInterval {
		self.sendPending = true
		self.sendTimer = time.AfterFunc(self.settings.MinSendInterval - elapsed, self.flush)
		self.stateLock.Unlock()
		return
	}
	self.lastSendTime = time.Now()
	self.stateLock.Unlock()

	self.queueSend(cursor)
}

func (self *PresenceChannel) flush() {
	self.stateLock.Lock()
	self.sendPending = false
	self.sendTimer = nil
	if self.closed || self.localCursor == nil {
		self.stateLock.Unlock()
		return
	}
	cursor := *self.localCursor
	self.lastSendTime = time.Now()
	self.stateLock.Unlock()

	self.queueSend(cursor)
}

func (self *PresenceChannel) queueSend(cursor CursorPosition) {
	select {
	case <-self.ctx.Done():
	case self.sendCursors <- cursor:
	default:
		// presence is best effort. the next cursor move carries the state
		glog.Infof("[pres]%s drop cursor, send buffer full\n", self.documentId)
	}
}

func (self *PresenceChannel) runSender() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case cursor := <-self.sendCursors:
			self.send(cursor)
		}
	}
}

func (self *PresenceChannel) send(cursor CursorPosition) {
	args := &AwarenessUpdateArgs{
		DocumentId: self.documentId,
		AwarenessState: &AwarenessState{
			Cursor: &cursor,
		},
	}
	result := &AwarenessUpdateResult{}
	if err := self.sender.SendEvent(self.ctx, EventAwarenessUpdate, args, result); err != nil {
		// presence is best effort
		glog.Infof("[pres]%s send error = %s\n", self.documentId, err)
		return
	}
	glog.V(2).Infof("[pres]%s-> %d:%d\n", self.documentId, cursor.LineNumber, cursor.Column)
}

// HandleAwareness upserts the presence record for one peer.
// events for other documents and the local echo are discarded.
func (self *PresenceChannel) HandleAwareness(awareness *AwarenessEvent) {
	if awareness.DocumentId != self.documentId {
		return
	}
	if awareness.ClientId == self.clientId {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if awareness.AwarenessState == nil || awareness.AwarenessState.Cursor == nil {
		// the peer left the document
		delete(self.peers, awareness.ClientId)
		glog.V(2).Infof("[pres]%s<- %s left\n", self.documentId, awareness.ClientId)
		return
	}

	self.peers[awareness.ClientId] = &Peer{
		ClientId: awareness.ClientId,
		Cursor: *awareness.AwarenessState.Cursor,
		LastUpdated: time.Now(),
	}
	glog.V(2).Infof("[pres]%s<- %s\n", self.documentId, awareness.ClientId)
}

// Peers is a snapshot of currently known peer cursors for rendering.
// excludes the local client. stale records are pruned.
func (self *PresenceChannel) Peers() []*Peer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	minLastUpdated := time.Now().Add(-self.settings.PeerTimeout)
	for clientId, peer := range self.peers {
		if peer.LastUpdated.Before(minLastUpdated) {
			delete(self.peers, clientId)
		}
	}

	peers := maps.Values(self.peers)
	slices.SortFunc(peers, func(a *Peer, b *Peer) int {
		return strings.Compare(a.ClientId.String(), b.ClientId.String())
	})
	return peers
}

// LocalCursor is the last stored local position, or false if none was set
func (self *PresenceChannel) LocalCursor() (CursorPosition, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.localCursor == nil {
		return CursorPosition{}, false
	}
	return *self.localCursor, true
}

func (self *PresenceChannel) close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	if self.sendTimer != nil {
		self.sendTimer.Stop()
		self.sendTimer = nil
	}
	self.sendPending = false
}
