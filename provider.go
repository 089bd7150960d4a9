package docsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// SyncProvider keeps one crdt document consistent across editors when the
// only transport is a request/response event bus.
//
// protocol properties:
// - initial reconciliation imports the authoritative remote snapshot
// - local edits are broadcast as binary deltas, in the order they occur
// - remote deltas are applied idempotently and commutatively
// - a delta applied with origin remote or init never causes a new broadcast
//
// the provider exclusively owns its replica and presence channel for the
// lifetime of the editing session. construction wires all subscriptions and
// Destroy releases them all.

const sendBufferSize = 32

type SyncProviderSettings struct {
	// when set, a full reconciliation runs on this interval to heal updates
	// that were dropped by failed broadcasts. zero disables periodic resync.
	ResyncInterval time.Duration
	PresenceSettings *PresenceSettings
}

func DefaultSyncProviderSettings() *SyncProviderSettings {
	return &SyncProviderSettings{
		ResyncInterval: 0,
		PresenceSettings: DefaultPresenceSettings(),
	}
}

type SyncProvider struct {
	ctx context.Context
	cancel context.CancelFunc

	documentId string
	clientId Id

	transport Transport
	replica Replica
	presence *PresenceChannel

	settings *SyncProviderSettings

	sendPacks chan *DocumentUpdateArgs

	stateLock sync.Mutex
	status SyncStatus
	// set when the error status came from a failed broadcast. only those
	// errors clear on the next successful broadcast; a failed reconciliation
	// clears only via a successful sync
	broadcastError bool
	statusCallbacks *CallbackList[StatusFunction]

	removeChangeCallback func()
	unsubscribe func()

	resyncOnce sync.Once
	destroyOnce sync.Once
}

func NewSyncProvider(
	ctx context.Context,
	transport Transport,
	replica Replica,
	documentId string,
	clientId Id,
) *SyncProvider {
	return NewSyncProviderWithSettings(
		ctx,
		transport,
		replica,
		documentId,
		clientId,
		DefaultSyncProviderSettings(),
	)
}

func NewSyncProviderWithSettings(
	ctx context.Context,
	transport Transport,
	replica Replica,
	documentId string,
	clientId Id,
	settings *SyncProviderSettings,
) *SyncProvider {
	cancelCtx, cancel := context.WithCancel(ctx)

	provider := &SyncProvider{
		ctx: cancelCtx,
		cancel: cancel,
		documentId: documentId,
		clientId: clientId,
		transport: transport,
		replica: replica,
		settings: settings,
		sendPacks: make(chan *DocumentUpdateArgs, sendBufferSize),
		status: SyncStatusSyncing,
		statusCallbacks: NewCallbackList[StatusFunction](),
	}
	provider.presence = newPresenceChannel(
		cancelCtx,
		transport,
		documentId,
		clientId,
		settings.PresenceSettings,
	)

	provider.removeChangeCallback = replica.AddChangeCallback(provider.handleChange)
	provider.unsubscribe = transport.SubscribeDocument(documentId, provider)

	go provider.runSender()

	return provider
}

func (self *SyncProvider) DocumentId() string {
	return self.documentId
}

func (self *SyncProvider) ClientId() Id {
	return self.clientId
}

func (self *SyncProvider) Presence() *PresenceChannel {
	return self.presence
}

// Initialize reconciles the local replica with the authoritative remote
// state, in order:
//  1. request the full state snapshot for the document
//  2. on success, import it. `initialContentHint` is ignored even when non
//     empty, because the remote state may already reflect edits from peers
//     that raced ahead of this client
//  3. on failure, when the hint is non empty and the local text view is
//     empty, seed the replica locally. the seed is a genuine local edit:
//     other peers must learn about it, so it is broadcast
//
// "no hint and no remote record" returns the reconciliation error; callers
// must treat this as "empty document, proceed".
func (self *SyncProvider) Initialize(ctx context.Context, initialContentHint string) error {
	self.setStatus(SyncStatusSyncing)

	syncErr := self.syncOnce(ctx)
	if syncErr == nil {
		self.setStatus(SyncStatusSynced)
		self.startResync()
		return nil
	}
	glog.Infof("[sync]%s reconcile error = %s\n", self.documentId, syncErr)

	if initialContentHint != "" && self.replica.Text() == "" {
		if err := self.replica.Edit(0, 0, initialContentHint); err != nil {
			self.setStatus(SyncStatusError)
			return fmt.Errorf("%w: seed: %s", ErrReconciliation, err)
		}
		glog.V(1).Infof("[sync]%s seeded %d bytes\n", self.documentId, len(initialContentHint))
		self.setStatus(SyncStatusSynced)
		self.startResync()
		return nil
	}

	self.setStatus(SyncStatusError)
	self.startResync()
	return syncErr
}

// SyncWithServer forces a full reconciliation, e.g. on detected drift or
// reconnect. the import carries init origin, so nothing is re broadcast.
func (self *SyncProvider) SyncWithServer(ctx context.Context) error {
	self.setStatus(SyncStatusSyncing)
	if err := self.syncOnce(ctx); err != nil {
		self.setStatus(SyncStatusError)
		return err
	}
	self.setStatus(SyncStatusSynced)
	return nil
}

func (self *SyncProvider) syncOnce(ctx context.Context) error {
	args := &DocumentSyncArgs{
		DocumentId: self.documentId,
	}
	result := &DocumentSyncResult{}
	if err := self.transport.SendEvent(ctx, EventDocumentSync, args, result); err != nil {
		return fmt.Errorf("%w: %s", ErrReconciliation, err)
	}
	if !result.Success || result.Data == nil {
		return fmt.Errorf("%w: no remote record", ErrReconciliation)
	}
	state, err := DecodeDelta(result.Data.YjsState)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrReconciliation, err)
	}
	if len(state) == 0 {
		// explicitly empty snapshot. the document exists with no edits yet
		glog.V(1).Infof("[sync]%s remote empty\n", self.documentId)
		return nil
	}
	if err := self.replica.ImportState(state); err != nil {
		return fmt.Errorf("%w: import: %s", ErrReconciliation, err)
	}
	glog.V(1).Infof("[sync]%s imported %d bytes\n", self.documentId, len(state))
	return nil
}

// Save exports the plain text view and issues the save event.
// unlike broadcast, failures are surfaced to the caller since save is a
// deliberate user action.
func (self *SyncProvider) Save(ctx context.Context) error {
	args := &DocumentSaveArgs{
		DocumentId: self.documentId,
		Content: self.replica.Text(),
	}
	result := &DocumentSaveResult{}
	if err := self.transport.SendEvent(ctx, EventDocumentSave, args, result); err != nil {
		return fmt.Errorf("%w: %s", ErrSave, err)
	}
	if !result.Success {
		return fmt.Errorf("%w: rejected by bus", ErrSave)
	}
	return nil
}

// ChangeFunction
// loop prevention: only locally originated deltas are broadcast. a delta
// applied with origin remote or init must never cause a new outbound send.
func (self *SyncProvider) handleChange(delta []byte, origin Origin) {
	if origin != OriginLocal {
		glog.V(2).Infof("[sync]%s suppress rebroadcast origin = %s\n", self.documentId, origin)
		return
	}
	if len(delta) == 0 {
		return
	}

	args := &DocumentUpdateArgs{
		DocumentId: self.documentId,
		Update: EncodeDelta(delta),
	}
	// the editor is never blocked waiting for a network round trip.
	// the sender preserves the order local edits occur.
	select {
	case self.sendPacks <- args:
	default:
		// buffer full. the delta is dropped; a future edit or resync
		// carries the state forward
		glog.Infof("[sync]%s drop update, send buffer full\n", self.documentId)
		self.setStatus(SyncStatusError)
	}
}

func (self *SyncProvider) runSender() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case args := <-self.sendPacks:
			self.broadcast(args)
		}
	}
}

func (self *SyncProvider) broadcast(args *DocumentUpdateArgs) {
	result := &DocumentUpdateResult{}
	if err := self.transport.SendEvent(self.ctx, EventDocumentUpdate, args, result); err != nil {
		// a failed broadcast does not roll back the local edit.
		// the user keeps typing; periodic resync heals the gap
		glog.Infof("[sync]%s %s\n", self.documentId, fmt.Errorf("%w: %s", ErrBroadcast, err))
		self.setStatusFromBroadcast(SyncStatusError)
		return
	}
	glog.V(2).Infof("[sync]%s-> %d bytes\n", self.documentId, len(args.Update))
	self.stateLock.Lock()
	recovered := self.status == SyncStatusError && self.broadcastError
	self.stateLock.Unlock()
	if recovered {
		self.setStatus(SyncStatusSynced)
	}
}

// DocumentHandler

func (self *SyncProvider) HandleDocumentUpdate(update *DocumentUpdateEvent) {
	if update.DocumentId != self.documentId {
		return
	}
	if update.SourceAgentId == self.clientId {
		// own echo. applying it would be harmless but pointless
		glog.V(2).Infof("[sync]%s<- echo\n", self.documentId)
		return
	}
	delta, err := DecodeDelta(update.Update)
	if err != nil {
		glog.Infof("[sync]%s drop malformed update = %s\n", self.documentId, err)
		return
	}
	if len(delta) == 0 {
		glog.Infof("[sync]%s drop empty update\n", self.documentId)
		return
	}
	if err := self.replica.ApplyDelta(delta, OriginRemote); err != nil {
		// all or nothing: the local state is unchanged
		glog.Infof("[sync]%s apply error = %s\n", self.documentId, fmt.Errorf("%w: %s", ErrApply, err))
		return
	}
	glog.V(2).Infof("[sync]%s<- %d bytes\n", self.documentId, len(delta))
}

func (self *SyncProvider) HandleAwareness(awareness *AwarenessEvent) {
	self.presence.HandleAwareness(awareness)
}

func (self *SyncProvider) Status() SyncStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

// returns a function to remove the callback
func (self *SyncProvider) AddStatusCallback(statusCallback StatusFunction) func() {
	return self.statusCallbacks.Add(statusCallback)
}

func (self *SyncProvider) setStatus(status SyncStatus) {
	self.applyStatus(status, false)
}

func (self *SyncProvider) setStatusFromBroadcast(status SyncStatus) {
	self.applyStatus(status, true)
}

func (self *SyncProvider) applyStatus(status SyncStatus, broadcastError bool) {
	self.stateLock.Lock()
	changed := self.status != status
	self.status = status
	self.broadcastError = status == SyncStatusError && broadcastError
	self.stateLock.Unlock()

	if changed {
		for _, statusCallback := range self.statusCallbacks.Get() {
			handleCallback(func() {
				statusCallback(status)
			})
		}
	}
}

func (self *SyncProvider) startResync() {
	if self.settings.ResyncInterval <= 0 {
		return
	}
	self.resyncOnce.Do(func() {
		go self.runResync()
	})
}

func (self *SyncProvider) runResync() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ResyncInterval):
		}
		if err := self.SyncWithServer(self.ctx); err != nil {
			glog.Infof("[sync]%s resync error = %s\n", self.documentId, err)
		}
	}
}

// Destroy detaches the change listener, removes the push subscription, and
// releases all references. idempotent. in flight calls are not cancelled mid
// flight; their results are ignored after destroy.
func (self *SyncProvider) Destroy() {
	self.destroyOnce.Do(func() {
		self.removeChangeCallback()
		self.unsubscribe()
		self.presence.close()
		self.cancel()
		glog.V(1).Infof("[sync]%s destroyed\n", self.documentId)
	})
}
