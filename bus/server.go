// Package bus is a single process agent network bus for local development
// and integration testing. It terminates the event contract the sync layer
// speaks: request/response events over http post, pushes over a websocket
// subscribe channel. One authoritative replica is kept per document and
// snapshots are persisted to a bbolt store when one is configured.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agentnet/docsync"
	"github.com/agentnet/docsync/rga"
)

const subscriberSendBufferSize = 32

// site tag for the server side replicas. the bus never creates ops itself,
// it only merges, so the tag never appears in atom ids
const busSite = "bus"

type ServerSettings struct {
	WriteTimeout time.Duration
	ReadTimeout time.Duration
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout: 15 * time.Second,
	}
}

type serverDocument struct {
	replica *rga.Text
}

type subscriber struct {
	clientId docsync.Id
	send chan []byte

	stateLock sync.Mutex
	documentIds map[string]bool
}

func (self *subscriber) setSubscribed(documentId string, subscribed bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if subscribed {
		self.documentIds[documentId] = true
	} else {
		delete(self.documentIds, documentId)
	}
}

func (self *subscriber) subscribed(documentId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.documentIds[documentId]
}

type Server struct {
	ctx context.Context
	cancel context.CancelFunc

	// nil means memory only
	store *SnapshotStore

	settings *ServerSettings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	documents map[string]*serverDocument
	subscribers map[*subscriber]bool
}

func NewServer(ctx context.Context, store *SnapshotStore) *Server {
	return NewServerWithSettings(ctx, store, DefaultServerSettings())
}

func NewServerWithSettings(ctx context.Context, store *SnapshotStore, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx: cancelCtx,
		cancel: cancel,
		store: store,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096,
			WriteBufferSize: 4096,
		},
		documents: map[string]*serverDocument{},
		subscribers: map[*subscriber]bool{},
	}
}

func (self *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/events/{event}", self.handleEvent).Methods("POST")
	router.HandleFunc("/subscribe", self.handleSubscribe)
	return router
}

func (self *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr: addr,
		Handler: self.Router(),
	}
	go func() {
		<-self.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5 * time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()
	glog.Infof("[bus]listening on %s\n", addr)
	return server.ListenAndServe()
}

func (self *Server) Close() {
	self.cancel()
}

// the dev bus trusts the jwt claims without verifying the signature
func clientIdFromRequest(r *http.Request) docsync.Id {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		if byJwt, err := docsync.ParseByJwtUnverified(after); err == nil {
			return byJwt.ClientId
		}
	}
	return docsync.Id{}
}

func (self *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	event := mux.Vars(r)["event"]
	clientId := clientIdFromRequest(r)

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	switch event {
	case docsync.EventDocumentSync:
		self.handleDocumentSync(w, bodyBytes)
	case docsync.EventDocumentUpdate:
		self.handleDocumentUpdate(w, clientId, bodyBytes)
	case docsync.EventAwarenessUpdate:
		self.handleAwarenessUpdate(w, clientId, bodyBytes)
	case docsync.EventDocumentSave:
		self.handleDocumentSave(w, bodyBytes)
	default:
		http.Error(w, fmt.Sprintf("unknown event %q", event), http.StatusNotFound)
	}
}

func (self *Server) handleDocumentSync(w http.ResponseWriter, bodyBytes []byte) {
	args := &docsync.DocumentSyncArgs{}
	if err := json.Unmarshal(bodyBytes, args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	document := self.getDocument(args.DocumentId)
	if document == nil {
		// no record of the document. the client falls back to seeding
		glog.V(1).Infof("[bus]%s sync, no record\n", args.DocumentId)
		writeJson(w, &docsync.DocumentSyncResult{
			Success: false,
		})
		return
	}

	state := document.replica.ExportState()
	glog.V(1).Infof("[bus]%s sync %d bytes\n", args.DocumentId, len(state))
	writeJson(w, &docsync.DocumentSyncResult{
		Success: true,
		Data: &docsync.DocumentSyncResultData{
			YjsState: docsync.EncodeDelta(state),
		},
	})
}

func (self *Server) handleDocumentUpdate(w http.ResponseWriter, clientId docsync.Id, bodyBytes []byte) {
	args := &docsync.DocumentUpdateArgs{}
	if err := json.Unmarshal(bodyBytes, args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	delta, err := docsync.DecodeDelta(args.Update)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(delta) == 0 {
		http.Error(w, "empty update", http.StatusBadRequest)
		return
	}

	document := self.getOrCreateDocument(args.DocumentId)
	if err := document.replica.ApplyDelta(delta, docsync.OriginRemote); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	self.persistSnapshot(args.DocumentId, document)

	self.fanout(args.DocumentId, clientId, docsync.EventDocumentUpdate, &docsync.DocumentUpdateEvent{
		DocumentId: args.DocumentId,
		Update: args.Update,
		SourceAgentId: clientId,
	})

	glog.V(2).Infof("[bus]%s<- %s %d bytes\n", args.DocumentId, clientId, len(delta))
	writeJson(w, &docsync.DocumentUpdateResult{
		Success: true,
	})
}

func (self *Server) handleAwarenessUpdate(w http.ResponseWriter, clientId docsync.Id, bodyBytes []byte) {
	args := &docsync.AwarenessUpdateArgs{}
	if err := json.Unmarshal(bodyBytes, args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// presence is ephemeral. nothing is stored, only fanned out
	self.fanout(args.DocumentId, clientId, docsync.EventAwarenessUpdate, &docsync.AwarenessEvent{
		DocumentId: args.DocumentId,
		ClientId: clientId,
		AwarenessState: args.AwarenessState,
	})

	writeJson(w, &docsync.AwarenessUpdateResult{
		Success: true,
	})
}

func (self *Server) handleDocumentSave(w http.ResponseWriter, bodyBytes []byte) {
	args := &docsync.DocumentSaveArgs{}
	if err := json.Unmarshal(bodyBytes, args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if self.store != nil {
		if err := self.store.SetSave(args.DocumentId, args.Content); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	glog.V(1).Infof("[bus]%s saved %d bytes\n", args.DocumentId, len(args.Content))
	writeJson(w, &docsync.DocumentSaveResult{
		Success: true,
	})
}

func (self *Server) getDocument(documentId string) *serverDocument {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if document, ok := self.documents[documentId]; ok {
		return document
	}
	if self.store != nil {
		state, found, err := self.store.GetSnapshot(documentId)
		if err != nil {
			glog.Infof("[bus]%s snapshot read error = %s\n", documentId, err)
			return nil
		}
		if found {
			document := &serverDocument{
				replica: rga.NewText(busSite),
			}
			if err := document.replica.ImportState(state); err != nil {
				glog.Infof("[bus]%s snapshot import error = %s\n", documentId, err)
				return nil
			}
			self.documents[documentId] = document
			return document
		}
	}
	return nil
}

func (self *Server) getOrCreateDocument(documentId string) *serverDocument {
	if document := self.getDocument(documentId); document != nil {
		return document
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if document, ok := self.documents[documentId]; ok {
		return document
	}
	document := &serverDocument{
		replica: rga.NewText(busSite),
	}
	self.documents[documentId] = document
	return document
}

func (self *Server) persistSnapshot(documentId string, document *serverDocument) {
	if self.store == nil {
		return
	}
	if err := self.store.SetSnapshot(documentId, document.replica.ExportState()); err != nil {
		glog.Infof("[bus]%s snapshot write error = %s\n", documentId, err)
	}
}

func (self *Server) fanout(documentId string, sourceClientId docsync.Id, event string, payload any) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	envelopeBytes, err := json.Marshal(&docsync.PushEnvelope{
		Event: event,
		Payload: payloadBytes,
	})
	if err != nil {
		panic(err)
	}

	self.stateLock.Lock()
	subscribers := make([]*subscriber, 0, len(self.subscribers))
	for sub := range self.subscribers {
		subscribers = append(subscribers, sub)
	}
	self.stateLock.Unlock()

	for _, sub := range subscribers {
		if sub.clientId == sourceClientId {
			// never echo back to the sender
			continue
		}
		if !sub.subscribed(documentId) {
			continue
		}
		select {
		case sub.send <- envelopeBytes:
		default:
			// slow consumer. it heals on its next resync
			glog.Infof("[bus]%s drop push to %s\n", documentId, sub.clientId)
		}
	}
}

func (self *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	clientId := clientIdFromRequest(r)

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[bus]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	sub := &subscriber{
		clientId: clientId,
		send: make(chan []byte, subscriberSendBufferSize),
		documentIds: map[string]bool{},
	}
	self.stateLock.Lock()
	self.subscribers[sub] = true
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		delete(self.subscribers, sub)
		self.stateLock.Unlock()
	}()

	glog.V(1).Infof("[bus]subscriber %s connected\n", clientId)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-sub.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.V(1).Infof("[bus]%s-> error = %s\n", clientId, err)
					return
				}
			}
		}
	}()

	// client pings keep the connection alive
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(self.settings.WriteTimeout))
	})

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		frame := &docsync.SubscribeFrame{}
		if err := ws.ReadJSON(frame); err != nil {
			glog.V(1).Infof("[bus]%s<- error = %s\n", clientId, err)
			return
		}

		switch frame.Type {
		case docsync.SubscribeFrameSubscribe:
			sub.setSubscribed(frame.DocumentId, true)
			glog.V(1).Infof("[bus]%s subscribe %s\n", clientId, frame.DocumentId)
		case docsync.SubscribeFrameUnsubscribe:
			sub.setSubscribed(frame.DocumentId, false)
			glog.V(1).Infof("[bus]%s unsubscribe %s\n", clientId, frame.DocumentId)
		default:
			glog.V(2).Infof("[bus]%s ignore frame type %q\n", clientId, frame.Type)
		}
	}
}

func writeJson(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		glog.V(1).Infof("[bus]write error = %s\n", err)
	}
}
