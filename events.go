package docsync

import (
	"encoding/json"
)

// event names on the agent network bus
const (
	EventDocumentSync = "document.yjs_sync"
	EventDocumentUpdate = "document.yjs_update"
	EventAwarenessUpdate = "document.awareness_update"
	EventDocumentSave = "document.save"
)

type DocumentSyncArgs struct {
	DocumentId string `json:"document_id"`
}

type DocumentSyncResult struct {
	Success bool `json:"success"`
	Data *DocumentSyncResultData `json:"data,omitempty"`
}

type DocumentSyncResultData struct {
	YjsState []int `json:"yjs_state"`
}

type DocumentUpdateArgs struct {
	DocumentId string `json:"document_id"`
	Update []int `json:"update"`
}

type DocumentUpdateResult struct {
	Success bool `json:"success"`
}

// inbound push for a remote delta
type DocumentUpdateEvent struct {
	DocumentId string `json:"document_id"`
	Update []int `json:"update"`
	SourceAgentId Id `json:"source_agent_id,omitempty"`
}

type CursorPosition struct {
	LineNumber int `json:"lineNumber"`
	Column int `json:"column"`
}

type AwarenessState struct {
	Cursor *CursorPosition `json:"cursor,omitempty"`
}

type AwarenessUpdateArgs struct {
	DocumentId string `json:"document_id"`
	AwarenessState *AwarenessState `json:"awareness_state"`
}

type AwarenessUpdateResult struct {
	Success bool `json:"success"`
}

// inbound push for a remote presence change.
// a nil awareness state means the peer left the document.
type AwarenessEvent struct {
	DocumentId string `json:"document_id"`
	ClientId Id `json:"client_id"`
	AwarenessState *AwarenessState `json:"awareness_state"`
}

type DocumentSaveArgs struct {
	DocumentId string `json:"document_id"`
	Content string `json:"content"`
}

type DocumentSaveResult struct {
	Success bool `json:"success"`
}

// envelope for push messages on the subscribe channel
type PushEnvelope struct {
	Event string `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// client to bus frame on the subscribe channel
type SubscribeFrame struct {
	Type string `json:"type"`
	DocumentId string `json:"document_id"`
}

const (
	SubscribeFrameSubscribe = "subscribe"
	SubscribeFrameUnsubscribe = "unsubscribe"
)
