package docsync

import (
	"context"
)

// the event bus is request/response only. there is no persistent
// bidirectional protocol and no delivery ordering across separate calls.
// pushes are surfaced through a per document subscription.

type EventSender interface {
	// SendEvent issues one request/response call on the bus. `result` is
	// populated from the response body on success.
	SendEvent(ctx context.Context, event string, args any, result any) error
}

type DocumentHandler interface {
	HandleDocumentUpdate(update *DocumentUpdateEvent)
	HandleAwareness(awareness *AwarenessEvent)
}

type DocumentSubscriber interface {
	// SubscribeDocument registers a handler for push events scoped to one
	// document. returns a function to remove the subscription.
	SubscribeDocument(documentId string, handler DocumentHandler) func()
}

type Transport interface {
	EventSender
	DocumentSubscriber
}
