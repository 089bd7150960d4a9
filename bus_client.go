package docsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// BusClient is the concrete Transport against an agent network bus:
// request/response events go over http post, pushes arrive on a websocket
// subscribe channel. the subscribe channel reconnects with exponential
// backoff and resubscribes all documents after a reconnect.

const subscribeFrameBufferSize = 32

type BusClientSettings struct {
	HttpConnectTimeout time.Duration
	HttpTlsTimeout time.Duration
	HttpTimeout time.Duration
	WsHandshakeTimeout time.Duration
	WriteTimeout time.Duration
	ReadTimeout time.Duration
	PingTimeout time.Duration
	ReconnectInitialTimeout time.Duration
	ReconnectMaxTimeout time.Duration
}

func DefaultBusClientSettings() *BusClientSettings {
	return &BusClientSettings{
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout: 5 * time.Second,
		HttpTimeout: 60 * time.Second,
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout: 15 * time.Second,
		PingTimeout: 5 * time.Second,
		ReconnectInitialTimeout: 500 * time.Millisecond,
		ReconnectMaxTimeout: 15 * time.Second,
	}
}

type documentSubscription struct {
	subscriptionId int
	documentId string
	handler DocumentHandler
}

type BusClient struct {
	ctx context.Context
	cancel context.CancelFunc

	eventUrl string
	subscribeUrl string
	auth *ClientAuth

	settings *BusClientSettings

	httpClient *http.Client

	subscribeFrames chan *SubscribeFrame

	stateLock sync.Mutex
	nextSubscriptionId int
	subscriptions map[int]*documentSubscription
}

func NewBusClient(
	ctx context.Context,
	eventUrl string,
	subscribeUrl string,
	auth *ClientAuth,
) *BusClient {
	return NewBusClientWithSettings(ctx, eventUrl, subscribeUrl, auth, DefaultBusClientSettings())
}

func NewBusClientWithSettings(
	ctx context.Context,
	eventUrl string,
	subscribeUrl string,
	auth *ClientAuth,
	settings *BusClientSettings,
) *BusClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout: settings.HttpTimeout,
	}

	client := &BusClient{
		ctx: cancelCtx,
		cancel: cancel,
		eventUrl: eventUrl,
		subscribeUrl: subscribeUrl,
		auth: auth,
		settings: settings,
		httpClient: httpClient,
		subscribeFrames: make(chan *SubscribeFrame, subscribeFrameBufferSize),
		subscriptions: map[int]*documentSubscription{},
	}
	go client.run()
	return client
}

// EventSender
func (self *BusClient) SendEvent(ctx context.Context, event string, args any, result any) error {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			return err
		}
	}

	url := fmt.Sprintf("%s/%s", self.eventUrl, event)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return err
	}

	req.Header.Add("Content-Type", "text/json")
	if self.auth != nil && self.auth.ByJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
	}

	r, err := self.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		return errors.New(errorMessage)
	}
	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}
	return json.Unmarshal(responseBodyBytes, result)
}

// DocumentSubscriber
func (self *BusClient) SubscribeDocument(documentId string, handler DocumentHandler) func() {
	self.stateLock.Lock()
	subscriptionId := self.nextSubscriptionId
	self.nextSubscriptionId += 1
	self.subscriptions[subscriptionId] = &documentSubscription{
		subscriptionId: subscriptionId,
		documentId: documentId,
		handler: handler,
	}
	self.stateLock.Unlock()

	self.queueFrame(&SubscribeFrame{
		Type: SubscribeFrameSubscribe,
		DocumentId: documentId,
	})

	return func() {
		self.stateLock.Lock()
		delete(self.subscriptions, subscriptionId)
		remaining := false
		for _, subscription := range self.subscriptions {
			if subscription.documentId == documentId {
				remaining = true
				break
			}
		}
		self.stateLock.Unlock()

		if !remaining {
			self.queueFrame(&SubscribeFrame{
				Type: SubscribeFrameUnsubscribe,
				DocumentId: documentId,
			})
		}
	}
}

func (self *BusClient) queueFrame(frame *SubscribeFrame) {
	select {
	case <-self.ctx.Done():
	case self.subscribeFrames <- frame:
	default:
		// the connect loop resubscribes everything on reconnect, so a
		// dropped frame is healed by forcing a reconnect cycle
		glog.Infof("[bus]subscribe frame buffer full\n")
	}
}

func (self *BusClient) subscribedDocumentIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	documentIds := map[string]bool{}
	for _, subscription := range self.subscriptions {
		documentIds[subscription.documentId] = true
	}
	out := []string{}
	for documentId := range documentIds {
		out = append(out, documentId)
	}
	return out
}

func (self *BusClient) run() {
	defer self.cancel()

	clientId := Id{}
	if self.auth != nil {
		clientId, _ = self.auth.ClientId()
	}

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.ReconnectInitialTimeout
	reconnect.MaxInterval = self.settings.ReconnectMaxTimeout
	reconnect.MaxElapsedTime = 0

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			header := http.Header{}
			if self.auth != nil && self.auth.ByJwt != "" {
				header.Add("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
			}
			ws, _, err := dialer.DialContext(self.ctx, self.subscribeUrl, header)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			// resubscribe all current documents
			for _, documentId := range self.subscribedDocumentIds() {
				frame := &SubscribeFrame{
					Type: SubscribeFrameSubscribe,
					DocumentId: documentId,
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(frame); err != nil {
					return nil, err
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[bus]connect error %s = %s\n", clientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(reconnect.NextBackOff()):
				continue
			}
		}
		reconnect.Reset()

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case frame := <-self.subscribeFrames:
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteJSON(frame); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[bus]%s-> error = %s\n", clientId, err)
							return
						}
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
							return
						}
					}
				}
			}()

			func() {
				defer handleCancel()

				ws.SetPongHandler(func(string) error {
					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					return nil
				})

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[bus]%s<- error = %s\n", clientId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						self.dispatch(message)
					default:
						glog.V(2).Infof("[bus]other=%d %s<-\n", messageType, clientId)
					}
				}
			}()
		}
		c()
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(reconnect.NextBackOff()):
		}
	}
}

func (self *BusClient) dispatch(message []byte) {
	envelope := &PushEnvelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		glog.Infof("[bus]drop malformed push = %s\n", err)
		return
	}

	switch envelope.Event {
	case EventDocumentUpdate:
		update := &DocumentUpdateEvent{}
		if err := json.Unmarshal(envelope.Payload, update); err != nil {
			glog.Infof("[bus]drop malformed update = %s\n", err)
			return
		}
		for _, handler := range self.handlersForDocument(update.DocumentId) {
			handleCallback(func() {
				handler.HandleDocumentUpdate(update)
			})
		}
	case EventAwarenessUpdate:
		awareness := &AwarenessEvent{}
		if err := json.Unmarshal(envelope.Payload, awareness); err != nil {
			glog.Infof("[bus]drop malformed awareness = %s\n", err)
			return
		}
		for _, handler := range self.handlersForDocument(awareness.DocumentId) {
			handleCallback(func() {
				handler.HandleAwareness(awareness)
			})
		}
	default:
		glog.V(2).Infof("[bus]ignore push event = %s\n", envelope.Event)
	}
}

func (self *BusClient) handlersForDocument(documentId string) []DocumentHandler {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	handlers := []DocumentHandler{}
	for _, subscription := range self.subscriptions {
		if subscription.documentId == documentId {
			handlers = append(handlers, subscription.handler)
		}
	}
	return handlers
}

func (self *BusClient) Close() {
	self.cancel()
}
