package bus

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/agentnet/docsync"
	"github.com/agentnet/docsync/rga"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func testAuth(t *testing.T, clientId docsync.Id) *docsync.ClientAuth {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
	})
	jwt, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)
	return &docsync.ClientAuth{
		ByJwt: jwt,
		InstanceId: docsync.NewId(),
		AppVersion: "0.0.0-test",
	}
}

type peer struct {
	clientId docsync.Id
	client *docsync.BusClient
	replica *rga.Text
	provider *docsync.SyncProvider
}

func connectPeer(t *testing.T, ctx context.Context, ts *httptest.Server, site string, documentId string) *peer {
	t.Helper()
	clientId := docsync.NewId()
	eventUrl := fmt.Sprintf("%s/events", ts.URL)
	subscribeUrl := fmt.Sprintf("ws%s/subscribe", strings.TrimPrefix(ts.URL, "http"))
	client := docsync.NewBusClient(ctx, eventUrl, subscribeUrl, testAuth(t, clientId))
	replica := rga.NewText(site)
	provider := docsync.NewSyncProvider(ctx, client, replica, documentId, clientId)
	return &peer{
		clientId: clientId,
		client: client,
		replica: replica,
		provider: provider,
	}
}

// moves the cursor to a new position each call until the other peer sees
// one, proving the subscribe channel is live in that direction
func waitForPresence(t *testing.T, from *peer, to *peer) {
	t.Helper()
	column := 0
	waitFor(t, 10 * time.Second, func() bool {
		column += 1
		from.provider.Presence().UpdateLocalCursor(docsync.CursorPosition{LineNumber: 1, Column: column})
		return 0 < len(to.provider.Presence().Peers())
	})
}

func TestBusEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := OpenSnapshotStore(filepath.Join(t.TempDir(), "bus.db"))
	assert.Equal(t, nil, err)
	defer store.Close()

	server := NewServer(ctx, store)
	defer server.Close()
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	// peer a opens the empty document and seeds it
	a := connectPeer(t, ctx, ts, "a", "doc-1")
	defer a.provider.Destroy()
	defer a.client.Close()

	err = a.provider.Initialize(ctx, "hello")
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello", a.replica.Text())

	// the seed reaches the bus and creates the authoritative record
	waitFor(t, 10 * time.Second, func() bool {
		result := &docsync.DocumentSyncResult{}
		err := a.client.SendEvent(ctx, docsync.EventDocumentSync, &docsync.DocumentSyncArgs{DocumentId: "doc-1"}, result)
		return err == nil && result.Success
	})

	// peer b reconciles against the authoritative state; its hint loses
	b := connectPeer(t, ctx, ts, "b", "doc-1")
	defer b.provider.Destroy()
	defer b.client.Close()

	err = b.provider.Initialize(ctx, "stale hint")
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello", b.replica.Text())

	// make sure both subscribe channels are live before editing
	waitForPresence(t, a, b)
	waitForPresence(t, b, a)

	// a types, b converges over push
	assert.Equal(t, nil, a.replica.Edit(5, 0, " world"))
	waitFor(t, 10 * time.Second, func() bool {
		return b.replica.Text() == "hello world"
	})

	// b types, a converges
	assert.Equal(t, nil, b.replica.Edit(0, 0, "> "))
	waitFor(t, 10 * time.Second, func() bool {
		return a.replica.Text() == "> hello world"
	})

	// save lands in the store
	assert.Equal(t, nil, b.provider.Save(ctx))
	content, found, err := store.GetSave("doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, found)
	assert.Equal(t, "> hello world", content)

	// the snapshot is persisted for the next bus process
	state, found, err := store.GetSnapshot("doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, found)
	check := rga.NewText("check")
	assert.Equal(t, nil, check.ImportState(state))
	assert.Equal(t, "> hello world", check.Text())
}

func TestBusLateJoiner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewServer(ctx, nil)
	defer server.Close()
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	a := connectPeer(t, ctx, ts, "a", "doc-2")
	defer a.provider.Destroy()
	defer a.client.Close()

	err := a.provider.Initialize(ctx, "first line")
	assert.Equal(t, nil, err)

	waitFor(t, 10 * time.Second, func() bool {
		result := &docsync.DocumentSyncResult{}
		err := a.client.SendEvent(ctx, docsync.EventDocumentSync, &docsync.DocumentSyncArgs{DocumentId: "doc-2"}, result)
		return err == nil && result.Success
	})

	// a keeps editing before anyone else joins
	assert.Equal(t, nil, a.replica.Edit(10, 0, " and more"))

	// a late joiner reconciles to the full current state
	c := connectPeer(t, ctx, ts, "c", "doc-2")
	defer c.provider.Destroy()
	defer c.client.Close()

	waitFor(t, 10 * time.Second, func() bool {
		if err := c.provider.SyncWithServer(ctx); err != nil {
			return false
		}
		return c.replica.Text() == "first line and more"
	})
	assert.Equal(t, docsync.SyncStatusSynced, c.provider.Status())
}
