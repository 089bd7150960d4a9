package bus

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSnapshotStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.db")

	store, err := OpenSnapshotStore(path)
	assert.Equal(t, nil, err)

	_, found, err := store.GetSnapshot("doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, found)

	state := []byte(`{"ops":[]}`)
	assert.Equal(t, nil, store.SetSnapshot("doc-1", state))

	readState, found, err := store.GetSnapshot("doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, found)
	assert.Equal(t, state, readState)

	assert.Equal(t, nil, store.SetSave("doc-1", "hello"))
	content, found, err := store.GetSave("doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, found)
	assert.Equal(t, "hello", content)

	// snapshots survive a reopen
	assert.Equal(t, nil, store.Close())
	store, err = OpenSnapshotStore(path)
	assert.Equal(t, nil, err)
	defer store.Close()

	readState, found, err = store.GetSnapshot("doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, found)
	assert.Equal(t, state, readState)
}
