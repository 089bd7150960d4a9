package rga

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/agentnet/docsync"
)

// records every emitted delta so tests can replay them elsewhere
func recordDeltas(text *Text) *[][]byte {
	deltas := &[][]byte{}
	text.AddChangeCallback(func(delta []byte, origin docsync.Origin) {
		if origin == docsync.OriginLocal {
			*deltas = append(*deltas, delta)
		}
	})
	return deltas
}

func TestEdit(t *testing.T) {
	text := NewText("a")

	err := text.Edit(0, 0, "hello")
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello", text.Text())

	err = text.Edit(5, 0, " world")
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello world", text.Text())

	err = text.Edit(0, 5, "goodbye")
	assert.Equal(t, nil, err)
	assert.Equal(t, "goodbye world", text.Text())

	err = text.Edit(7, 6, "")
	assert.Equal(t, nil, err)
	assert.Equal(t, "goodbye", text.Text())

	// out of range edits fail without mutating
	err = text.Edit(8, 0, "x")
	assert.NotEqual(t, err, nil)
	err = text.Edit(0, 8, "")
	assert.NotEqual(t, err, nil)
	err = text.Edit(-1, 0, "x")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, "goodbye", text.Text())
}

func TestEditRunes(t *testing.T) {
	text := NewText("a")

	err := text.Edit(0, 0, "héllo wörld")
	assert.Equal(t, nil, err)
	assert.Equal(t, "héllo wörld", text.Text())

	err = text.Edit(1, 1, "e")
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello wörld", text.Text())
}

func TestApplyIdempotent(t *testing.T) {
	a := NewText("a")
	deltas := recordDeltas(a)

	a.Edit(0, 0, "hello")
	a.Edit(0, 1, "H")
	assert.Equal(t, 2, len(*deltas))

	b := NewText("b")
	for _, delta := range *deltas {
		err := b.ApplyDelta(delta, docsync.OriginRemote)
		assert.Equal(t, nil, err)
	}
	assert.Equal(t, "Hello", b.Text())

	// applying the same deltas again changes nothing
	for _, delta := range *deltas {
		err := b.ApplyDelta(delta, docsync.OriginRemote)
		assert.Equal(t, nil, err)
	}
	assert.Equal(t, "Hello", b.Text())
}

func TestApplyCommutative(t *testing.T) {
	base := NewText("base")
	baseDeltas := recordDeltas(base)
	base.Edit(0, 0, "hello")

	// two peers diverge concurrently from the same base
	a := NewText("a")
	b := NewText("b")
	for _, delta := range *baseDeltas {
		a.ApplyDelta(delta, docsync.OriginRemote)
		b.ApplyDelta(delta, docsync.OriginRemote)
	}

	aDeltas := recordDeltas(a)
	bDeltas := recordDeltas(b)
	a.Edit(5, 0, " world")
	b.Edit(0, 1, "H")

	// cross apply in opposite orders
	for _, delta := range *bDeltas {
		a.ApplyDelta(delta, docsync.OriginRemote)
	}
	for _, delta := range *aDeltas {
		b.ApplyDelta(delta, docsync.OriginRemote)
	}

	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, "Hello world", a.Text())
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := NewText("a")
	b := NewText("b")
	aDeltas := recordDeltas(a)
	bDeltas := recordDeltas(b)

	// both insert at the head of an empty document
	a.Edit(0, 0, "ab")
	b.Edit(0, 0, "cd")

	for _, delta := range *bDeltas {
		a.ApplyDelta(delta, docsync.OriginRemote)
	}
	for _, delta := range *aDeltas {
		b.ApplyDelta(delta, docsync.OriginRemote)
	}

	assert.Equal(t, a.Text(), b.Text())
	// runs of each peer stay contiguous
	assert.MatchRegex(t, a.Text(), "^(abcd|cdab)$")
}

func TestOutOfOrderDelivery(t *testing.T) {
	a := NewText("a")
	deltas := recordDeltas(a)
	a.Edit(0, 0, "h")
	a.Edit(1, 0, "i")
	a.Edit(0, 1, "H")
	assert.Equal(t, 3, len(*deltas))

	// deliver in every permutation
	orders := [][]int{
		{0, 1, 2},
		{0, 2, 1},
		{1, 0, 2},
		{1, 2, 0},
		{2, 0, 1},
		{2, 1, 0},
	}
	for _, order := range orders {
		b := NewText("b")
		for _, i := range order {
			err := b.ApplyDelta((*deltas)[i], docsync.OriginRemote)
			assert.Equal(t, nil, err)
		}
		assert.Equal(t, "Hi", b.Text())
	}
}

func TestMalformedDelta(t *testing.T) {
	a := NewText("a")
	a.Edit(0, 0, "hello")

	// apply is all or nothing: a malformed batch leaves the state unchanged
	err := a.ApplyDelta([]byte("not json"), docsync.OriginRemote)
	assert.NotEqual(t, err, nil)
	err = a.ApplyDelta([]byte(`{"ops":[{"type":"warp","id":{"site":"x","clock":1}}]}`), docsync.OriginRemote)
	assert.NotEqual(t, err, nil)
	err = a.ApplyDelta([]byte(`{"ops":[{"type":"insert","id":{"site":"x","clock":1},"value":"ab"}]}`), docsync.OriginRemote)
	assert.NotEqual(t, err, nil)
	err = a.ApplyDelta([]byte(`{"ops":[null]}`), docsync.OriginRemote)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, "hello", a.Text())
}

func TestExportImport(t *testing.T) {
	a := NewText("a")
	a.Edit(0, 0, "hello world")
	a.Edit(0, 1, "H")

	state := a.ExportState()

	b := NewText("b")
	err := b.ImportState(state)
	assert.Equal(t, nil, err)
	assert.Equal(t, "Hello world", b.Text())

	// import is a merge: importing again is a no-op
	err = b.ImportState(state)
	assert.Equal(t, nil, err)
	assert.Equal(t, "Hello world", b.Text())

	// and merging over concurrent local edits keeps both
	c := NewText("c")
	c.Edit(0, 0, "!!")
	err = c.ImportState(state)
	assert.Equal(t, nil, err)
	assert.Equal(t, len("Hello world!!"), len(c.Text()))
}

func TestImportEmitsInitOrigin(t *testing.T) {
	a := NewText("a")
	a.Edit(0, 0, "hello")

	b := NewText("b")
	origins := []docsync.Origin{}
	b.AddChangeCallback(func(delta []byte, origin docsync.Origin) {
		origins = append(origins, origin)
	})
	b.ImportState(a.ExportState())
	assert.Equal(t, []docsync.Origin{docsync.OriginInit}, origins)
}

func TestChangeCallbackPanicIsolated(t *testing.T) {
	text := NewText("a")

	text.AddChangeCallback(func(delta []byte, origin docsync.Origin) {
		panic("listener bug")
	})
	deltas := recordDeltas(text)

	// the edit survives and later listeners still run
	err := text.Edit(0, 0, "hello")
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello", text.Text())
	assert.Equal(t, 1, len(*deltas))
}

func TestManyPeersConverge(t *testing.T) {
	n := 4
	peers := make([]*Text, n)
	peerDeltas := make([]*[][]byte, n)
	for i := 0; i < n; i += 1 {
		peers[i] = NewText(string(rune('a' + i)))
		peerDeltas[i] = recordDeltas(peers[i])
	}

	words := []string{"alpha ", "bravo ", "charlie ", "delta "}
	for i, peer := range peers {
		peer.Edit(0, 0, words[i])
	}

	// deliver everything to everyone in a shuffled order
	for i, peer := range peers {
		deltas := [][]byte{}
		for j := 0; j < n; j += 1 {
			if j != i {
				deltas = append(deltas, *peerDeltas[j]...)
			}
		}
		mathrand.Shuffle(len(deltas), func(a, b int) {
			deltas[a], deltas[b] = deltas[b], deltas[a]
		})
		for _, delta := range deltas {
			err := peer.ApplyDelta(delta, docsync.OriginRemote)
			assert.Equal(t, nil, err)
		}
	}

	for i := 1; i < n; i += 1 {
		assert.Equal(t, peers[0].Text(), peers[i].Text())
	}
	assert.Equal(t, len("alpha bravo charlie delta "), len(peers[0].Text()))
}
