package docsync

// ChangeFunction receives the binary delta for a replica mutation together
// with the origin that caused it
type ChangeFunction func(delta []byte, origin Origin)

// Replica is an opaque crdt document. Deltas are commutative and idempotent
// under the replica's merge rule: applying the same delta twice, or two
// deltas in either order, yields the same document state. The sync layer
// relies on this and on nothing else about the encoding.
type Replica interface {
	// ApplyDelta merges a delta produced by another replica.
	// apply is all or nothing: a malformed delta leaves the state unchanged.
	ApplyDelta(delta []byte, origin Origin) error

	// Edit applies a local edit at a rune offset in the visible text:
	// removes removeCount runes, then inserts text. Emits a locally
	// originated delta to change callbacks.
	Edit(offset int, removeCount int, insert string) error

	// ExportState is a full snapshot sufficient to reconstruct an
	// equivalent replica. Used only during reconciliation.
	ExportState() []byte

	// ImportState merges a full snapshot. Emits the snapshot to change
	// callbacks with `OriginInit`.
	ImportState(state []byte) error

	// the derived plain text view
	Text() string

	// returns a function to remove the callback
	AddChangeCallback(changeCallback ChangeFunction) func()
}
