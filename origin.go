package docsync

// Origin marks why a delta was applied to a replica. It is attached to every
// change event and gates outbound broadcast: only locally originated changes
// are broadcast to peers. Never persisted.
type Origin int

const (
	// a local edit made through the replica's editing api
	OriginLocal Origin = iota
	// a delta received from a remote peer
	OriginRemote
	// a full state import during reconciliation
	OriginInit
)

func (self Origin) String() string {
	switch self {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginInit:
		return "init"
	default:
		return "unknown"
	}
}
