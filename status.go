package docsync

// SyncStatus is the user visible read model of the provider: a sync
// indicator, nothing more. failures never crash the editor.
type SyncStatus int

const (
	SyncStatusSyncing SyncStatus = iota
	SyncStatusSynced
	SyncStatusError
)

func (self SyncStatus) String() string {
	switch self {
	case SyncStatusSyncing:
		return "syncing"
	case SyncStatusSynced:
		return "synced"
	case SyncStatusError:
		return "error"
	default:
		return "unknown"
	}
}

type StatusFunction func(status SyncStatus)
