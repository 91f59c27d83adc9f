package bus

// Connectivity topics.
const (
	TopicNetworkStateChanged = "network.state_changed"
)

// Identity topics.
const (
	TopicIdentityChanged = "auth.identity_changed"
)

// Sync queue topics.
const (
	TopicSyncQueued    = "sync.queued"
	TopicSyncDelivered = "sync.delivered"
	TopicSyncDiscarded = "sync.discarded"
	TopicSyncDrained   = "sync.drained"
)

// Backup topics.
const (
	TopicBackupProgress = "backup.progress"
	TopicBackupDone     = "backup.done"
)

// Health topics.
const (
	TopicHealthReport = "health.report"
)

// NetworkStateEvent is published when connectivity flips between online
// and offline. Only transitions are published, never repeats.
type NetworkStateEvent struct {
	Online bool
}

// IdentityChangedEvent is published by the session tracker after a
// non-duplicate identity change. OwnerID is empty on sign-out.
type IdentityChangedEvent struct {
	OwnerID  string
	Previous string
}

// SyncEntryEvent is published when an outbox entry is queued, delivered,
// or discarded.
type SyncEntryEvent struct {
	Action string // SET or DELETE
	Path   string
	Reason string // set for discards: "stale" or "overflow"
	// Superseded is set on queued events that replaced an already
	// parked entry for the same (action, path) instead of adding one.
	Superseded bool
}

// SyncDrainedEvent is published at the end of a drain pass.
type SyncDrainedEvent struct {
	Delivered int
	Discarded int
	Remaining int
}

// BackupProgressEvent is published after each chunk is written.
type BackupProgressEvent struct {
	Collection  string
	ChunkIndex  int
	TotalChunks int
}

// BackupDoneEvent is published when a backup artifact has been written
// and compressed.
type BackupDoneEvent struct {
	Path           string
	CompressedSize int64
}
