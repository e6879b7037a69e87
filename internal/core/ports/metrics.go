package ports

// SyncMetrics is the observability hook of the session synchronizer. The
// implementation lives in infrastructure; a nil sink disables recording.
type SyncMetrics interface {
	RecordStatePacket(full bool, bytes int)
	RecordInputRejected(reason string)
}
