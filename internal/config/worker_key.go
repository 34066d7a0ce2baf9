package config

type WorkerKeyStruct struct {
	PersistAuditQueue     string
	PersistAnswersQueue   string
	PersistSnapshotsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAuditQueue:     "persist_audit_queue",
	PersistAnswersQueue:   "persist_answers_queue",
	PersistSnapshotsQueue: "persist_snapshots_queue",
}

// Queues lists every persistence queue, used by the engine stats stream.
func (w *WorkerKeyStruct) Queues() []string {
	return []string{w.PersistAuditQueue, w.PersistAnswersQueue, w.PersistSnapshotsQueue}
}
