package types

// Reserved event key and values published by the sync engine.
const (
	// EventTypeKey is the event attribute holding the event type.
	EventTypeKey = "type"

	EventBlockImportedValue = "block_imported"
	EventFinalizedValue     = "finalized"
	EventSyncStatusValue    = "sync_status"
)

// EventDataBlockImported is published for every block accepted by the
// validation hook, in import order.
type EventDataBlockImported struct {
	Hash   Hash   `json:"hash"`
	Height int64  `json:"height"`
	Peer   NodeID `json:"peer"`
}

// EventDataFinalized is published when a finality signal prunes the fork
// tree. Blocks lists the newly finalized headers, oldest first.
type EventDataFinalized struct {
	Hash   Hash     `json:"hash"`
	Height int64    `json:"height"`
	Blocks []Header `json:"blocks"`
}

// EventDataSyncStatus is published when the node enters or leaves major sync.
type EventDataSyncStatus struct {
	Complete bool  `json:"complete"`
	Height   int64 `json:"height"`
}
