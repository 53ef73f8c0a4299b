package node

// Counters are the node's diagnostic tallies. They are owned and written by
// the node's single goroutine; Snapshot copies them out for the harness or
// an exporter. None of these conditions are fatal — the taxonomy in the
// protocol treats them all as count-and-continue.
type Counters struct {
	FramesReceived     uint64
	FramesSent         uint64
	FramesForwarded    uint64
	CodecErrors        uint64
	DuplicatesDropped  uint64
	StaleDropped       uint64
	TTLExpired         uint64
	QueueDrops         uint64
	RetryExhausted     uint64
	SendFailures       uint64
	SyncLapses         uint64
	StrikesOriginated  uint64
	StrikesDelivered   uint64
	TriggersSuppressed uint64
}
