package node

// SendStatus is the outcome of one transmission attempt.
type SendStatus int

const (
	// Sent means the channel accepted the whole frame.
	Sent SendStatus = iota
	// Busy means the channel is occupied by another transmission; retry
	// after a backoff.
	Busy
	// Failed means a hardware or link fault; counted, not retried as
	// Busy would be within the same cadence.
	Failed
)

func (s SendStatus) String() string {
	switch s {
	case Sent:
		return "sent"
	case Busy:
		return "busy"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Transport abstracts the underlying channel: the radio air interface on
// embedded nodes, the simulator's in-process medium, or the byte-stream
// bridge on the sink side. Both methods are non-blocking; the node's
// cooperative loop polls them.
type Transport interface {
	// TrySend attempts to transmit one encoded frame.
	TrySend(frame []byte) SendStatus
	// TryReceive returns the next delivered frame, if any.
	TryReceive() ([]byte, bool)
}
