package core

// Frame is one encoded outbound event.
type Frame []byte

// SignalConnection abstracts the messaging transport of one connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues without blocking and fails on a full buffer.
	TrySend(Frame) error
	Close()
}
