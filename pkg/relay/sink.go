package relay

// EventSink is the write side of one transport connection. Implementations
// must be safe for concurrent Send calls; a failed Send means the connection
// is unusable and the caller may drop it.
type EventSink interface {
	ID() string
	Send(data []byte) error
	Close() error
}
