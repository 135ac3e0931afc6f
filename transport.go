package modelctx

import (
	"context"
	"iter"
)

// Session represents one end of a bidirectional message channel between a server
// and a client. A transport must deliver an ordered, reliable sequence of whole
// frames inbound, accept whole frames for outbound delivery preserving submission
// order, and signal end-of-stream exactly once by exiting the Messages iteration.
type Session interface {
	// ID returns the unique identifier for this session. Implementations must
	// guarantee session IDs are unique across all active sessions.
	ID() string

	// Send transmits a single frame to the other party. Transport-level faults are
	// returned as errors rather than silently dropping the frame.
	Send(ctx context.Context, msg Message) error

	// Messages returns an iterator that yields frames received from the other
	// party in arrival order. The iteration exits when the session is closed or
	// the transport reaches end-of-stream.
	Messages() iter.Seq[Message]

	// Stop releases the session's resources. The caller is guaranteed to call
	// this method at most once.
	Stop()
}

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions returns an iterator that yields new sessions as clients connect.
	// The iteration exits when Shutdown is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully releases the transport's resources. Implementations
	// should not close the sessions they produced; the caller already does that.
	// The caller is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// StartSession establishes a new session with the server. Operations are
	// cancelled when the context is cancelled.
	StartSession(ctx context.Context) (Session, error)
}
