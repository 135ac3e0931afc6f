package modelctx

// State is the lifecycle phase of a Peer, from construction through the two-step
// initialize handshake to termination. Transitions only move forward; Closed is
// terminal.
type State int32

// Lifecycle states.
const (
	// StateUninitialized means the peer is constructed but no messages have been
	// exchanged.
	StateUninitialized State = iota
	// StateInitializing means the initialize request has been sent or received but
	// the handshake has not completed.
	StateInitializing
	// StateRunning means the handshake completed and negotiated-capability traffic
	// is legal.
	StateRunning
	// StateShuttingDown means no new outbound requests are accepted; requests
	// already pending continue to resolve until the table drains or a grace
	// deadline elapses.
	StateShuttingDown
	// StateClosed is terminal; all operations fail with ErrClosed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// QuitReason records why a session ended, observable via Peer.Wait.
type QuitReason int

// Quit reasons.
const (
	// QuitGraceful means the local side closed the session deliberately.
	QuitGraceful QuitReason = iota
	// QuitRemoteClosed means the transport reached end-of-stream.
	QuitRemoteClosed
	// QuitFault means a transport fault or a fatal protocol violation ended the
	// session.
	QuitFault
)

func (q QuitReason) String() string {
	switch q {
	case QuitGraceful:
		return "graceful"
	case QuitRemoteClosed:
		return "remote-closed"
	case QuitFault:
		return "fault"
	default:
		return "unknown"
	}
}

// PeerRole distinguishes which side of the handshake a peer plays.
type PeerRole int

// Peer roles.
const (
	// PeerRoleClient initiates the handshake.
	PeerRoleClient PeerRole = iota
	// PeerRoleServer responds to the handshake.
	PeerRoleServer
)

func (r PeerRole) String() string {
	if r == PeerRoleServer {
		return "server"
	}
	return "client"
}
