package modelctx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server accepts sessions from a ServerTransport and runs a server-role Peer for
// each. All sessions share one Router built from the mounted capability sets;
// per-session state lives in the peers.
type Server struct {
	info         Info
	instructions string
	logger       *slog.Logger

	toolbox   *Toolbox
	resources *ResourceSet
	prompts   *PromptSet
	extra     []*Table

	pingInterval time.Duration
	sendTimeout  time.Duration

	onConnected    func(*Peer)
	onDisconnected func(*Peer)

	router *Router

	mu    sync.Mutex
	peers map[string]*Peer

	closed  chan struct{}
	serving sync.WaitGroup
}

// WithServerLogger sets the logger for the server and its peers.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithInstructions sets the instructions string returned from the handshake.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithToolbox mounts a toolbox, enabling the tools capability.
func WithToolbox(tb *Toolbox) ServerOption {
	return func(s *Server) {
		s.toolbox = tb
	}
}

// WithResources mounts a resource set, enabling the resources capability.
func WithResources(rs *ResourceSet) ServerOption {
	return func(s *Server) {
		s.resources = rs
	}
}

// WithPrompts mounts a prompt set, enabling the prompts capability.
func WithPrompts(ps *PromptSet) ServerOption {
	return func(s *Server) {
		s.prompts = ps
	}
}

// WithHandlerTable mounts an additional handler table for methods outside the
// bundled capability sets.
func WithHandlerTable(t *Table) ServerOption {
	return func(s *Server) {
		s.extra = append(s.extra, t)
	}
}

// WithServerPingInterval enables keep-alive pings on every accepted session.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerSendTimeout bounds outbound frame writes on every accepted session.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithOnClientConnected sets a callback invoked when a session's peer is
// constructed, before its handshake completes.
func WithOnClientConnected(fn func(*Peer)) ServerOption {
	return func(s *Server) {
		s.onConnected = fn
	}
}

// WithOnClientDisconnected sets a callback invoked after a session ends.
func WithOnClientDisconnected(fn func(*Peer)) ServerOption {
	return func(s *Server) {
		s.onDisconnected = fn
	}
}

// NewServer constructs a server from the mounted capability sets. Construction
// fails if two mounted tables claim the same method.
func NewServer(info Info, options ...ServerOption) (*Server, error) {
	s := &Server{
		info:   info,
		logger: slog.Default(),
		peers:  make(map[string]*Peer),
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("server", info.Name))

	var tables []*Table
	if s.toolbox != nil {
		tables = append(tables, s.toolbox.Table())
	}
	if s.resources != nil {
		tables = append(tables, s.resources.Table())
	}
	if s.prompts != nil {
		tables = append(tables, s.prompts.Table())
	}
	tables = append(tables, s.extra...)

	router, err := NewRouter(tables...)
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}
	s.router = router

	return s, nil
}

// Capabilities reports what the server advertises in the handshake, derived from
// the mounted capability sets.
func (s *Server) Capabilities() ServerCapabilities {
	caps := ServerCapabilities{}
	if s.toolbox != nil {
		caps.Tools = &ToolsCapability{ListChanged: true}
	}
	if s.resources != nil {
		caps.Resources = &ResourcesCapability{ListChanged: true}
	}
	if s.prompts != nil {
		caps.Prompts = &PromptsCapability{ListChanged: true}
	}
	return caps
}

// Serve accepts sessions from the transport until Shutdown. It blocks for the
// lifetime of the transport and returns once the session iteration ends.
func (s *Server) Serve(transport ServerTransport) error {
	for sess := range transport.Sessions() {
		select {
		case <-s.closed:
			sess.Stop()
			return nil
		default:
		}

		opts := []PeerOption{
			WithPeerLogger(s.logger),
			WithPeerInfo(s.info),
			WithPeerServerCapabilities(s.Capabilities()),
			WithPeerInstructions(s.instructions),
		}
		if s.pingInterval > 0 {
			opts = append(opts, WithPeerPingInterval(s.pingInterval))
		}
		if s.sendTimeout > 0 {
			opts = append(opts, WithPeerSendTimeout(s.sendTimeout))
		}

		peer := NewPeer(PeerRoleServer, sess, s.router, opts...)

		s.mu.Lock()
		s.peers[sess.ID()] = peer
		s.mu.Unlock()

		s.logger.Info("session accepted", slog.String("sessionID", sess.ID()))
		if s.onConnected != nil {
			s.onConnected(peer)
		}

		s.serving.Add(1)
		go func(id string, peer *Peer) {
			defer s.serving.Done()

			reason := peer.Wait()

			s.mu.Lock()
			delete(s.peers, id)
			s.mu.Unlock()

			s.logger.Info("session ended",
				slog.String("sessionID", id),
				slog.String("reason", reason.String()))
			if s.onDisconnected != nil {
				s.onDisconnected(peer)
			}
		}(sess.ID(), peer)
	}
	return nil
}

// Peers returns a snapshot of the currently live peers.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// NotifyToolsChanged broadcasts a tools/list_changed notification to every
// running session.
func (s *Server) NotifyToolsChanged(ctx context.Context) {
	s.broadcast(ctx, MethodNotificationsToolsListChanged)
}

// NotifyResourcesChanged broadcasts a resources/list_changed notification to
// every running session.
func (s *Server) NotifyResourcesChanged(ctx context.Context) {
	s.broadcast(ctx, MethodNotificationsResourcesListChanged)
}

// NotifyPromptsChanged broadcasts a prompts/list_changed notification to every
// running session.
func (s *Server) NotifyPromptsChanged(ctx context.Context) {
	s.broadcast(ctx, MethodNotificationsPromptsListChanged)
}

func (s *Server) broadcast(ctx context.Context, method string) {
	for _, peer := range s.Peers() {
		if peer.State() != StateRunning {
			continue
		}
		if err := peer.Notify(ctx, method, nil); err != nil {
			s.logger.Debug("failed to broadcast notification",
				slog.String("method", method),
				slog.String("err", err.Error()))
		}
	}
}

// Shutdown stops accepting sessions, shuts down the transport, and gracefully
// drains every live peer within the context deadline.
func (s *Server) Shutdown(ctx context.Context, transport ServerTransport) error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}

	// Peers close before the transport: transports wait for their sessions to
	// stop, and sessions stop when their peers close.
	var wg sync.WaitGroup
	for _, peer := range s.Peers() {
		wg.Add(1)
		go func(peer *Peer) {
			defer wg.Done()
			_ = peer.Shutdown(ctx)
		}(peer)
	}
	wg.Wait()
	s.serving.Wait()

	return transport.Shutdown(ctx)
}
