package modelctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Terminal outcomes a caller awaiting a request may observe, besides a remote
// *Error. Every issued request resolves with exactly one of these, a result, or a
// remote error; it is never silently dropped.
var (
	// ErrClosed reports that the session does not permit the operation because it
	// is shutting down or closed.
	ErrClosed = errors.New("session closed")
	// ErrCancelled reports that the caller cancelled the request before a
	// response arrived.
	ErrCancelled = errors.New("request cancelled")
	// ErrTimedOut reports that the request deadline elapsed before a response
	// arrived.
	ErrTimedOut = errors.New("request timed out")
)

var (
	defaultSendTimeout = 30 * time.Second

	cancelledByCaller   = "caller requested cancellation"
	cancelledByDeadline = "request deadline elapsed"
)

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// Peer owns one end of a protocol session. It assigns request ids, maintains the
// pending-request correlation table, serializes writes, demultiplexes reads, and
// routes inbound requests and notifications through its Router.
//
// A Peer starts reading from its Session immediately upon construction. A
// client-role peer must call Connect to perform the initialize handshake before
// issuing requests; a server-role peer performs the handshake passively when the
// remote client initiates it.
type Peer struct {
	role   PeerRole
	sess   Session
	router *Router
	logger *slog.Logger

	info         Info
	serverCaps   ServerCapabilities
	clientCaps   ClientCapabilities
	instructions string

	sendTimeout   time.Duration
	pingInterval  time.Duration
	pingThreshold int

	progressHandler func(ProgressParams)

	nextID atomic.Uint64
	sendMu sync.Mutex

	mu        sync.Mutex
	state     State
	pending   map[RequestID]chan Message
	cancelled map[RequestID]struct{}
	inflight  map[RequestID]context.CancelFunc
	drain     chan struct{}

	remoteInfo       Info
	remoteServerCaps ServerCapabilities
	remoteClientCaps ClientCapabilities

	baseCtx    context.Context
	baseCancel context.CancelFunc

	handlers sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
	quit      QuitReason
	faults    chan error
}

// WithPeerLogger sets the logger for the peer.
func WithPeerLogger(logger *slog.Logger) PeerOption {
	return func(p *Peer) {
		p.logger = logger
	}
}

// WithPeerInfo sets the identity advertised during the handshake.
func WithPeerInfo(info Info) PeerOption {
	return func(p *Peer) {
		p.info = info
	}
}

// WithPeerServerCapabilities sets the capabilities a server-role peer advertises
// in its initialize response.
func WithPeerServerCapabilities(caps ServerCapabilities) PeerOption {
	return func(p *Peer) {
		p.serverCaps = caps
	}
}

// WithPeerClientCapabilities sets the capabilities a client-role peer advertises
// in its initialize request.
func WithPeerClientCapabilities(caps ClientCapabilities) PeerOption {
	return func(p *Peer) {
		p.clientCaps = caps
	}
}

// WithPeerInstructions sets the instructions string a server-role peer returns
// from the handshake.
func WithPeerInstructions(instructions string) PeerOption {
	return func(p *Peer) {
		p.instructions = instructions
	}
}

// WithPeerSendTimeout bounds how long a single outbound frame write may take.
func WithPeerSendTimeout(timeout time.Duration) PeerOption {
	return func(p *Peer) {
		p.sendTimeout = timeout
	}
}

// WithPeerPingInterval enables the keep-alive loop with the given interval. A
// zero interval disables keep-alive pings.
func WithPeerPingInterval(interval time.Duration) PeerOption {
	return func(p *Peer) {
		p.pingInterval = interval
	}
}

// WithPeerPingFailureThreshold sets how many consecutive failed pings are
// tolerated before the session is closed with a fault.
func WithPeerPingFailureThreshold(threshold int) PeerOption {
	return func(p *Peer) {
		p.pingThreshold = threshold
	}
}

// WithPeerProgressHandler sets the callback invoked for every received
// notifications/progress frame.
func WithPeerProgressHandler(handler func(ProgressParams)) PeerOption {
	return func(p *Peer) {
		p.progressHandler = handler
	}
}

// NewPeer constructs a Peer over the given session and starts its read loop. The
// router may be nil, in which case every inbound request resolves to a
// method-not-found error.
func NewPeer(role PeerRole, sess Session, router *Router, options ...PeerOption) *Peer {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	p := &Peer{
		role:       role,
		sess:       sess,
		router:     router,
		logger:     slog.Default(),
		pending:    make(map[RequestID]chan Message),
		cancelled:  make(map[RequestID]struct{}),
		inflight:   make(map[RequestID]context.CancelFunc),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		done:       make(chan struct{}),
		faults:     make(chan error, 8),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.sendTimeout == 0 {
		p.sendTimeout = defaultSendTimeout
	}
	if p.pingThreshold == 0 {
		p.pingThreshold = 3
	}
	p.logger = p.logger.With(
		slog.String("role", role.String()),
		slog.String("sessionID", sess.ID()),
	)

	go p.run()

	return p
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RemoteInfo returns the identity the remote side presented during the
// handshake. It is the zero value until the session reaches StateRunning.
func (p *Peer) RemoteInfo() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteInfo
}

// RemoteServerCapabilities returns the capabilities negotiated from a remote
// server. Only meaningful on a client-role peer after Connect.
func (p *Peer) RemoteServerCapabilities() ServerCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteServerCaps
}

// RemoteClientCapabilities returns the capabilities the remote client advertised.
// Only meaningful on a server-role peer once the session is running.
func (p *Peer) RemoteClientCapabilities() ClientCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteClientCaps
}

// Faults exposes tolerated protocol violations, such as a response whose id
// matches no pending request. The channel is buffered; if nobody drains it,
// further faults are logged and dropped.
func (p *Peer) Faults() <-chan error {
	return p.faults
}

// Wait blocks until the session ends and reports why.
func (p *Peer) Wait() QuitReason {
	<-p.done
	return p.quit
}

// Done is closed when the session ends.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Connect performs the initialize handshake as the initiating side: it sends the
// initialize request, validates the response, confirms with the initialized
// notification, and moves the session to StateRunning. Cancelling the context
// aborts the handshake and closes the session without reaching StateRunning.
func (p *Peer) Connect(ctx context.Context) error {
	if p.role != PeerRoleClient {
		return errors.New("connect is a client-role operation")
	}

	p.mu.Lock()
	if p.state != StateUninitialized {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot connect in state %s", state)
	}
	p.state = StateInitializing
	p.mu.Unlock()

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    p.clientCaps,
		ClientInfo:      p.info,
	}
	raw, err := p.Call(ctx, methodInitialize, params)
	if err != nil {
		p.closeWith(QuitFault, nil)
		return fmt.Errorf("initialize request failed: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		nErr := fmt.Errorf("failed to unmarshal initialize result: %w", err)
		p.closeWith(QuitFault, nErr)
		return nErr
	}
	if result.ProtocolVersion != ProtocolVersion {
		nErr := fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, ProtocolVersion)
		p.closeWith(QuitFault, nErr)
		return nErr
	}

	if err := p.sendMessage(ctx, Message{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}); err != nil {
		p.closeWith(QuitFault, err)
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	p.mu.Lock()
	p.remoteInfo = result.ServerInfo
	p.remoteServerCaps = result.Capabilities
	p.state = StateRunning
	p.mu.Unlock()

	p.startPing()

	return nil
}

// Call sends a request and blocks until the matching response arrives, the
// context is cancelled, its deadline elapses, or the session closes — whichever
// happens first. A context cancellation or deadline sends a best-effort
// notifications/cancelled to the remote side; a response for that id arriving
// afterwards is discarded. If the remote side answered with an error response,
// the returned error is the *Error it carried.
func (p *Peer) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := RequestID(strconv.FormatUint(p.nextID.Add(1), 10))

	resCh := make(chan Message, 1)

	p.mu.Lock()
	if !p.sendableLocked(method) {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.pending[id] = resCh
	p.mu.Unlock()

	msg := Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			p.abandon(id, false)
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	if err := p.sendMessage(ctx, msg); err != nil {
		p.abandon(id, false)
		return nil, err
	}

	select {
	case res := <-resCh:
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
	}

	// The entry may already have been resolved by the read loop; first writer
	// wins, so prefer the response if it beat the cancellation.
	if !p.abandon(id, true) {
		select {
		case res := <-resCh:
			if res.Error != nil {
				return nil, res.Error
			}
			return res.Result, nil
		case <-p.done:
			return nil, ErrClosed
		}
	}

	reason := cancelledByCaller
	outcome := ErrCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = cancelledByDeadline
		outcome = ErrTimedOut
	}
	p.notifyCancelled(id, reason)

	return nil, outcome
}

// Notify sends a fire-and-forget notification. It never creates a pending entry
// and fails only with ErrClosed or a serialization/transport error.
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	p.mu.Lock()
	if p.state >= StateShuttingDown {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	msg := Message{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	return p.sendMessage(ctx, msg)
}

// ReportProgress emits a notifications/progress frame for a long-running
// operation identified by the token in params.
func (p *Peer) ReportProgress(ctx context.Context, params ProgressParams) error {
	return p.Notify(ctx, methodNotificationsProgress, params)
}

// Ping issues a keep-alive request and waits for the pong.
func (p *Peer) Ping(ctx context.Context) error {
	_, err := p.Call(ctx, methodPing, nil)
	return err
}

// Shutdown moves the session to StateShuttingDown, waits for pending requests to
// drain or the context to expire, then closes the session. New outbound requests
// fail with ErrClosed as soon as Shutdown begins.
func (p *Peer) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	if p.state < StateShuttingDown {
		p.state = StateShuttingDown
	}
	var drain chan struct{}
	if len(p.pending) > 0 {
		if p.drain == nil {
			p.drain = make(chan struct{})
		}
		drain = p.drain
	}
	p.mu.Unlock()

	if drain != nil {
		select {
		case <-ctx.Done():
		case <-drain:
		case <-p.done:
		}
	}

	p.Close()
	return nil
}

// Close terminates the session immediately: it stops accepting new outbound
// sends, resolves all still-pending requests with ErrClosed, cancels in-flight
// handlers, and releases the underlying transport session. Close is idempotent.
func (p *Peer) Close() {
	p.closeWith(QuitGraceful, nil)
}

func (p *Peer) closeWith(quit QuitReason, err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		p.pending = make(map[RequestID]chan Message)
		p.cancelled = make(map[RequestID]struct{})
		p.inflight = make(map[RequestID]context.CancelFunc)
		if p.drain != nil {
			close(p.drain)
			p.drain = nil
		}
		p.mu.Unlock()

		if err != nil {
			p.fault(err)
		}

		p.baseCancel()
		p.quit = quit
		close(p.done)
		p.sess.Stop()
	})
}

// sendableLocked reports whether an outbound request with the given method is
// legal in the current state. Must be called with mu held.
func (p *Peer) sendableLocked(method string) bool {
	switch p.state {
	case StateRunning:
		return true
	case StateInitializing:
		return method == methodInitialize || method == methodPing
	case StateUninitialized:
		return method == methodPing
	default:
		return false
	}
}

// abandon removes a pending entry, optionally leaving a tombstone so the late
// response is discarded without being reported as a protocol violation. It
// reports whether the entry was still present.
func (p *Peer) abandon(id RequestID, tombstone bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; !ok {
		return false
	}
	delete(p.pending, id)
	if tombstone {
		p.cancelled[id] = struct{}{}
	}
	p.maybeDrainLocked()
	return true
}

func (p *Peer) maybeDrainLocked() {
	if p.state == StateShuttingDown && len(p.pending) == 0 && p.drain != nil {
		close(p.drain)
		p.drain = nil
	}
}

func (p *Peer) notifyCancelled(id RequestID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()

	params := CancelledParams{RequestID: id, Reason: reason}
	paramsBs, _ := json.Marshal(params)
	if err := p.sendMessage(ctx, Message{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsCancelled,
		Params:  paramsBs,
	}); err != nil {
		p.logger.Debug("failed to send cancellation notification",
			slog.String("requestID", string(id)),
			slog.String("err", err.Error()))
	}
}

// sendMessage serializes all outbound frames through a single ordered queue so
// concurrent callers never interleave partial frames.
func (p *Peer) sendMessage(ctx context.Context, msg Message) error {
	sCtx, sCancel := context.WithTimeout(ctx, p.sendTimeout)
	defer sCancel()

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	return p.sess.Send(sCtx, msg)
}

func (p *Peer) fault(err error) {
	select {
	case p.faults <- err:
	default:
		p.logger.Warn("dropping session fault", slog.String("err", err.Error()))
	}
}

func (p *Peer) run() {
	// Fatal frames must not stop the session from inside the iteration:
	// transports block Stop until the read iteration returns. Break out first,
	// close after.
	quit := QuitRemoteClosed

loop:
	for msg := range p.sess.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			p.fault(fmt.Errorf("malformed frame: jsonrpc version %q", msg.JSONRPC))
			quit = QuitFault
			break
		}

		switch {
		case msg.IsResponse():
			p.deliverResponse(msg)
		case msg.Method == methodPing && msg.IsRequest():
			go p.replyPong(msg.ID)
		case msg.Method == methodInitialize:
			if !p.handleInitialize(msg) {
				quit = QuitFault
				break loop
			}
		case msg.IsNotification():
			p.handleNotification(msg)
		default:
			p.handleRequest(msg)
		}
	}

	p.handlers.Wait()
	p.closeWith(quit, nil)
}

// deliverResponse resolves the pending entry matching the response id. A
// response for a locally cancelled request is discarded silently; any other
// unmatched response is a tolerated protocol violation surfaced via Faults.
func (p *Peer) deliverResponse(msg Message) {
	p.mu.Lock()
	resCh, ok := p.pending[msg.ID]
	if ok {
		delete(p.pending, msg.ID)
		p.maybeDrainLocked()
		p.mu.Unlock()
		resCh <- msg
		return
	}
	if _, tomb := p.cancelled[msg.ID]; tomb {
		delete(p.cancelled, msg.ID)
		p.mu.Unlock()
		p.logger.Debug("discarding response to cancelled request", slog.String("requestID", string(msg.ID)))
		return
	}
	p.mu.Unlock()

	p.fault(fmt.Errorf("response id %q matches no pending request", msg.ID))
}

func (p *Peer) replyPong(id RequestID) {
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()

	if err := p.sendMessage(ctx, Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage("{}"),
	}); err != nil {
		p.logger.Error("failed to send pong", slog.String("err", err.Error()))
	}
}

// handleInitialize answers the handshake request on a server-role peer. It
// reports whether the session may continue; a failed handshake is fatal.
func (p *Peer) handleInitialize(msg Message) bool {
	if p.role != PeerRoleServer || !msg.IsRequest() {
		if msg.ID == "" {
			// No id to address a response to; replying would itself be a
			// malformed frame.
			p.fault(errors.New("initialize received as a notification"))
		} else {
			p.respondError(msg.ID, Errorf(CodeInvalidRequest, "unexpected initialize"))
		}
		return true
	}

	p.mu.Lock()
	if p.state != StateUninitialized {
		state := p.state
		p.mu.Unlock()
		p.respondError(msg.ID, Errorf(CodeInvalidRequest, "initialize received in state %s", state))
		return true
	}
	p.state = StateInitializing
	p.mu.Unlock()

	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		p.respondError(msg.ID, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err))
		return false
	}
	if params.ProtocolVersion != ProtocolVersion {
		p.respondError(msg.ID, Errorf(CodeInvalidParams,
			"protocol version mismatch: %s != %s", params.ProtocolVersion, ProtocolVersion))
		return false
	}

	p.mu.Lock()
	p.remoteInfo = params.ClientInfo
	p.remoteClientCaps = params.Capabilities
	p.mu.Unlock()

	result := initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    p.serverCaps,
		ServerInfo:      p.info,
		Instructions:    p.instructions,
	}
	p.respondResult(msg.ID, result)
	return true
}

func (p *Peer) handleNotification(msg Message) {
	switch msg.Method {
	case methodNotificationsInitialized:
		if p.role != PeerRoleServer {
			return
		}
		p.mu.Lock()
		if p.state == StateInitializing {
			p.state = StateRunning
		}
		p.mu.Unlock()
		p.startPing()
	case methodNotificationsCancelled:
		var params CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			p.fault(fmt.Errorf("malformed cancellation params: %w", err))
			return
		}
		p.mu.Lock()
		cancel, ok := p.inflight[params.RequestID]
		p.mu.Unlock()
		// Cancelling an unknown or completed request is a no-op; completion and
		// cancellation delivery race inherently.
		if ok {
			p.logger.Debug("cancelling request",
				slog.String("requestID", string(params.RequestID)),
				slog.String("reason", params.Reason))
			cancel()
		}
	case methodNotificationsProgress:
		if p.progressHandler == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			p.fault(fmt.Errorf("malformed progress params: %w", err))
			return
		}
		p.progressHandler(params)
	default:
		if p.State() != StateRunning {
			return
		}
		if p.router != nil && p.router.Has(msg.Method) {
			p.handlers.Add(1)
			go func() {
				defer p.handlers.Done()
				_, _ = p.router.Dispatch(p.baseCtx, &Request{Method: msg.Method, Params: msg.Params, Peer: p})
			}()
			return
		}
		p.logger.Debug("ignoring unknown notification", slog.String("method", msg.Method))
	}
}

func (p *Peer) handleRequest(msg Message) {
	if p.State() != StateRunning {
		p.fault(fmt.Errorf("request %q received before session is running", msg.Method))
		p.respondError(msg.ID, Errorf(CodeInvalidRequest, "session not initialized"))
		return
	}

	if p.router == nil {
		p.respondError(msg.ID, Errorf(CodeMethodNotFound, "method not found: %s", msg.Method))
		return
	}

	ctx, cancel := context.WithCancel(p.baseCtx)
	p.mu.Lock()
	p.inflight[msg.ID] = cancel
	p.mu.Unlock()

	p.handlers.Add(1)
	go func() {
		defer p.handlers.Done()
		defer cancel()

		result, err := p.router.Dispatch(ctx, &Request{
			ID:     msg.ID,
			Method: msg.Method,
			Params: msg.Params,
			Peer:   p,
		})

		p.mu.Lock()
		delete(p.inflight, msg.ID)
		p.mu.Unlock()

		// A handler that observed a remote cancellation gets no response; the
		// caller is no longer waiting for one.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}

		if err != nil {
			var rpcErr *Error
			if !errors.As(err, &rpcErr) {
				rpcErr = Errorf(CodeInternalError, "%s", err)
			}
			p.respondError(msg.ID, rpcErr)
			return
		}
		p.respondResult(msg.ID, result)
	}()
}

func (p *Peer) respondResult(id RequestID, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		p.respondError(id, Errorf(CodeInternalError, "failed to marshal result: %s", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()

	if err := p.sendMessage(ctx, Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}); err != nil {
		p.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (p *Peer) respondError(id RequestID, rpcErr *Error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()

	if err := p.sendMessage(ctx, Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}); err != nil {
		p.logger.Error("failed to send error response", slog.String("err", err.Error()))
	}
}

func (p *Peer) startPing() {
	if p.pingInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(p.pingInterval)
		defer ticker.Stop()

		failedPings := 0
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
			err := p.Ping(ctx)
			cancel()
			if err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				failedPings++
				p.logger.Warn("ping failed", slog.Int("consecutive", failedPings), slog.String("err", err.Error()))
				if failedPings > p.pingThreshold {
					p.closeWith(QuitFault, fmt.Errorf("too many ping failures: %d", failedPings))
					return
				}
				continue
			}
			failedPings = 0
		}
	}()
}
