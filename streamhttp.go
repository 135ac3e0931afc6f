package modelctx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// HeaderSessionID is the HTTP header carrying the session identifier on the
// streamable HTTP transport.
const HeaderSessionID = "Mcp-Session-Id"

// SessionManager tracks the live sessions of a streamable HTTP transport by id.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*streamSession
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*streamSession)}
}

// Add registers a session under its id.
func (m *SessionManager) Add(sess *streamSession) {
	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()
}

// Get looks up a session by id.
func (m *SessionManager) Get(id string) (*streamSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Remove deletes a session by id and reports whether it was present.
func (m *SessionManager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Len returns the number of tracked sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StreamHTTP is the streamable HTTP transport. Clients POST frames to a single
// endpoint; server-to-client frames stream over a long-lived GET upgraded to
// SSE. Sessions are correlated by the Mcp-Session-Id header, which the server
// assigns when a session is created by an initialize POST.
//
// In stateless mode no session ids are issued: every POST carries a complete
// exchange handled by an ephemeral session, and GET and DELETE are rejected
// with 405.
type StreamHTTP struct {
	logger    *slog.Logger
	stateless bool
	manager   *SessionManager

	sessions chan Session
	done     chan struct{}
	closed   chan struct{}
	once     sync.Once
}

// StreamHTTPOption configures a StreamHTTP transport.
type StreamHTTPOption func(*StreamHTTP)

// WithStateless switches the transport to stateless mode.
func WithStateless() StreamHTTPOption {
	return func(s *StreamHTTP) {
		s.stateless = true
	}
}

// WithStreamHTTPLogger sets the logger for the transport.
func WithStreamHTTPLogger(logger *slog.Logger) StreamHTTPOption {
	return func(s *StreamHTTP) {
		s.logger = logger
	}
}

// NewStreamHTTP creates a streamable HTTP transport. Mount it on an HTTP mux;
// it serves POST, GET, and DELETE on one path.
func NewStreamHTTP(options ...StreamHTTPOption) *StreamHTTP {
	s := &StreamHTTP{
		logger:   slog.Default().With(slog.String("transport", "streamhttp")),
		manager:  NewSessionManager(),
		sessions: make(chan Session, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Sessions implements ServerTransport.
func (s *StreamHTTP) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements ServerTransport.
func (s *StreamHTTP) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (s *StreamHTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		if s.stateless {
			http.Error(w, "stream not available in stateless mode", http.StatusMethodNotAllowed)
			return
		}
		s.handleGet(w, r)
	case http.MethodDelete:
		if s.stateless {
			http.Error(w, "session deletion not available in stateless mode", http.StatusMethodNotAllowed)
			return
		}
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *StreamHTTP) handlePost(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.logger.Warn("failed to decode frame", slog.String("err", err.Error()))
		http.Error(w, "failed to decode frame", http.StatusBadRequest)
		return
	}

	if s.stateless {
		s.handleStatelessPost(w, r, msg)
		return
	}

	sessID := r.Header.Get(HeaderSessionID)
	if sessID == "" {
		if msg.Method != methodInitialize || !msg.IsRequest() {
			http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
			return
		}

		sess := newStreamSession(s.logger)
		sess.onStop = func() { s.manager.Remove(sess.id) }
		s.manager.Add(sess)
		select {
		case s.sessions <- sess:
		case <-s.done:
			s.manager.Remove(sess.id)
			http.Error(w, "transport is shut down", http.StatusServiceUnavailable)
			return
		}

		if !sess.deliver(r.Context(), msg) {
			http.Error(w, "session closed", http.StatusGone)
			return
		}

		w.Header().Set(HeaderSessionID, sess.id)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sess, ok := s.manager.Get(sessID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if !sess.deliver(r.Context(), msg) {
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleGet attaches the caller to the session's outbound stream. At most one
// stream may be attached at a time; a second GET while one is attached gets 409.
func (s *StreamHTTP) handleGet(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(HeaderSessionID)
	if sessID == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}
	sess, ok := s.manager.Get(sessID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	if !sess.claimStream() {
		http.Error(w, "stream already attached", http.StatusConflict)
		return
	}
	defer sess.releaseStream()

	upgraded, err := sse.Upgrade(w, r)
	if err != nil {
		// Upgrade may have already written the response header; a second write
		// here would be superfluous.
		s.logger.Error("failed to upgrade stream", slog.String("err", err.Error()))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case msg := <-sess.outbound:
			frame, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal frame", slog.String("err", err.Error()))
				continue
			}
			ev := sse.Message{Type: sse.Type("message")}
			ev.AppendData(string(frame))
			if err := upgraded.Send(&ev); err != nil {
				return
			}
			if err := upgraded.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *StreamHTTP) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(HeaderSessionID)
	if sessID == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}
	sess, ok := s.manager.Get(sessID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	// Close the inbound stream; the peer observes end-of-stream and stops the
	// session, which removes it from the manager.
	sess.endInbound()
	w.WriteHeader(http.StatusOK)
}

// handleStatelessPost runs one complete exchange against an ephemeral session.
// A posted request that is not initialize gets a synthetic handshake first, so
// every POST is self-contained.
func (s *StreamHTTP) handleStatelessPost(w http.ResponseWriter, r *http.Request, msg Message) {
	sess := newStreamSession(s.logger)
	defer sess.endInbound()

	select {
	case s.sessions <- sess:
	case <-s.done:
		http.Error(w, "transport is shut down", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()

	if msg.Method == methodInitialize && msg.IsRequest() {
		if !sess.deliver(ctx, msg) {
			http.Error(w, "session closed", http.StatusGone)
			return
		}
		s.writeResponseFrame(w, ctx, sess, msg.ID)
		return
	}

	if err := s.syntheticHandshake(ctx, sess); err != nil {
		s.logger.Error("synthetic handshake failed", slog.String("err", err.Error()))
		http.Error(w, "handshake failed", http.StatusInternalServerError)
		return
	}

	if !sess.deliver(ctx, msg) {
		http.Error(w, "session closed", http.StatusGone)
		return
	}

	if msg.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeResponseFrame(w, ctx, sess, msg.ID)
}

// syntheticHandshake drives the peer through initialize on behalf of a
// stateless caller. The handshake frames never leave the server.
func (s *StreamHTTP) syntheticHandshake(ctx context.Context, sess *streamSession) error {
	initID := RequestID("_stateless_init")
	params, err := json.Marshal(initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      Info{Name: "streamhttp-stateless", Version: "1"},
	})
	if err != nil {
		return err
	}

	if !sess.deliver(ctx, Message{
		JSONRPC: JSONRPCVersion,
		ID:      initID,
		Method:  methodInitialize,
		Params:  params,
	}) {
		return errors.New("session closed")
	}

	res, err := sess.awaitResponse(ctx, initID)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}

	if !sess.deliver(ctx, Message{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}) {
		return errors.New("session closed")
	}
	return nil
}

func (s *StreamHTTP) writeResponseFrame(w http.ResponseWriter, ctx context.Context, sess *streamSession, id RequestID) {
	res, err := sess.awaitResponse(ctx, id)
	if err != nil {
		http.Error(w, "no response produced", http.StatusGatewayTimeout)
		return
	}

	frame, err := json.Marshal(res)
	if err != nil {
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(frame)
}

// streamSession is one streamable HTTP session: inbound frames arrive from POST
// handlers, outbound frames drain to the attached GET stream.
type streamSession struct {
	id     string
	logger *slog.Logger

	inbound  chan Message
	outbound chan Message

	streamClaimed atomic.Bool

	// onStop detaches the session from its manager when the peer stops it.
	onStop func()

	once sync.Once
	done chan struct{}

	inboundOnce sync.Once
	inboundEnd  chan struct{}
}

func newStreamSession(logger *slog.Logger) *streamSession {
	return &streamSession{
		id:         uuid.New().String(),
		logger:     logger,
		inbound:    make(chan Message, 8),
		outbound:   make(chan Message, 8),
		done:       make(chan struct{}),
		inboundEnd: make(chan struct{}),
	}
}

func (s *streamSession) ID() string { return s.id }

func (s *streamSession) Send(ctx context.Context, msg Message) error {
	select {
	case s.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	}
}

func (s *streamSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.inboundEnd:
				// Drain frames already queued before ending the stream.
				select {
				case msg := <-s.inbound:
					if !yield(msg) {
						return
					}
					continue
				default:
					return
				}
			case msg := <-s.inbound:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *streamSession) Stop() {
	s.once.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

func (s *streamSession) deliver(ctx context.Context, msg Message) bool {
	select {
	case s.inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// awaitResponse drains outbound frames until the response with the given id
// appears. Frames for other ids are dropped; a stateless caller has nowhere to
// receive them.
func (s *streamSession) awaitResponse(ctx context.Context, id RequestID) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.done:
			return Message{}, errors.New("session closed")
		case msg := <-s.outbound:
			if msg.IsResponse() && msg.ID == id {
				return msg, nil
			}
		}
	}
}

func (s *streamSession) endInbound() {
	s.inboundOnce.Do(func() {
		close(s.inboundEnd)
	})
}

func (s *streamSession) claimStream() bool {
	return s.streamClaimed.CompareAndSwap(false, true)
}

func (s *streamSession) releaseStream() {
	s.streamClaimed.Store(false)
}

// StreamHTTPClient is the client side of the streamable HTTP transport in
// stateful mode. Frames are POSTed to the endpoint; the session id learned from
// the initialize POST opens the GET stream carrying server-to-client frames.
type StreamHTTPClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewStreamHTTPClient creates a client transport for the given endpoint. A nil
// httpClient means http.DefaultClient.
func NewStreamHTTPClient(endpoint string, httpClient *http.Client) *StreamHTTPClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	return &StreamHTTPClient{
		endpoint:   endpoint,
		httpClient: cli,
		logger:     slog.Default().With(slog.String("transport", "streamhttp")),
	}
}

// StartSession implements ClientTransport.
func (c *StreamHTTPClient) StartSession(_ context.Context) (Session, error) {
	return &streamClientSession{
		id:         uuid.New().String(),
		endpoint:   c.endpoint,
		httpClient: c.httpClient,
		logger:     c.logger,
		messages:   make(chan Message),
		done:       make(chan struct{}),
	}, nil
}

type streamClientSession struct {
	id         string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	remoteID  string
	streaming bool

	messages chan Message
	once     sync.Once
	done     chan struct{}
}

func (s *streamClientSession) ID() string { return s.id }

func (s *streamClientSession) Send(ctx context.Context, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	s.mu.Lock()
	remoteID := s.remoteID
	s.mu.Unlock()
	if remoteID != "" {
		req.Header.Set(HeaderSessionID, remoteID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if id := resp.Header.Get(HeaderSessionID); id != "" {
		s.mu.Lock()
		firstID := s.remoteID == ""
		if firstID {
			s.remoteID = id
		}
		startStream := s.remoteID != "" && !s.streaming
		if startStream {
			s.streaming = true
		}
		s.mu.Unlock()

		if startStream {
			go s.listen()
		}
	}
	return nil
}

func (s *streamClientSession) listen() {
	defer close(s.messages)

	req, err := http.NewRequest(http.MethodGet, s.endpoint, nil)
	if err != nil {
		s.logger.Error("failed to create stream request", slog.String("err", err.Error()))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()
	req = req.WithContext(ctx)

	s.mu.Lock()
	req.Header.Set(HeaderSessionID, s.remoteID)
	s.mu.Unlock()
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("failed to open stream", slog.String("err", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Error("unexpected stream status", slog.Int("status", resp.StatusCode))
		return
	}

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				select {
				case <-s.done:
				default:
					s.logger.Error("failed to read event", slog.String("err", err.Error()))
				}
			}
			return
		}
		if ev.Type != "message" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			s.logger.Error("failed to unmarshal frame", slog.String("err", err.Error()))
			continue
		}

		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *streamClientSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *streamClientSession) Stop() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		remoteID := s.remoteID
		s.mu.Unlock()
		if remoteID == "" {
			return
		}

		// Best-effort DELETE so the server reclaims the session promptly.
		req, err := http.NewRequest(http.MethodDelete, s.endpoint, nil)
		if err != nil {
			return
		}
		req.Header.Set(HeaderSessionID, remoteID)
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return
		}
		resp.Body.Close()
	})
}
