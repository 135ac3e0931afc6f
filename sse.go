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
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer is a framework-agnostic Server-Sent Events transport. Server-to-
// client frames stream over an SSE connection; client-to-server frames arrive
// via HTTP POST to a per-session message endpoint. Mount HandleSSE and
// HandleMessage on any HTTP mux.
//
// Create instances with NewSSEServer and release them with Shutdown.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done   chan struct{}
	closed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    Message
}

type sseServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendMsgs     chan sseSessionSend
	receivedMsgs chan Message

	done           chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSessionSend struct {
	msg  *sse.Message
	errs chan<- error
}

// NewSSEServer creates an SSE transport whose clients post their frames to
// messageURL. The session id is appended as a query parameter when the endpoint
// is announced to each client.
func NewSSEServer(messageURL string) SSEServer {
	return SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default().With(slog.String("transport", "sse")),
		sessions:         make(chan sseServerSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
}

// Sessions implements ServerTransport, yielding a session for every SSE
// connection the handlers accept.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Live sessions are tracked here so inbound POSTs can be routed by id.
		sessionsMap := make(map[string]sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()
				sessionsMap[sess.id] = sess
				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case m := <-s.receivedMessages:
				sess, ok := sessionsMap[m.sessID]
				if !ok {
					// The session may already be gone; drop the frame.
					continue
				}
				select {
				case <-s.done:
					return
				case sess.receivedMsgs <- m.msg:
				}
			}
		}
	}
}

// Shutdown implements ServerTransport, terminating the session loop.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns the http.Handler that upgrades GET requests to SSE streams.
// Each connection gets a fresh session id and is told its message endpoint via
// an "endpoint" event before any protocol frames flow.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			// Upgrade may have already written the response header; a second
			// write here would be superfluous.
			s.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
			return
		}

		sessID := uuid.New().String()
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", slog.String("err", err.Error()))
			return
		}

		srvSession := sseServerSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger,
			sendMsgs:       make(chan sseSessionSend, 5),
			receivedMsgs:   make(chan Message, 5),
			done:           make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		select {
		case s.sessions <- srvSession:
		case <-s.done:
			return
		}

		// Keep the connection open until the session stops.
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns the http.Handler that accepts client frames over POST.
// It expects a sessionID query parameter and a JSON frame body.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			s.logger.Warn("failed to decode frame", slog.String("err", err.Error()))
			http.Error(w, "failed to decode frame", http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg}:
		}
	})
}

func (s sseServerSession) ID() string { return s.id }

func (s sseServerSession) Send(ctx context.Context, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{Type: sse.Type("message")}
	sseMsg.AppendData(string(frame))

	errs := make(chan error, 1)

	// Sends go through a single queue so events are never interleaved on the
	// stream.
	select {
	case s.sendMsgs <- sseSessionSend{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	}
}

func (s sseServerSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	close(s.done)
	<-s.sendClosed
	<-s.receivedClosed
}

func (s sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send event", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush event", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}

// SSEClient is the client side of the SSE transport. It connects with a GET
// request, learns its message endpoint from the first "endpoint" event, and
// posts outbound frames there.
type SSEClient struct {
	connectURL string
	httpClient *http.Client
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption configures an SSEClient.
type SSEClientOption func(*SSEClient)

// WithSSEClientMaxPayloadSize bounds the size of a single event read from the
// server. Oversized events terminate the session.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// NewSSEClient creates a client transport connecting to connectURL. A nil
// httpClient means http.DefaultClient.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default().With(slog.String("transport", "sse")),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// StartSession implements ClientTransport. It blocks until the server announces
// the message endpoint or the context expires.
func (c *SSEClient) StartSession(ctx context.Context) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:         uuid.New().String(),
		httpClient: c.httpClient,
		logger:     c.logger,
		body:       resp.Body,
		messages:   make(chan Message),
		endpoint:   make(chan string, 1),
		done:       make(chan struct{}),
	}

	go sess.listen(c.maxPayloadSize)

	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	case messageURL, ok := <-sess.endpoint:
		if !ok {
			sess.Stop()
			return nil, errors.New("stream ended before endpoint event")
		}
		sess.messageURL = messageURL
	}

	return sess, nil
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	logger     *slog.Logger
	body       io.ReadCloser
	messageURL string

	messages chan Message
	endpoint chan string

	once sync.Once
	done chan struct{}
}

func (s *sseClientSession) ID() string { return s.id }

func (s *sseClientSession) Send(ctx context.Context, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (s *sseClientSession) Messages() iter.Seq[Message] {
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

func (s *sseClientSession) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.body.Close()
	})
}

func (s *sseClientSession) listen(maxPayloadSize int) {
	defer func() {
		s.body.Close()
		close(s.messages)
		close(s.endpoint)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: maxPayloadSize}
	}

	announced := false
	for ev, err := range sse.Read(s.body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				select {
				case <-s.done:
				default:
					s.logger.Error("failed to read event", slog.String("err", err.Error()))
				}
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil || u.String() == "" {
				s.logger.Error("invalid endpoint event", slog.String("data", ev.Data))
				return
			}
			announced = true
			s.endpoint <- u.String()
		case "message":
			// Frames before the endpoint announcement violate the connection
			// setup order.
			if !announced {
				s.logger.Error("received frame before endpoint event")
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
		default:
			s.logger.Warn("unhandled event type", slog.String("type", string(ev.Type)))
		}
	}
}
