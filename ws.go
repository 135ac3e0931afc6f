package modelctx

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSServer is a WebSocket transport. Each upgraded connection becomes one
// session carrying JSON text frames. Mount Handler on any HTTP mux.
type WSServer struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	sessions chan Session
	done     chan struct{}
	closed   chan struct{}
	once     sync.Once
}

// NewWSServer creates a WebSocket transport. The upgrader accepts any origin;
// wrap Handler with an origin check when exposure requires one.
func NewWSServer() *WSServer {
	return &WSServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   slog.Default().With(slog.String("transport", "websocket")),
		sessions: make(chan Session, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Handler returns the http.Handler that upgrades requests to WebSocket
// sessions.
func (s *WSServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("failed to upgrade connection", slog.String("err", err.Error()))
			return
		}

		sess := newWSSession(conn, s.logger)
		select {
		case s.sessions <- sess:
		case <-s.done:
			sess.Stop()
		}
	})
}

// Sessions implements ServerTransport.
func (s *WSServer) Sessions() iter.Seq[Session] {
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
func (s *WSServer) Shutdown(ctx context.Context) error {
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

// WSClient is the client side of the WebSocket transport. Each StartSession
// dials a fresh connection.
type WSClient struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSClient creates a transport dialing the given ws:// or wss:// URL. The
// header may carry authentication and is sent with the upgrade request; nil is
// fine.
func NewWSClient(url string, header http.Header) *WSClient {
	return &WSClient{
		url:    url,
		header: header,
		dialer: websocket.DefaultDialer,
		logger: slog.Default().With(slog.String("transport", "websocket")),
	}
}

// StartSession implements ClientTransport.
func (c *WSClient) StartSession(ctx context.Context) (Session, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}
	return newWSSession(conn, c.logger), nil
}

// wsSession adapts one websocket connection into a Session. Gorilla permits at
// most one concurrent writer, so writes are serialized through a mutex.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func newWSSession(conn *websocket.Conn, logger *slog.Logger) *wsSession {
	return &wsSession{
		id:     uuid.New().String(),
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (s *wsSession) ID() string {
	return s.id
}

func (s *wsSession) Send(ctx context.Context, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return fmt.Errorf("session is closed")
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(noDeadline)
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (s *wsSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			_, frame, err := s.conn.ReadMessage()
			if err != nil {
				select {
				case <-s.done:
				default:
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						s.logger.Error("failed to read frame", slog.String("err", err.Error()))
					}
				}
				return
			}

			var msg Message
			if err := json.Unmarshal(frame, &msg); err != nil {
				s.logger.Error("failed to unmarshal frame", slog.String("err", err.Error()))
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *wsSession) Stop() {
	s.once.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.conn.Close()
	})
}
