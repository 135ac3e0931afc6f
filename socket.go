package modelctx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SocketServer is a transport over a stream listener, typically TCP or a Unix
// domain socket. Each accepted connection becomes one session; frames are
// newline-delimited JSON, the same codec the stdio transport uses.
type SocketServer struct {
	listener net.Listener
	logger   *slog.Logger

	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewSocketServer creates a transport accepting sessions from the listener. The
// transport owns the listener and closes it on Shutdown.
func NewSocketServer(listener net.Listener) *SocketServer {
	return &SocketServer{
		listener: listener,
		logger:   slog.Default().With(slog.String("transport", "socket")),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Sessions implements ServerTransport, yielding one session per accepted
// connection until Shutdown closes the listener.
func (s *SocketServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.done:
				default:
					if !errors.Is(err, net.ErrClosed) {
						s.logger.Error("failed to accept connection", slog.String("err", err.Error()))
					}
				}
				return
			}

			if !yield(newConnSession(conn, s.logger)) {
				return
			}
		}
	}
}

// Shutdown implements ServerTransport by closing the listener and waiting for
// the accept loop to exit.
func (s *SocketServer) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		close(s.done)
		s.listener.Close()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// SocketClient is the client side of the socket transport. Each StartSession
// dials a fresh connection.
type SocketClient struct {
	network string
	address string
	logger  *slog.Logger
}

// NewSocketClient creates a transport dialing the given network address, for
// example ("tcp", "127.0.0.1:9210") or ("unix", "/run/modelctx.sock").
func NewSocketClient(network, address string) *SocketClient {
	return &SocketClient{
		network: network,
		address: address,
		logger:  slog.Default().With(slog.String("transport", "socket")),
	}
}

// StartSession implements ClientTransport.
func (c *SocketClient) StartSession(ctx context.Context) (Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", c.network, c.address, err)
	}
	return newConnSession(conn, c.logger), nil
}

// connSession adapts one net.Conn into a Session using newline-delimited JSON
// frames.
type connSession struct {
	id     string
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func newConnSession(conn net.Conn, logger *slog.Logger) *connSession {
	return &connSession{
		id:     uuid.New().String(),
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (s *connSession) ID() string {
	return s.id
}

func (s *connSession) Send(ctx context.Context, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	frame = append(frame, '\n')

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

	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (s *connSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		reader := bufio.NewReader(s.conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				select {
				case <-s.done:
				default:
					if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
						s.logger.Error("failed to read frame", slog.String("err", err.Error()))
					}
				}
				return
			}

			line = strings.TrimSuffix(line, "\n")
			if line == "" {
				continue
			}

			var msg Message
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				s.logger.Error("failed to unmarshal frame", slog.String("err", err.Error()))
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *connSession) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// noDeadline clears a previously set write deadline.
var noDeadline time.Time
