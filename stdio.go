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
	"strings"

	"github.com/google/uuid"
)

// StdIO is a transport over an io.Reader/io.Writer pair, typically a child
// process's stdin and stdout. Frames are newline-delimited JSON. It carries
// exactly one persistent session and serves as either ServerTransport or
// ClientTransport.
//
// Create instances with NewStdIO; the zero value is not usable.
type StdIO struct {
	sess   stdIOSession
	closed chan struct{}
}

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writes      chan stdIOWrite
	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}
}

type stdIOWrite struct {
	frame []byte
	errs  chan error
}

// NewStdIO creates a transport reading frames from reader and writing frames to
// writer.
func NewStdIO(reader io.Reader, writer io.Writer) StdIO {
	return StdIO{
		sess: stdIOSession{
			id:          uuid.New().String(),
			reader:      reader,
			writer:      writer,
			logger:      slog.Default().With(slog.String("transport", "stdio")),
			writes:      make(chan stdIOWrite),
			done:        make(chan struct{}),
			readClosed:  make(chan struct{}),
			writeClosed: make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
}

// Sessions implements ServerTransport. The iteration yields the single session
// and exits when that session stops.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWrites()

		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements ServerTransport. It waits for the Sessions iteration to
// exit; the caller stops the session itself.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements ClientTransport.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	go s.sess.processWrites()
	return s.sess, nil
}

func (s stdIOSession) ID() string {
	return s.id
}

func (s stdIOSession) Send(ctx context.Context, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	frame = append(frame, '\n')

	w := stdIOWrite{frame: frame, errs: make(chan error, 1)}

	// Writes go through a single queue so frames are never interleaved.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	case s.writes <- w:
	}

	select {
	case err := <-w.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("session is closed")
	}
}

func (s stdIOSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer close(s.readClosed)

		// bufio.Reader rather than bufio.Scanner so long frames never trip the
		// max token size.
		reader := bufio.NewReader(s.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr, 1)

			// Read in a goroutine so a slow reader never blocks Stop.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					lines <- lineWithErr{err: err}
					return
				}
				lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
			}()

			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					s.logger.Error("failed to read frame", slog.String("err", lwe.err.Error()))
				}
				return
			}

			if lwe.line == "" {
				continue
			}

			var msg Message
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				s.logger.Error("failed to unmarshal frame", slog.String("err", err.Error()))
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s stdIOSession) Stop() {
	close(s.done)
	<-s.readClosed
	<-s.writeClosed
}

func (s stdIOSession) processWrites() {
	defer close(s.writeClosed)

	for {
		var w stdIOWrite
		select {
		case <-s.done:
			return
		case w = <-s.writes:
		}

		_, err := s.writer.Write(w.frame)
		w.errs <- err
	}
}
