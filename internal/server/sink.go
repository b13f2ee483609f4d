// ABOUTME: Consumer output sinks with bounded per-consumer backlogs
// ABOUTME: Each sink owns a writer goroutine so a slow consumer never blocks the engine
package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

var (
	// ErrBacklogFull means the consumer fell too far behind and is shed
	ErrBacklogFull = errors.New("consumer backlog full")
	// ErrSinkClosed is returned when enqueueing to a finished or closed sink
	ErrSinkClosed = errors.New("consumer sink closed")

	errPeerReadable = errors.New("consumer sent data on an output-only connection")
)

// Sink is the output side of one consumer slot. Enqueue never blocks.
type Sink interface {
	// Enqueue queues a payload for writing. The payload is shared and must not be modified.
	Enqueue(p []byte) error
	// Finish stops accepting payloads and lets the queued ones drain.
	Finish()
	// Close stops the sink immediately and closes the underlying connection.
	Close() error
	// Done is closed once the writer goroutine has exited.
	Done() <-chan struct{}
	// Err returns the failure reported for this sink, if any.
	Err() error
	Remote() string
	Written() uint64
}

// queuedSink writes queued payloads from its own goroutine
type queuedSink struct {
	remote string
	write  func([]byte) error
	ping   func() error
	closer io.Closer
	onFail func(error)

	queue    chan []byte
	finished bool // engine goroutine only
	stop     chan struct{}
	exited   chan struct{}

	closeOnce sync.Once
	failOnce  sync.Once
	written   atomic.Uint64

	errMu sync.Mutex
	err   error
}

func newQueuedSink(remote string, backlog int, write func([]byte) error, closer io.Closer, onFail func(error)) *queuedSink {
	if backlog < 1 {
		backlog = 1
	}
	return &queuedSink{
		remote: remote,
		write:  write,
		closer: closer,
		onFail: onFail,
		queue:  make(chan []byte, backlog),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// NewConnSink streams to a raw network connection. Any read result on the
// connection (data, EOF or error) marks the consumer as failed.
func NewConnSink(conn net.Conn, backlog int, onFail func(error)) Sink {
	s := newQueuedSink(conn.RemoteAddr().String(), backlog, func(p []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_, err := conn.Write(p)
		return err
	}, conn, onFail)

	go s.run()
	go func() {
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err == nil && n > 0 {
			err = errPeerReadable
		}
		s.fail(err)
	}()

	return s
}

// NewWebSocketSink streams to a WebSocket connection, one binary message per payload
func NewWebSocketSink(conn *websocket.Conn, backlog int, onFail func(error)) Sink {
	s := newQueuedSink(conn.RemoteAddr().String(), backlog, func(p []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		return conn.WriteMessage(websocket.BinaryMessage, p)
	}, conn, onFail)
	s.ping = func() error {
		return conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline))
	}

	go s.run()
	go func() {
		// Client messages are ignored; the read loop exists to observe close and errors
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.fail(err)
				return
			}
		}
	}()

	return s
}

// NewWriterSink streams to a local writer such as stdout. The writer is never closed.
func NewWriterSink(name string, w io.Writer, backlog int, onFail func(error)) Sink {
	s := newQueuedSink(name, backlog, func(p []byte) error {
		_, err := w.Write(p)
		return err
	}, nil, onFail)

	go s.run()
	return s
}

func (s *queuedSink) run() {
	defer close(s.exited)

	var tick <-chan time.Time
	if s.ping != nil {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case p, ok := <-s.queue:
			if !ok {
				s.Close()
				return
			}
			if err := s.write(p); err != nil {
				s.fail(err)
				return
			}
			s.written.Add(uint64(len(p)))
		case <-tick:
			if err := s.ping(); err != nil {
				s.fail(err)
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *queuedSink) Enqueue(p []byte) error {
	if s.finished {
		return ErrSinkClosed
	}
	select {
	case <-s.stop:
		return ErrSinkClosed
	default:
	}

	select {
	case s.queue <- p:
		return nil
	default:
		return ErrBacklogFull
	}
}

func (s *queuedSink) Finish() {
	if !s.finished {
		s.finished = true
		close(s.queue)
	}
}

func (s *queuedSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

func (s *queuedSink) Done() <-chan struct{} {
	return s.exited
}

func (s *queuedSink) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *queuedSink) Remote() string {
	return s.remote
}

func (s *queuedSink) Written() uint64 {
	return s.written.Load()
}

// fail reports the first error unless the sink was closed on purpose
func (s *queuedSink) fail(err error) {
	select {
	case <-s.stop:
		return
	default:
	}
	s.failOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		if s.onFail != nil {
			s.onFail(err)
		}
	})
}
