// ABOUTME: Network acceptors turning listener connections into engine attach requests
// ABOUTME: Raw TCP and WebSocket transports share the engine's slot reservations
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harperreed/datstream/internal/config"
)

// StreamPath is where WebSocket consumers upgrade
const StreamPath = "/stream"

// Acceptor serves one network target
type Acceptor interface {
	// Serve accepts consumers until ctx is cancelled
	Serve(ctx context.Context) error
	Addr() net.Addr
	Target() config.Target
	Close() error
}

// Listen binds every network target. A target that cannot be bound is
// reported and skipped; the others still serve.
func Listen(targets []config.Target, engine *Engine, backlog int) ([]Acceptor, []error) {
	var acceptors []Acceptor
	var problems []error

	for _, t := range targets {
		if t.Kind == config.KindStdout {
			continue
		}

		l, err := net.Listen("tcp", fmt.Sprintf(":%d", t.Port))
		if err != nil {
			problems = append(problems, fmt.Errorf("bind %s: %w", t.Name(), err))
			continue
		}

		switch t.Kind {
		case config.KindWS:
			acceptors = append(acceptors, NewWSAcceptor(t, l, engine, backlog))
		default:
			acceptors = append(acceptors, NewTCPAcceptor(t, l, engine, backlog))
		}
		log.Printf("Listening for %s on %s, delay=%d sample(s)", t.Name(), l.Addr(), t.Delay)
	}

	return acceptors, problems
}

// TCPAcceptor streams raw bytes to each accepted connection
type TCPAcceptor struct {
	target   config.Target
	listener net.Listener
	engine   *Engine
	backlog  int
}

// NewTCPAcceptor wraps a bound listener
func NewTCPAcceptor(target config.Target, listener net.Listener, engine *Engine, backlog int) *TCPAcceptor {
	return &TCPAcceptor{
		target:   target,
		listener: listener,
		engine:   engine,
		backlog:  backlog,
	}
}

// Serve only accepts once a slot is free, so while every slot is busy new
// connections wait in the kernel's listen queue. Waiting does not hold a
// slot.
func (a *TCPAcceptor) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.Close()
	}()

	for {
		if err := a.engine.WaitFree(ctx); err != nil {
			return nil
		}

		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			log.Printf("Accept failed on %s, disabling it: %v", a.target.Name(), err)
			return nil
		}

		// Another target may have taken the free slot while we accepted
		if !a.engine.TryReserve() {
			if err := a.engine.Reserve(ctx); err != nil {
				conn.Close()
				return nil
			}
		}

		id := uuid.New().String()
		sink := NewConnSink(conn, a.backlog, func(err error) {
			a.engine.ReportFailure(id, err)
		})

		if err := a.engine.Attach(ctx, AttachRequest{ID: id, Target: a.target, Sink: sink}); err != nil {
			sink.Close()
			a.engine.Unreserve()
			return nil
		}
	}
}

func (a *TCPAcceptor) Addr() net.Addr         { return a.listener.Addr() }
func (a *TCPAcceptor) Target() config.Target { return a.target }
func (a *TCPAcceptor) Close() error           { return a.listener.Close() }

// WSAcceptor streams binary WebSocket messages to each upgraded connection
type WSAcceptor struct {
	target     config.Target
	listener   net.Listener
	engine     *Engine
	backlog    int
	upgrader   websocket.Upgrader
	httpServer *http.Server
	ctx        context.Context
}

// NewWSAcceptor wraps a bound listener in an HTTP server
func NewWSAcceptor(target config.Target, listener net.Listener, engine *Engine, backlog int) *WSAcceptor {
	a := &WSAcceptor{
		target:   target,
		listener: listener,
		engine:   engine,
		backlog:  backlog,
		upgrader: websocket.Upgrader{
			// Consumers are players and recorders on a trusted local network
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx: context.Background(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(StreamPath, a.handleStream)
	a.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

func (a *WSAcceptor) Serve(ctx context.Context) error {
	a.ctx = ctx

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error on %s: %v", a.target.Name(), err)
			a.Close()
		}
	}()

	if err := a.httpServer.Serve(a.listener); err != nil && err != http.ErrServerClosed {
		log.Printf("WebSocket server on %s failed, disabling it: %v", a.target.Name(), err)
	}
	return nil
}

func (a *WSAcceptor) handleStream(w http.ResponseWriter, r *http.Request) {
	if !a.engine.TryReserve() {
		http.Error(w, "all output slots in use", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.engine.Unreserve()
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	id := uuid.New().String()
	sink := NewWebSocketSink(conn, a.backlog, func(err error) {
		a.engine.ReportFailure(id, err)
	})

	if err := a.engine.Attach(a.ctx, AttachRequest{ID: id, Target: a.target, Sink: sink}); err != nil {
		sink.Close()
		a.engine.Unreserve()
	}
}

func (a *WSAcceptor) Addr() net.Addr         { return a.listener.Addr() }
func (a *WSAcceptor) Target() config.Target { return a.target }
func (a *WSAcceptor) Close() error           { return a.httpServer.Close() }
