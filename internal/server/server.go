// ABOUTME: Main server implementation for datstream
// ABOUTME: Wires the producer, delay engine, acceptors, discovery and TUI together
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harperreed/datstream/internal/config"
	"github.com/harperreed/datstream/internal/discovery"
	"github.com/harperreed/datstream/pkg/audio"
)

// ErrNoUsableTargets means every target was rejected or failed to bind
var ErrNoUsableTargets = errors.New("no usable targets")

// Config holds server configuration
type Config struct {
	Name    string
	Input   string
	Format  audio.Format
	Targets []config.Target

	CapacityUnits  int
	BatchUnits     int
	MaxOutputs     int
	BacklogBatches int

	EnableMDNS bool
	Debug      bool
	UseTUI     bool

	// Source overrides Input when set
	Source AudioSource
	// Stdout receives the pass-through target. Defaults to os.Stdout.
	Stdout io.Writer
	// TUIOutput is where the TUI renders. Defaults to os.Stderr.
	TUIOutput io.Writer
}

// Server represents the datstream server
type Server struct {
	config   Config
	serverID string

	source    AudioSource
	engine    *Engine
	producer  *Producer
	acceptors []Acceptor
	listeners []ListenerInfo

	// mDNS discovery
	mdnsManager *discovery.Manager

	// TUI
	tui *ServerTUI

	// Control
	ready    chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once // Ensure Stop() is only called once
}

// New creates a new server instance
func New(config Config) *Server {
	if config.Stdout == nil {
		config.Stdout = os.Stdout
	}
	if config.TUIOutput == nil {
		config.TUIOutput = os.Stderr
	}
	if config.Format == (audio.Format{}) {
		config.Format = audio.DAT(audio.DefaultSampleRate)
	}

	return &Server{
		config:   config,
		serverID: uuid.New().String(),
		ready:    make(chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start runs the server until the producer ends, Stop is called, or the TUI
// quits. A clean end of stream returns nil.
func (s *Server) Start() error {
	log.Printf("Server starting: %s (ID: %s)", s.config.Name, s.serverID)

	if s.config.UseTUI && s.hasPassthrough() {
		return fmt.Errorf("the TUI cannot run while audio is written to stdout")
	}

	source := s.config.Source
	if source == nil {
		var err error
		source, err = NewAudioSource(s.config.Input, s.config.Format)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
	}
	s.source = source
	defer s.source.Close()

	s.engine = NewEngine(EngineConfig{
		Format:        s.config.Format,
		CapacityUnits: s.config.CapacityUnits,
		BatchUnits:    s.config.BatchUnits,
		MaxOutputs:    s.config.MaxOutputs,
		Debug:         s.config.Debug,
		OnStatus:      s.updateTUI,
	})

	acceptors, problems := Listen(s.config.Targets, s.engine, s.config.BacklogBatches)
	for _, p := range problems {
		log.Printf("Disabling target: %v", p)
	}
	s.acceptors = acceptors
	defer s.closeAcceptors()

	// The pass-through output is permanent, so it takes its slot before any
	// network consumer can
	passthrough := false
	for _, t := range s.config.Targets {
		if t.Kind != config.KindStdout {
			continue
		}
		if err := s.attachPassthrough(t); err != nil {
			log.Printf("Disabling target %s: %v", t.Name(), err)
			continue
		}
		passthrough = true
	}
	s.listeners = s.listenerInfo()

	if len(acceptors) == 0 && !passthrough {
		return ErrNoUsableTargets
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if s.config.UseTUI {
		s.startTUI()
		defer s.tui.Stop()
	}

	go func() {
		var tuiQuitChan <-chan struct{}
		if s.tui != nil {
			tuiQuitChan = s.tui.QuitChan()
		}
		select {
		case <-s.stopChan:
			log.Printf("Server shutting down...")
		case <-tuiQuitChan:
			log.Printf("TUI quit requested, shutting down...")
		case <-ctx.Done():
			return
		}
		cancel()
	}()

	if s.config.EnableMDNS {
		s.advertise()
		defer s.mdnsManager.Stop()
	}

	// The producer may block in a read that cannot be interrupted, so it
	// runs outside the group and is abandoned on shutdown
	s.producer = NewProducer(source, s.config.BatchUnits)
	go s.producer.Run(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.engine.Run(gctx, s.producer.Batches())
	})

	for _, a := range acceptors {
		g.Go(func() error {
			return a.Serve(gctx)
		})
	}

	close(s.ready)

	err := g.Wait()
	if err == nil {
		err = s.producer.Err()
	}

	log.Printf("Server stopped cleanly")
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Ready is closed once every listener is bound and the engine is running
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Listeners describes the bound targets. Valid after Ready.
func (s *Server) Listeners() []ListenerInfo {
	return s.listeners
}

func (s *Server) hasPassthrough() bool {
	for _, t := range s.config.Targets {
		if t.Kind == config.KindStdout {
			return true
		}
	}
	return false
}

func (s *Server) attachPassthrough(t config.Target) error {
	id := uuid.New().String()
	sink := NewWriterSink("stdout", s.config.Stdout, s.config.BacklogBatches, func(err error) {
		s.engine.ReportFailure(id, err)
	})

	if err := s.engine.AttachLocal(AttachRequest{ID: id, Target: t, Sink: sink}); err != nil {
		sink.Close()
		return err
	}
	return nil
}

func (s *Server) closeAcceptors() {
	for _, a := range s.acceptors {
		a.Close()
	}
}

func (s *Server) listenerInfo() []ListenerInfo {
	var out []ListenerInfo
	for _, a := range s.acceptors {
		out = append(out, ListenerInfo{
			Target: a.Target().Name(),
			Addr:   a.Addr().String(),
			Delay:  a.Target().Delay,
		})
	}
	for _, t := range s.config.Targets {
		if t.Kind == config.KindStdout {
			out = append(out, ListenerInfo{Target: t.Name(), Addr: "-", Delay: t.Delay})
		}
	}
	return out
}

func (s *Server) advertise() {
	s.mdnsManager = discovery.NewManager(discovery.Config{
		ServiceName: s.config.Name,
		ServerID:    s.serverID,
	})

	var endpoints []discovery.Endpoint
	for _, a := range s.acceptors {
		t := a.Target()
		ep := discovery.Endpoint{
			Proto: string(t.Kind),
			Port:  t.Port,
			Delay: t.Delay,
		}
		if t.Kind == config.KindWS {
			ep.Path = StreamPath
		}
		endpoints = append(endpoints, ep)
	}

	if err := s.mdnsManager.Advertise(endpoints); err != nil {
		log.Printf("Failed to start mDNS advertisement: %v", err)
	} else {
		log.Printf("mDNS advertisement started")
	}
}

func (s *Server) startTUI() {
	s.tui = NewServerTUI(s.config.TUIOutput)

	initial := ServerStatus{
		Name:       s.config.Name,
		Listeners:  s.listeners,
		AudioTitle: s.audioTitle(),
		SampleRate: s.config.Format.SampleRate,
	}

	go func() {
		if err := s.tui.Start(initial); err != nil {
			log.Printf("TUI error: %v", err)
		}
	}()
}
