// ABOUTME: Producer loop reading fixed-size batches from an audio source
// ABOUTME: Paces file and generated sources to real time and signals end of stream
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/harperreed/datstream/pkg/audio"
)

// Producer reads batches from a source and hands them to the engine
type Producer struct {
	source     AudioSource
	batchUnits int
	interval   time.Duration

	batches chan []byte

	mu  sync.Mutex
	err error
}

// NewProducer creates a producer delivering batchUnits units per batch
func NewProducer(source AudioSource, batchUnits int) *Producer {
	if batchUnits < 1 {
		batchUnits = 1
	}
	rate := source.Format().SampleRate
	return &Producer{
		source:     source,
		batchUnits: batchUnits,
		interval:   time.Duration(batchUnits) * time.Second / time.Duration(rate),
		batches:    make(chan []byte, 1),
	}
}

// Batches is closed when the source ends, fails, or Run's context is cancelled
func (p *Producer) Batches() <-chan []byte {
	return p.batches
}

// Err returns the error that ended the stream, or nil for a clean end of stream
func (p *Producer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Run reads until the source ends. Blocking reads on stdin cannot be
// interrupted, so callers should not wait for Run after cancelling ctx.
func (p *Producer) Run(ctx context.Context) {
	defer close(p.batches)

	var tick <-chan time.Time
	if !p.source.Realtime() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	title, _, _ := p.source.Metadata()
	log.Printf("Producer starting: %s, %d units per batch", title, p.batchUnits)

	for {
		batch := make([]byte, p.batchUnits*audio.SampleUnitSize)
		n, err := p.source.Read(batch)

		if n > 0 {
			if tick != nil {
				select {
				case <-tick:
				case <-ctx.Done():
					return
				}
			}
			select {
			case p.batches <- batch[:n]:
			case <-ctx.Done():
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.mu.Lock()
				p.err = err
				p.mu.Unlock()
				log.Printf("Producer read error: %v", err)
			} else {
				log.Printf("Producer reached end of stream")
			}
			return
		}
	}
}
