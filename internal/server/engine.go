// ABOUTME: Delay-buffer engine: single goroutine owning the ring buffer and slot table
// ABOUTME: Ingests producer batches and dispatches each consumer's delayed window
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/harperreed/datstream/internal/config"
	"github.com/harperreed/datstream/internal/ring"
	"github.com/harperreed/datstream/pkg/audio"
	"github.com/harperreed/datstream/pkg/audio/wav"
)

const (
	// StatusInterval is how often the engine publishes its status when idle
	StatusInterval = 1 * time.Second

	// DrainTimeout bounds how long queued audio is flushed after the producer ends
	DrainTimeout = 2 * time.Second
)

// ErrEngineStopped is returned by Attach once the engine has exited
var ErrEngineStopped = errors.New("engine stopped")

// EngineConfig sizes the engine
type EngineConfig struct {
	Format audio.Format

	// CapacityUnits is the largest delay the engine honors
	CapacityUnits int
	// BatchUnits is the largest batch the producer delivers
	BatchUnits int
	MaxOutputs int

	Debug    bool
	OnStatus func(Status)
}

// AttachRequest asks the engine to create a slot for a new consumer
type AttachRequest struct {
	ID     string
	Target config.Target
	Sink   Sink
}

type slotFailure struct {
	id  string
	err error
}

// Status is a point-in-time view of the engine
type Status struct {
	Capacity int
	Buffered int
	Total    uint64
	Free     int
	Slots    []SlotInfo
}

// SlotInfo describes one active slot
type SlotInfo struct {
	Index      int
	ID         string
	Target     string
	Remote     string
	Offset     int
	Remaining  int
	HeaderSent bool
	SentUnits  uint64
	Written    uint64
	Since      time.Time
}

// Engine multiplexes one producer onto many delayed consumers
type Engine struct {
	config EngineConfig

	ring   *ring.Buffer
	header []byte
	slots  *SlotTable

	// tokens mirrors free slots so acceptors can wait before accepting
	tokens *semaphore.Weighted

	attachChan chan AttachRequest
	failChan   chan slotFailure
	stopChan   chan struct{}
}

// NewEngine creates an engine. The ring holds one batch beyond the largest
// delay so a slot at full delay still reads data that has not been overwritten.
func NewEngine(config EngineConfig) *Engine {
	if config.BatchUnits < 1 {
		config.BatchUnits = 1
	}
	if config.MaxOutputs < 1 {
		config.MaxOutputs = 1
	}

	return &Engine{
		config:     config,
		ring:       ring.New(config.CapacityUnits+config.BatchUnits, audio.SampleUnitSize),
		header:     wav.NewHeader(config.Format).Bytes(),
		slots:      NewSlotTable(config.MaxOutputs),
		tokens:     semaphore.NewWeighted(int64(config.MaxOutputs)),
		attachChan: make(chan AttachRequest),
		failChan:   make(chan slotFailure, config.MaxOutputs),
		stopChan:   make(chan struct{}),
	}
}

// Reserve blocks until a consumer slot is free. The reservation is consumed
// by a successful Attach and returned when that slot is released.
func (e *Engine) Reserve(ctx context.Context) error {
	return e.tokens.Acquire(ctx, 1)
}

// WaitFree blocks until at least one consumer slot is free without
// reserving it. Another caller may still take the slot first.
func (e *Engine) WaitFree(ctx context.Context) error {
	if err := e.tokens.Acquire(ctx, 1); err != nil {
		return err
	}
	e.tokens.Release(1)
	return nil
}

// TryReserve reserves a slot without waiting
func (e *Engine) TryReserve() bool {
	return e.tokens.TryAcquire(1)
}

// Unreserve returns a reservation that was not used
func (e *Engine) Unreserve() {
	e.tokens.Release(1)
}

// Attach hands a reserved consumer to the engine
func (e *Engine) Attach(ctx context.Context, req AttachRequest) error {
	select {
	case e.attachChan <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopChan:
		return ErrEngineStopped
	}
}

// AttachLocal gives a permanent output its slot before Run starts, so
// network consumers can never take it first. It must not be called once
// Run is running.
func (e *Engine) AttachLocal(req AttachRequest) error {
	if !e.tokens.TryAcquire(1) {
		return ErrSlotsFull
	}
	return e.attach(req)
}

// ReportFailure tells the engine a consumer's output failed
func (e *Engine) ReportFailure(id string, err error) {
	select {
	case e.failChan <- slotFailure{id: id, err: err}:
	case <-e.stopChan:
	}
}

// Run drives the engine until the batches channel is closed (producer end of
// stream) or ctx is cancelled. Every slot is released before it returns.
func (e *Engine) Run(ctx context.Context, batches <-chan []byte) error {
	defer close(e.stopChan)

	log.Printf("Engine starting: %s, %d units of delay, %d outputs",
		e.config.Format, e.config.CapacityUnits, e.config.MaxOutputs)

	ticker := time.NewTicker(StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Engine stopping")
			e.releaseAll()
			return nil

		case req := <-e.attachChan:
			e.attach(req)

		case f := <-e.failChan:
			e.handleFailure(f)

		case batch, ok := <-batches:
			if !ok {
				if ctx.Err() != nil {
					log.Printf("Engine stopping")
					e.releaseAll()
					return nil
				}
				log.Printf("Producer ended, flushing %d consumer(s)", e.slots.Len())
				e.drain()
				return nil
			}
			e.drainFailures()
			if err := e.Ingest(batch); err != nil {
				log.Printf("Dropping producer batch: %v", err)
			}

		case <-ticker.C:
			e.publishStatus()
		}
	}
}

// Ingest appends a batch to the ring buffer and dispatches it. It must only be
// called from the goroutine that owns the engine.
func (e *Engine) Ingest(batch []byte) error {
	if err := e.ring.Ingest(batch); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	e.dispatch(audio.Units(len(batch)))
	return nil
}

type window struct {
	start, count int
}

// dispatch sends each slot the part of its delayed window that became
// eligible with the last n ingested units
func (e *Engine) dispatch(n int) {
	if n == 0 {
		return
	}

	// Slots with the same delay share one payload
	payloads := make(map[window][]byte)

	for _, slot := range e.slots.Active() {
		toSend := slot.advance(n)
		if toSend == 0 {
			continue
		}

		if limit := e.ring.Capacity() - slot.Offset; toSend > limit {
			if e.config.Debug {
				log.Printf("[DEBUG] slot %d: batch larger than buffer, skipping %d unit(s)", slot.Index, toSend-limit)
			}
			toSend = limit
		}

		if !slot.HeaderSent {
			if err := slot.Sink.Enqueue(e.header); err != nil {
				e.release(slot, err)
				continue
			}
			slot.HeaderSent = true
		}

		w := window{
			start: e.ring.Wrap(e.ring.Cursor() - slot.Offset - toSend),
			count: toSend,
		}
		p, ok := payloads[w]
		if !ok {
			first, second := e.ring.ReadRange(w.start, w.count)
			p = make([]byte, len(first)+len(second))
			copy(p, first)
			copy(p[len(first):], second)
			payloads[w] = p
		}

		if err := slot.Sink.Enqueue(p); err != nil {
			e.release(slot, err)
			continue
		}
		slot.SentUnits += uint64(toSend)
	}
}

func (e *Engine) attach(req AttachRequest) error {
	if err := req.Sink.Err(); err != nil {
		log.Printf("Consumer %s on %s went away before attach: %v", req.Sink.Remote(), req.Target.Name(), err)
		req.Sink.Close()
		e.tokens.Release(1)
		return err
	}

	slot, err := e.slots.Allocate()
	if err != nil {
		log.Printf("Rejecting %s from %s: %v", req.Target.Name(), req.Sink.Remote(), err)
		req.Sink.Close()
		e.tokens.Release(1)
		return err
	}

	delay := req.Target.Delay
	if delay > e.config.CapacityUnits {
		delay = e.config.CapacityUnits
	}

	slot.ID = req.ID
	slot.Target = req.Target
	slot.Sink = req.Sink
	slot.Offset = delay
	slot.RemainingOffset = delay

	log.Printf("Accepted %s from %s into slot %d, offset=%d sample(s)",
		req.Target.Name(), req.Sink.Remote(), slot.Index, slot.Offset)
	e.publishStatus()
	return nil
}

func (e *Engine) handleFailure(f slotFailure) {
	slot := e.slots.Find(f.id)
	if slot == nil {
		return
	}
	e.release(slot, f.err)
}

// drainFailures handles every failure already reported so dead slots are
// torn down before the next dispatch
func (e *Engine) drainFailures() {
	for {
		select {
		case f := <-e.failChan:
			e.handleFailure(f)
		default:
			return
		}
	}
}

func (e *Engine) release(slot *Slot, reason error) {
	if !e.slots.Release(slot) {
		return
	}
	e.tokens.Release(1)

	if reason != nil {
		log.Printf("Slot %d (%s, %s) had an error, closing: %v",
			slot.Index, slot.Target.Name(), slot.Sink.Remote(), reason)
	} else if e.config.Debug {
		log.Printf("[DEBUG] slot %d (%s) released", slot.Index, slot.Target.Name())
	}
	e.publishStatus()
}

func (e *Engine) releaseAll() {
	for _, slot := range e.slots.Active() {
		e.release(slot, nil)
	}
}

// drain lets every consumer flush its backlog, bounded by DrainTimeout
func (e *Engine) drain() {
	active := e.slots.Active()
	for _, slot := range active {
		slot.Sink.Finish()
	}

	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	for _, slot := range active {
	wait:
		for {
			select {
			case <-slot.Sink.Done():
				break wait
			case f := <-e.failChan:
				e.handleFailure(f)
			case <-ctx.Done():
				break wait
			}
		}
	}

	e.releaseAll()
}

// Status returns the engine's current state. It must only be called from the
// goroutine that owns the engine, or before Run.
func (e *Engine) Status() Status {
	st := Status{
		Capacity: e.config.CapacityUnits,
		Buffered: min(e.ring.Len(), e.config.CapacityUnits),
		Total:    e.ring.Total(),
		Free:     e.slots.Free(),
	}
	for _, slot := range e.slots.Active() {
		st.Slots = append(st.Slots, SlotInfo{
			Index:      slot.Index,
			ID:         slot.ID,
			Target:     slot.Target.Name(),
			Remote:     slot.Sink.Remote(),
			Offset:     slot.Offset,
			Remaining:  slot.RemainingOffset,
			HeaderSent: slot.HeaderSent,
			SentUnits:  slot.SentUnits,
			Written:    slot.Sink.Written(),
			Since:      slot.AttachedAt,
		})
	}
	return st
}

func (e *Engine) publishStatus() {
	if e.config.OnStatus != nil {
		e.config.OnStatus(e.Status())
	}
}
