// ABOUTME: Bounded consumer slot table with lowest-free-index allocation
// ABOUTME: Tracks each consumer's delay countdown and header state
package server

import (
	"container/heap"
	"errors"
	"time"

	"github.com/harperreed/datstream/internal/config"
)

// ErrSlotsFull is returned by Allocate when every slot is in use
var ErrSlotsFull = errors.New("all consumer slots in use")

// Slot is one active consumer. Only the engine goroutine reads or writes it.
type Slot struct {
	Index  int
	ID     string
	Target config.Target
	Sink   Sink

	// Offset is the requested delay in sample units, fixed at attach time.
	// RemainingOffset counts down from Offset to 0 before any data is sent.
	Offset          int
	RemainingOffset int
	HeaderSent      bool

	AttachedAt time.Time
	SentUnits  uint64
}

// Passthrough reports whether the slot writes to the local output
func (s *Slot) Passthrough() bool {
	return s.Target.Kind == config.KindStdout
}

// advance consumes n freshly ingested units from the delay countdown and
// returns how many of them are eligible to send
func (s *Slot) advance(n int) int {
	if s.RemainingOffset > 0 {
		if n <= s.RemainingOffset {
			s.RemainingOffset -= n
			return 0
		}
		toSend := n - s.RemainingOffset
		s.RemainingOffset = 0
		return toSend
	}
	return n
}

// SlotTable is a fixed-capacity registry of consumer slots
type SlotTable struct {
	slots []*Slot
	free  freeList
}

// NewSlotTable creates a table holding at most size slots
func NewSlotTable(size int) *SlotTable {
	t := &SlotTable{
		slots: make([]*Slot, size),
		free:  make(freeList, 0, size),
	}
	for i := 0; i < size; i++ {
		t.free = append(t.free, i)
	}
	heap.Init(&t.free)
	return t
}

// Allocate reserves the lowest free slot
func (t *SlotTable) Allocate() (*Slot, error) {
	if t.free.Len() == 0 {
		return nil, ErrSlotsFull
	}
	idx := heap.Pop(&t.free).(int)
	s := &Slot{Index: idx, AttachedAt: time.Now()}
	t.slots[idx] = s
	return s, nil
}

// Release closes the slot's sink and frees the slot. The pass-through sink is
// finished instead, leaving the local output open. It reports whether the
// slot was active; releasing a freed slot is a no-op.
func (t *SlotTable) Release(s *Slot) bool {
	if s == nil || s.Index < 0 || s.Index >= len(t.slots) || t.slots[s.Index] != s {
		return false
	}
	t.slots[s.Index] = nil
	heap.Push(&t.free, s.Index)
	switch {
	case s.Sink == nil:
	case s.Passthrough():
		s.Sink.Finish()
	default:
		s.Sink.Close()
	}
	return true
}

// Active returns the occupied slots in index order
func (t *SlotTable) Active() []*Slot {
	out := make([]*Slot, 0, t.Len())
	for _, s := range t.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Find returns the active slot with the given ID
func (t *SlotTable) Find(id string) *Slot {
	for _, s := range t.slots {
		if s != nil && s.ID == id {
			return s
		}
	}
	return nil
}

// Len returns the number of active slots
func (t *SlotTable) Len() int {
	return len(t.slots) - t.free.Len()
}

// Cap returns the table size
func (t *SlotTable) Cap() int {
	return len(t.slots)
}

// Free returns the number of unused slots
func (t *SlotTable) Free() int {
	return t.free.Len()
}

// freeList is a min-heap of free slot indices
type freeList []int

func (f freeList) Len() int           { return len(f) }
func (f freeList) Less(i, j int) bool { return f[i] < f[j] }
func (f freeList) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *freeList) Push(x any)        { *f = append(*f, x.(int)) }
func (f *freeList) Pop() any {
	old := *f
	n := len(old)
	x := old[n-1]
	*f = old[:n-1]
	return x
}
