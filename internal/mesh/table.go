// Package mesh holds the routes learned by the RPL mesh stack, in the
// fixed-size slot table the stack exports them in.
package mesh

import (
	"net/netip"

	"github.com/pkg/errors"

	"rpld-go/internal/prefix"
)

// DefaultCapacity is the number of route slots when none is configured.
const DefaultCapacity = 16

// ErrTableFull is returned by Add when every slot is in use.
var ErrTableFull = errors.New("mesh route table full")

// Record is one slot of the table.
type Record struct {
	InUse bool
	// Addr and Length form the destination. Addr may carry host bits.
	Addr    netip.Addr
	Length  uint8
	NextHop netip.Addr
	Metric  uint32
	// Lifetime in seconds as advertised in the DAO, informational only.
	Lifetime    uint32
	LearnedFrom int
}

// Destination returns the masked destination prefix of r.
func (r Record) Destination() (prefix.Prefix, error) {
	p, err := prefix.New(r.Addr, int(r.Length))
	if err != nil {
		return prefix.Prefix{}, err
	}
	p.ApplyMask()
	return p, nil
}

// Table is a fixed-capacity route table. Free slots have InUse unset.
type Table struct {
	slots []Record
}

// NewTable returns a table with capacity slots.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{slots: make([]Record, capacity)}
}

// Cap returns the number of slots.
func (t *Table) Cap() int {
	return len(t.slots)
}

// Len returns the number of slots in use.
func (t *Table) Len() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].InUse {
			n++
		}
	}
	return n
}

func (t *Table) find(addr netip.Addr, length uint8) int {
	for i := range t.slots {
		s := &t.slots[i]
		if s.InUse && s.Length == length && s.Addr == addr {
			return i
		}
	}
	return -1
}

// Add stores r, replacing the record with the same destination if any.
func (t *Table) Add(r Record) error {
	r.InUse = true
	if i := t.find(r.Addr, r.Length); i >= 0 {
		t.slots[i] = r
		return nil
	}
	for i := range t.slots {
		if !t.slots[i].InUse {
			t.slots[i] = r
			return nil
		}
	}
	return ErrTableFull
}

// Remove frees the slot holding the destination addr/length.
func (t *Table) Remove(addr netip.Addr, length uint8) bool {
	i := t.find(addr, length)
	if i < 0 {
		return false
	}
	t.slots[i] = Record{}
	return true
}

// Reset frees every slot.
func (t *Table) Reset() {
	for i := range t.slots {
		t.slots[i] = Record{}
	}
}

// Range calls fn for each slot in use, in slot order, until fn returns
// false.
func (t *Table) Range(fn func(Record) bool) {
	for _, r := range t.slots {
		if r.InUse && !fn(r) {
			return
		}
	}
}
