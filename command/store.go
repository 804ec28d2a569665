package command

import (
	"sync"
	"sync/atomic"
)

// Pending is the live mapping of command ID to command. Every
// operation is safe for concurrent use and works on a single key,
// there is no global lock.
type Pending struct {
	m sync.Map
}

func NewPending() *Pending {
	return &Pending{}
}

// Put registers the command, replacing any command with the same ID.
func (p *Pending) Put(cmd *Command) {
	p.m.Store(cmd.ID, cmd)
}

func (p *Pending) Get(id string) (*Command, bool) {
	v, ok := p.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Command), true
}

// Remove deletes the command and returns it if it was pending.
func (p *Pending) Remove(id string) (*Command, bool) {
	v, ok := p.m.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*Command), true
}

// RemoveIf deletes the entry only if it still holds cmd.
func (p *Pending) RemoveIf(cmd *Command) bool {
	return p.m.CompareAndDelete(cmd.ID, cmd)
}

// LoadOrStore registers the command unless the ID is already pending,
// in which case the pending command is returned.
func (p *Pending) LoadOrStore(cmd *Command) (*Command, bool) {
	v, loaded := p.m.LoadOrStore(cmd.ID, cmd)
	return v.(*Command), loaded
}

// CompareAndSwap replaces old with new if old is still pending under
// new's ID.
func (p *Pending) CompareAndSwap(old *Command, new *Command) bool {
	if old.ID != new.ID {
		return false
	}
	return p.m.CompareAndSwap(old.ID, old, new)
}

// Range calls f for every pending command until f returns false.
// Commands added or removed during the iteration may or may not be
// visited.
func (p *Pending) Range(f func(cmd *Command) bool) {
	p.m.Range(func(_, v any) bool {
		return f(v.(*Command))
	})
}

func (p *Pending) Len() int {
	n := 0
	p.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot copies the current entries.
func (p *Pending) Snapshot() map[string]*Command {
	result := map[string]*Command{}
	p.Range(func(cmd *Command) bool {
		result[cmd.ID] = cmd
		return true
	})
	return result
}

// Store holds the pending commands of a node.
type Store interface {
	// Pending returns the live mapping, not a copy.
	Pending() *Pending

	// SetPending replaces the mapping as a whole.
	SetPending(p *Pending)
}

type BasicStore struct {
	pending atomic.Pointer[Pending]
}

var _ Store = (*BasicStore)(nil)

func NewBasicStore() *BasicStore {
	s := &BasicStore{}
	s.pending.Store(NewPending())
	return s
}

func (s *BasicStore) Pending() *Pending {
	return s.pending.Load()
}

// SetPending with a nil mapping installs an empty one.
func (s *BasicStore) SetPending(p *Pending) {
	if p == nil {
		p = NewPending()
	}
	s.pending.Store(p)
}
