// Package state holds the last accepted setpoint per controller.
//
// Entries start unset and only ever move to a value; there is no way to
// clear one short of recreating the CommandState.
package state

import (
	"sort"
	"sync"

	"github.com/importly/moteus-motor/internal/device"
)

// Setpoint is one set entry.
type Setpoint struct {
	ID       device.ControllerID
	Position float64
}

// CommandState is safe for concurrent use. Updates are last-write-wins per id.
type CommandState struct {
	mu        sync.RWMutex
	positions map[device.ControllerID]float64
}

// New creates an empty command state.
func New() *CommandState {
	return &CommandState{positions: make(map[device.ControllerID]float64)}
}

// Set records position as the new target for id.
func (s *CommandState) Set(id device.ControllerID, position float64) {
	s.mu.Lock()
	s.positions[id] = position
	s.mu.Unlock()
}

// Get returns the target for id and whether one has been set.
func (s *CommandState) Get(id device.ControllerID) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	return p, ok
}

// Snapshot returns every set entry ordered by controller id.
func (s *CommandState) Snapshot() []Setpoint {
	s.mu.RLock()
	out := make([]Setpoint, 0, len(s.positions))
	for id, p := range s.positions {
		out = append(out, Setpoint{ID: id, Position: p})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of set entries.
func (s *CommandState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}
