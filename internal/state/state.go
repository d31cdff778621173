// Package state holds the in-memory last-known attribute bag per entity,
// optionally persisted to durable storage across restarts.
package state

import (
	"fmt"
	"log/slog"
	"sync"

	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
	"meshbridge/internal/store"
)

// State is a pure cache: it never decides whether to publish. Publication
// decisions belong to the gateway pipeline.
type State struct {
	mu         sync.Mutex
	bags       map[string]map[string]any
	store      store.Store
	bus        *eventbus.Bus
	persistent bool
	logger     *slog.Logger
}

// New creates a state cache. When persistent is false the cache exists only
// for the process lifetime.
func New(st store.Store, bus *eventbus.Bus, persistent bool, logger *slog.Logger) *State {
	return &State{
		bags:       make(map[string]map[string]any),
		store:      st,
		bus:        bus,
		persistent: persistent,
		logger:     logger.With("component", "state"),
	}
}

// Start loads persisted entries into memory when persistence is enabled.
func (s *State) Start() error {
	if !s.persistent {
		return nil
	}
	bags, err := s.store.LoadState()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	s.mu.Lock()
	s.bags = bags
	s.mu.Unlock()
	s.logger.Debug("state loaded", "entities", len(bags))
	return nil
}

// Stop flushes the in-memory state to durable storage when persistence is
// enabled.
func (s *State) Stop() error {
	if !s.persistent {
		return nil
	}
	s.mu.Lock()
	snapshot := make(map[string]map[string]any, len(s.bags))
	for id, bag := range s.bags {
		snapshot[id] = cloneBag(bag)
	}
	s.mu.Unlock()
	if err := s.store.SaveState(snapshot); err != nil {
		return fmt.Errorf("flush state: %w", err)
	}
	s.logger.Debug("state flushed", "entities", len(snapshot))
	return nil
}

// Get returns a copy of the current attribute bag for the entity.
func (s *State) Get(e entity.Entity) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bag, ok := s.bags[e.ID()]
	if !ok {
		return nil, fmt.Errorf("state for %s: %w", e.ID(), store.ErrNotFound)
	}
	return cloneBag(bag), nil
}

// Exists reports whether the entity has cached state.
func (s *State) Exists(e entity.Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bags[e.ID()]
	return ok
}

// Set merges the partial payload into the entity's bag, creating the entry if
// absent, and returns a copy of the resulting full bag. The merge is a
// shallow key-wise overwrite: omitted keys retain prior values, explicit nil
// values are stored verbatim. A StateChange event is emitted with the
// optional reason tag.
func (s *State) Set(e entity.Entity, payload map[string]any, reason string) map[string]any {
	s.mu.Lock()
	bag, ok := s.bags[e.ID()]
	if !ok {
		bag = make(map[string]any, len(payload))
		s.bags[e.ID()] = bag
	}
	for k, v := range payload {
		bag[k] = v
	}
	result := cloneBag(bag)
	s.mu.Unlock()

	s.bus.Emit(eventbus.StateChange{
		Entity: e,
		Update: cloneBag(payload),
		State:  result,
		Reason: reason,
	})
	return result
}

// Remove deletes the cached entry for the identity. Removing an absent entry
// is a no-op.
func (s *State) Remove(id string) {
	s.mu.Lock()
	delete(s.bags, id)
	s.mu.Unlock()
	if s.persistent {
		if err := s.store.DeleteState(id); err != nil {
			s.logger.Error("delete persisted state", "id", id, "err", err)
		}
	}
}

func cloneBag(bag map[string]any) map[string]any {
	out := make(map[string]any, len(bag))
	for k, v := range bag {
		out[k] = v
	}
	return out
}
