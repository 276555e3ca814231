// Package inmem provides an in-memory implementation of history.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/history/mongo).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/appforge-ai/appforge/runtime/history"
)

// Store is an in-memory implementation of history.Store. Safe for concurrent
// use. Turns round-trip through the wire encoding so tests observe the same
// copy semantics as durable stores.
type Store struct {
	mu    sync.RWMutex
	turns map[string]map[string]storedTurn
}

type storedTurn struct {
	turn  history.Turn
	parts []byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{turns: make(map[string]map[string]storedTurn)}
}

// LoadTurns implements history.Store.
func (s *Store) LoadTurns(_ context.Context, conversationID string) ([]history.Turn, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.turns[conversationID]
	out := make([]history.Turn, 0, len(conv))
	for _, st := range conv {
		turn := st.turn
		parts, err := history.UnmarshalParts(st.parts)
		if err != nil {
			if errors.Is(err, history.ErrCorruptTurn) {
				continue
			}
			return nil, err
		}
		turn.Parts = parts
		out = append(out, turn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// UpsertTurn implements history.Store.
func (s *Store) UpsertTurn(_ context.Context, conversationID string, turn history.Turn) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	if turn.ID == "" {
		return errors.New("turn id is required")
	}
	data, err := history.MarshalParts(turn.Parts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.turns[conversationID]
	if conv == nil {
		conv = make(map[string]storedTurn)
		s.turns[conversationID] = conv
	}
	if existing, ok := conv[turn.ID]; ok {
		// Last-write-wins on content, first write wins on creation time.
		turn.CreatedAt = existing.turn.CreatedAt
	} else if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	stripped := turn
	stripped.Parts = nil
	conv[turn.ID] = storedTurn{turn: stripped, parts: data}
	return nil
}

// SeedCorrupt stores undecodable content under the given turn id so tests can
// exercise the corrupt-turn skip path.
func (s *Store) SeedCorrupt(conversationID, turnID string, seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.turns[conversationID]
	if conv == nil {
		conv = make(map[string]storedTurn)
		s.turns[conversationID] = conv
	}
	conv[turnID] = storedTurn{
		turn:  history.Turn{ID: turnID, ConversationID: conversationID, Seq: seq},
		parts: []byte(`[{"type":"???"}]`),
	}
}
