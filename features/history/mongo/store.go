package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/appforge-ai/appforge/features/history/mongo/clients/mongo"
	"github.com/appforge-ai/appforge/runtime/history"
)

// Store implements history.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// LoadTurns returns the conversation's turns in sequence order.
func (s *Store) LoadTurns(ctx context.Context, conversationID string) ([]history.Turn, error) {
	return s.client.LoadTurns(ctx, conversationID)
}

// UpsertTurn checkpoints one turn.
func (s *Store) UpsertTurn(ctx context.Context, conversationID string, turn history.Turn) error {
	return s.client.UpsertTurn(ctx, conversationID, turn)
}
