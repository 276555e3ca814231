// Package mongo hosts the MongoDB client used by the conversation history
// store. Parts are stored as the wire-encoded JSON envelope so the closed
// part union has a single serialization in both the database and transports.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/appforge-ai/appforge/runtime/history"
	"github.com/appforge-ai/appforge/runtime/telemetry"
)

const (
	defaultTurnsCollection = "conversation_turns"
	defaultOpTimeout       = 5 * time.Second
	historyClientName      = "history-mongo"
)

// Client exposes Mongo-backed operations for conversation turns.
type Client interface {
	health.Pinger

	// LoadTurns returns the conversation's turns ordered by sequence.
	// Turns whose parts fail to decode are skipped with a warning so one
	// bad document cannot brick the conversation.
	LoadTurns(ctx context.Context, conversationID string) ([]history.Turn, error)
	// UpsertTurn writes a turn keyed by (conversation_id, turn_id),
	// replacing any prior version. CreatedAt is set on first insert only.
	UpsertTurn(ctx context.Context, conversationID string, turn history.Turn) error
}

// Options configures the Mongo history client.
type Options struct {
	Client          *mongodriver.Client
	Database        string
	TurnsCollection string
	Timeout         time.Duration
	Logger          telemetry.Logger
}

type client struct {
	mongo   *mongodriver.Client
	turns   collection
	timeout time.Duration
	logger  telemetry.Logger
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.TurnsCollection
	if name == "" {
		name = defaultTurnsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout, opts.Logger)
}

func (c *client) Name() string { return historyClientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) LoadTurns(ctx context.Context, conversationID string) ([]history.Turn, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"conversation_id": conversationID}
	cur, err := c.turns.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []history.Turn
	for cur.Next(ctx) {
		var doc turnDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		turn, err := doc.toTurn()
		if err != nil {
			c.logger.Warn(ctx, "skipping corrupt turn",
				"conversation_id", conversationID, "turn_id", doc.TurnID, "err", err)
			continue
		}
		out = append(out, turn)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) UpsertTurn(ctx context.Context, conversationID string, turn history.Turn) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	if turn.ID == "" {
		return errors.New("turn id is required")
	}
	doc, err := fromTurn(conversationID, turn)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"conversation_id": conversationID, "turn_id": turn.ID}
	update := bson.M{
		"$set": bson.M{
			"role":       doc.Role,
			"seq":        doc.Seq,
			"parts":      doc.Parts,
			"synthetic":  doc.Synthetic,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"conversation_id": conversationID,
			"turn_id":         turn.ID,
			"created_at":      doc.CreatedAt,
		},
	}
	_, err = c.turns.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type turnDocument struct {
	ConversationID string    `bson:"conversation_id"`
	TurnID         string    `bson:"turn_id"`
	Role           string    `bson:"role"`
	Seq            int       `bson:"seq"`
	Parts          []byte    `bson:"parts"`
	Synthetic      bool      `bson:"synthetic,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func fromTurn(conversationID string, turn history.Turn) (turnDocument, error) {
	parts, err := history.MarshalParts(turn.Parts)
	if err != nil {
		return turnDocument{}, err
	}
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return turnDocument{
		ConversationID: conversationID,
		TurnID:         turn.ID,
		Role:           string(turn.Role),
		Seq:            turn.Seq,
		Parts:          parts,
		Synthetic:      turn.Synthetic,
		CreatedAt:      createdAt.UTC(),
	}, nil
}

func (doc turnDocument) toTurn() (history.Turn, error) {
	parts, err := history.UnmarshalParts(doc.Parts)
	if err != nil {
		return history.Turn{}, err
	}
	return history.Turn{
		ID:             doc.TurnID,
		ConversationID: doc.ConversationID,
		Role:           history.Role(doc.Role),
		Seq:            doc.Seq,
		Parts:          parts,
		Synthetic:      doc.Synthetic,
		CreatedAt:      doc.CreatedAt.UTC(),
	}, nil
}

func ensureIndexes(ctx context.Context, turns collection) error {
	unique := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "turn_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := turns.Indexes().CreateOne(ctx, unique); err != nil {
		return err
	}
	ordering := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "seq", Value: 1},
		},
	}
	if _, err := turns.Indexes().CreateOne(ctx, ordering); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, turns collection, timeout time.Duration, logger telemetry.Logger) (*client, error) {
	if turns == nil {
		return nil, errors.New("turns collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &client{mongo: mongoClient, turns: turns, timeout: timeout, logger: logger}, nil
}

type collection interface {
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
func (c mongoCursor) Decode(val any) error            { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                      { return c.cur.Err() }
func (c mongoCursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
