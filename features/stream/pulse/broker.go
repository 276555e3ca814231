// Package pulse implements the output broker on goa.design/pulse Redis
// streams. Each session gets one stream; flushed batches are published as
// events and the Redis event ID doubles as the reconnect checkpoint, so a
// client that dropped mid-generation replays everything after the last batch
// it saw.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/appforge-ai/appforge/features/stream/pulse/clients/pulse"
	"github.com/appforge-ai/appforge/runtime/stream"
	"github.com/appforge-ai/appforge/runtime/telemetry"
)

type (
	// BrokerOptions configures a Pulse-backed broker.
	BrokerOptions struct {
		// Client publishes and consumes the session streams. Required.
		Client clientspulse.Client
		// StreamPrefix namespaces session streams in Redis. Defaults to
		// "session-output".
		StreamPrefix string
		// Buffer is the subscription channel capacity. Defaults to 64.
		Buffer int
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}

	// Broker implements stream.Broker on Pulse.
	Broker struct {
		client clientspulse.Client
		prefix string
		buffer int
		logger telemetry.Logger
	}
)

const eventName = "batch"

// NewBroker validates options and constructs a Broker.
func NewBroker(opts BrokerOptions) (*Broker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.StreamPrefix == "" {
		opts.StreamPrefix = "session-output"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Broker{
		client: opts.Client,
		prefix: opts.StreamPrefix,
		buffer: opts.Buffer,
		logger: opts.Logger,
	}, nil
}

// Publish appends the batch to the session's stream. The returned checkpoint
// is the Redis event ID, which orders totally within a stream.
func (b *Broker) Publish(ctx context.Context, batch stream.Batch) (stream.Checkpoint, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("pulse broker: encode batch: %w", err)
	}
	str, err := b.client.Stream(b.streamName(batch.SessionID))
	if err != nil {
		return "", fmt.Errorf("pulse broker: open stream: %w", err)
	}
	id, err := str.Add(ctx, eventName, payload)
	if err != nil {
		return "", fmt.Errorf("pulse broker: publish batch %d: %w", batch.Seq, err)
	}
	return stream.Checkpoint(id), nil
}

// SubscribeFrom replays the session's batches after the given checkpoint and
// follows the live stream. The consumer group always starts at the oldest
// retained entry; events at or before the checkpoint are skipped client-side,
// which keeps the checkpoint opaque to Pulse and tolerant of stream trimming.
// Channels close after the terminal batch or when the subscription is
// cancelled.
func (b *Broker) SubscribeFrom(ctx context.Context, sessionID string, from stream.Checkpoint) (<-chan stream.Batch, <-chan error, context.CancelFunc, error) {
	str, err := b.client.Stream(b.streamName(sessionID))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pulse broker: open stream: %w", err)
	}
	// One ephemeral consumer group per subscriber so replays never compete
	// for events.
	sink, err := str.NewSink(ctx, "sub-"+uuid.NewString(), streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pulse broker: open sink: %w", err)
	}

	batches := make(chan stream.Batch, b.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go b.consume(runCtx, sink, from, batches, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return batches, errs, cancelFunc, nil
}

func (b *Broker) consume(ctx context.Context, sink clientspulse.Sink, from stream.Checkpoint, out chan<- stream.Batch, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !eventAfter(evt.ID, string(from)) {
				if err := sink.Ack(ctx, evt); err != nil {
					b.logger.Warn(ctx, "ack replayed event failed", "event_id", evt.ID, "err", err)
				}
				continue
			}
			var batch stream.Batch
			if err := json.Unmarshal(evt.Payload, &batch); err != nil {
				errs <- fmt.Errorf("pulse broker: decode batch: %w", err)
				return
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse broker: ack: %w", err)
				return
			}
			if batch.Terminal {
				return
			}
		}
	}
}

// Destroy deletes a finished session's stream, typically from a retention
// sweep after the terminal batch has aged out.
func (b *Broker) Destroy(ctx context.Context, sessionID string) error {
	str, err := b.client.Stream(b.streamName(sessionID))
	if err != nil {
		return fmt.Errorf("pulse broker: open stream: %w", err)
	}
	return str.Destroy(ctx)
}

func (b *Broker) streamName(sessionID string) string {
	// Session IDs contain "/" which Redis keys allow but Pulse stream names
	// treat as hierarchy; normalize to ":".
	return b.prefix + ":" + strings.ReplaceAll(sessionID, "/", ":")
}

// eventAfter reports whether Redis stream event ID a orders strictly after b.
// IDs have the form "<ms>-<seq>"; an empty or malformed reference orders
// before everything.
func eventAfter(a, b string) bool {
	if b == "" {
		return true
	}
	ams, aseq, aok := parseEventID(a)
	bms, bseq, bok := parseEventID(b)
	if !aok || !bok {
		return true
	}
	if ams != bms {
		return ams > bms
	}
	return aseq > bseq
}

func parseEventID(id string) (ms, seq int64, ok bool) {
	part, rest, found := strings.Cut(id, "-")
	if !found {
		return 0, 0, false
	}
	ms, err := strconv.ParseInt(part, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}
