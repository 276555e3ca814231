package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/appforge-ai/appforge/runtime/telemetry"
)

type (
	// BufferOptions configures a session's output buffer.
	BufferOptions struct {
		// SessionID identifies the producing session. Required.
		SessionID string
		// Broker receives every flushed batch. Required.
		Broker Broker
		// Live optionally receives every flushed batch as well (the attached
		// HTTP response). A Live send failure is logged and dropped; the
		// broker copy is authoritative and the client can reattach.
		Live Sink
		// FlushBytes flushes when buffered chunk bytes cross this threshold.
		// Defaults to 1024.
		FlushBytes int
		// FlushInterval flushes when this much time elapsed since the first
		// unflushed chunk. Defaults to 250ms. Together with FlushBytes this
		// bounds both worst-case latency and per-publish overhead.
		FlushInterval time.Duration
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}

	// Buffer batches a session's outbound chunks and republishes every flush
	// through the broker. One Buffer per session; Publish is called from the
	// controller goroutine, the interval flush fires from a timer goroutine.
	Buffer struct {
		sessionID string
		broker    Broker
		live      Sink
		maxBytes  int
		window    time.Duration
		logger    telemetry.Logger

		// sendMu serializes drain-and-publish: a batch's Seq is assigned and
		// its broker publish completes before the next drain starts, so the
		// broker's append order always matches Seq order even when a timer
		// flush races a threshold flush. Acquired before mu, never inside it.
		sendMu sync.Mutex

		mu         sync.Mutex
		pending    []Chunk
		pendingSz  int
		seq        int
		timer      *time.Timer
		checkpoint Checkpoint
		closed     bool
	}
)

// NewBuffer validates options and constructs a Buffer.
func NewBuffer(opts BufferOptions) (*Buffer, error) {
	if opts.SessionID == "" {
		return nil, errors.New("stream: session id is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("stream: broker is required")
	}
	maxBytes := opts.FlushBytes
	if maxBytes <= 0 {
		maxBytes = 1024
	}
	window := opts.FlushInterval
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Buffer{
		sessionID: opts.SessionID,
		broker:    opts.Broker,
		live:      opts.Live,
		maxBytes:  maxBytes,
		window:    window,
		logger:    logger,
	}, nil
}

// Publish appends a chunk to the pending batch. The batch flushes when its
// byte size crosses the threshold or when the window elapses since the first
// unflushed chunk, whichever comes first.
func (b *Buffer) Publish(ctx context.Context, chunk Chunk) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("stream: buffer closed")
	}
	b.pending = append(b.pending, chunk)
	b.pendingSz += chunk.size()
	full := b.pendingSz >= b.maxBytes
	if !full && b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flushTimer)
	}
	b.mu.Unlock()
	if full {
		// Flush re-checks pending under sendMu; if the timer drained it
		// first the chunk already went out in order and this is a no-op.
		return b.Flush(ctx)
	}
	return nil
}

// Flush force-publishes any pending chunks.
func (b *Buffer) Flush(ctx context.Context) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.takeLocked(false)
	b.mu.Unlock()
	return b.deliver(ctx, batch)
}

// Close flushes pending chunks, publishes the terminal marker batch carrying
// the session's final status, and closes the live sink. Idempotent.
func (b *Buffer) Close(ctx context.Context, status string) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.pending = append(b.pending, Chunk{Type: ChunkTerminal, Status: status})
	batch := b.takeLocked(true)
	b.mu.Unlock()

	err := b.deliver(ctx, batch)
	if b.live != nil {
		if cerr := b.live.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Checkpoint returns the broker checkpoint of the last flushed batch.
func (b *Buffer) Checkpoint() Checkpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkpoint
}

// takeLocked drains pending chunks into a batch. Callers hold b.mu.
func (b *Buffer) takeLocked(terminal bool) Batch {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.seq++
	batch := Batch{
		SessionID: b.sessionID,
		Seq:       b.seq,
		Chunks:    coalesce(b.pending),
		Terminal:  terminal,
		At:        time.Now().UTC(),
	}
	b.pending = nil
	b.pendingSz = 0
	return batch
}

func (b *Buffer) flushTimer() {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.mu.Lock()
	if b.closed || len(b.pending) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked(false)
	b.mu.Unlock()
	if err := b.deliver(context.Background(), batch); err != nil {
		b.logger.Error(context.Background(), err, "stream flush failed",
			"session_id", b.sessionID, "seq", batch.Seq)
	}
}

// deliver publishes one drained batch. Callers hold sendMu.
func (b *Buffer) deliver(ctx context.Context, batch Batch) error {
	cp, err := b.broker.Publish(ctx, batch)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.checkpoint = cp
	b.mu.Unlock()
	if b.live != nil {
		if err := b.live.Send(ctx, batch); err != nil {
			// The live connection is best-effort; the broker copy lets the
			// client reattach and replay.
			b.logger.Warn(ctx, "live sink send failed",
				"session_id", b.sessionID, "seq", batch.Seq, "err", err)
		}
	}
	return nil
}

// coalesce merges runs of consecutive text chunks so a subscriber sees one
// payload per flush window rather than one message per delta.
func coalesce(chunks []Chunk) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Type == ChunkText && len(out) > 0 && out[len(out)-1].Type == ChunkText {
			out[len(out)-1].Text += c.Text
			continue
		}
		out = append(out, c)
	}
	return out
}
