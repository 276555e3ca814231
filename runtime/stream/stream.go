// Package stream provides the output buffering layer between the generation
// controller and its consumers. The controller never writes to a client
// connection directly: it publishes chunks into a Buffer, which batches them
// and fans each flush out to (a) the live sink for an attached HTTP response
// and (b) the broker, so a client that disconnected mid-generation can
// reattach and replay from its last checkpoint.
package stream

import (
	"context"
	"time"
)

type (
	// ChunkType enumerates chunk payload kinds.
	ChunkType string

	// Chunk is one unit of session output: a text delta, a tool lifecycle
	// event, or the terminal status marker.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type ChunkType `json:"type"`
		// Text is the text delta when Type == ChunkText.
		Text string `json:"text,omitempty"`
		// Tool describes a tool lifecycle event when Type == ChunkTool.
		Tool *ToolEvent `json:"tool,omitempty"`
		// Status carries the terminal session status when Type == ChunkTerminal.
		Status string `json:"status,omitempty"`
	}

	// ToolEvent describes a tool call's progress for display purposes.
	ToolEvent struct {
		// InvocationID correlates start and end events for one call.
		InvocationID string `json:"invocation_id"`
		// ToolName identifies the tool.
		ToolName string `json:"tool_name"`
		// Phase is "start", "end", or "pending_confirmation".
		Phase string `json:"phase"`
	}

	// Batch is one flushed group of chunks. Batches are the broker's unit of
	// delivery; chunk order within a batch and batch order within a session
	// follow generation order.
	Batch struct {
		// SessionID identifies the producing session.
		SessionID string `json:"session_id"`
		// Seq numbers batches within the session, starting at 1.
		Seq int `json:"seq"`
		// Chunks is the batch content in generation order.
		Chunks []Chunk `json:"chunks"`
		// Terminal marks the final batch of the session. Subscribers treat
		// its absence after a TTL as "stream abandoned".
		Terminal bool `json:"terminal,omitempty"`
		// At records when the batch was flushed (UTC).
		At time.Time `json:"at"`
	}

	// Checkpoint is an opaque cursor into a session's published output, held
	// by the broker. A late subscriber replays from its checkpoint forward;
	// chunks published before the broker recorded a checkpoint for that
	// subscriber are not replayed.
	Checkpoint string

	// Broker republishes flushed batches for reconnect support. The pulse
	// feature adapter implements it on Redis streams; tests use fakes.
	Broker interface {
		// Publish appends a batch to the session's stream and returns the
		// checkpoint recorded for it.
		Publish(ctx context.Context, batch Batch) (Checkpoint, error)
		// SubscribeFrom replays the session's batches after the given
		// checkpoint (empty means from the oldest retained batch) and then
		// follows the live stream until the terminal batch or cancellation.
		// The returned cancel function releases the subscription.
		SubscribeFrom(ctx context.Context, sessionID string, from Checkpoint) (<-chan Batch, <-chan error, context.CancelFunc, error)
	}

	// Sink delivers batches to a directly attached consumer (the live HTTP
	// response). Implementations must tolerate Send being called from the
	// buffer's flush timer goroutine.
	Sink interface {
		Send(ctx context.Context, batch Batch) error
		Close(ctx context.Context) error
	}
)

const (
	// ChunkText is a text delta.
	ChunkText ChunkType = "text"
	// ChunkTool is a tool lifecycle event.
	ChunkTool ChunkType = "tool"
	// ChunkTerminal is the terminal marker closing the session's stream.
	ChunkTerminal ChunkType = "terminal"
)

// size approximates a chunk's contribution to the flush byte threshold.
func (c Chunk) size() int {
	n := len(c.Text) + len(c.Status)
	if c.Tool != nil {
		n += len(c.Tool.InvocationID) + len(c.Tool.ToolName) + len(c.Tool.Phase)
	}
	if n == 0 {
		n = 1
	}
	return n
}
