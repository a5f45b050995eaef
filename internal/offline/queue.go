// Package offline buffers mutations made while disconnected and replays them
// in arrival order once connectivity returns.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/clock"
	"github.com/safar/quotesync/internal/notice"
)

var (
	ErrStaleQueueEntry = errors.New("stale queue entry")
	ErrUnknownKind     = errors.New("no handler for operation kind")
	ErrNotHead         = errors.New("operation is not at the head of the queue")
)

type Kind string

// Operation is one buffered call. IDs are snowflakes, so they sort in
// enqueue order.
type Operation struct {
	ID         snowflake.ID    `json:"id"`
	TargetID   string          `json:"target_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// StaleQueueEntryError halts replay at Entry until the caller retries or
// explicitly drops it.
type StaleQueueEntryError struct {
	Entry Operation
	Err   error
}

func (e *StaleQueueEntryError) Error() string {
	return fmt.Sprintf("replay %s %s on %s: %v", e.Entry.Kind, e.Entry.ID, e.Entry.TargetID, e.Err)
}

func (e *StaleQueueEntryError) Unwrap() error { return e.Err }

func (e *StaleQueueEntryError) Is(target error) bool { return target == ErrStaleQueueEntry }

// Handler executes a replayed operation against the live write path.
type Handler func(ctx context.Context, op Operation) error

type Queue struct {
	mu       sync.Mutex
	entries  []Operation
	online   bool
	handlers map[Kind]Handler

	replayMu sync.Mutex

	node    *snowflake.Node
	notices notice.Sink
	clock   clock.Clock
	log     *zap.Logger
}

func NewQueue(node *snowflake.Node, sink notice.Sink, clk clock.Clock, log *zap.Logger) *Queue {
	return &Queue{
		handlers: make(map[Kind]Handler),
		online:   true,
		node:     node,
		notices:  sink,
		clock:    clk,
		log:      log,
	}
}

func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// SetOnline records connectivity. Going online does not replay by itself;
// the caller runs Replay so it can observe the outcome.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online = online
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Enqueue appends an operation at the tail.
func (q *Queue) Enqueue(targetID string, kind Kind, payload any) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[kind]; !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	op := Operation{
		ID:         q.node.Generate(),
		TargetID:   targetID,
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: q.clock.Now(),
	}
	q.entries = append(q.entries, op)
	q.log.Debug("operation queued",
		zap.String("op_id", op.ID.String()),
		zap.String("quote_id", targetID),
		zap.String("kind", string(kind)),
	)
	return op, nil
}

// Do runs the operation now when online and nothing is waiting, otherwise
// queues it behind the pending entries. queued reports which happened. A
// non-nil run replaces the registered handler on the direct path, for callers
// that need the handler's result.
func (q *Queue) Do(ctx context.Context, targetID string, kind Kind, payload any, run func(context.Context) error) (queued bool, err error) {
	q.mu.Lock()
	direct := q.online && len(q.entries) == 0
	h, ok := q.handlers[kind]
	q.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	if !direct {
		_, err := q.Enqueue(targetID, kind, payload)
		return err == nil, err
	}

	if run != nil {
		return false, run(ctx)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return false, h(ctx, Operation{TargetID: targetID, Kind: kind, Payload: raw, EnqueuedAt: q.clock.Now()})
}

// Replay executes queued operations in FIFO order and removes each only after
// it succeeds. The first failure halts replay and is returned as a
// *StaleQueueEntryError; later entries are not attempted.
func (q *Queue) Replay(ctx context.Context) (int, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	done := 0
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return done, nil
		}
		head := q.entries[0]
		h := q.handlers[head.Kind]
		q.mu.Unlock()

		if err := h(ctx, head); err != nil {
			if ctx.Err() != nil {
				return done, ctx.Err()
			}
			return done, q.halt(head, err)
		}

		q.mu.Lock()
		if len(q.entries) > 0 && q.entries[0].ID == head.ID {
			q.entries = q.entries[1:]
		}
		q.mu.Unlock()
		done++
	}
}

func (q *Queue) halt(op Operation, err error) error {
	q.log.Warn("offline queue halted",
		zap.String("op_id", op.ID.String()),
		zap.String("quote_id", op.TargetID),
		zap.String("kind", string(op.Kind)),
		zap.Error(err),
	)
	q.notices.Emit(notice.Notice{
		Kind:      notice.KindQueueHalted,
		QuoteID:   op.TargetID,
		Timestamp: q.clock.Now(),
		Detail: map[string]string{
			"op_id": op.ID.String(),
			"kind":  string(op.Kind),
			"error": err.Error(),
		},
	})
	return &StaleQueueEntryError{Entry: op, Err: err}
}

// Drop removes the head entry once the user has decided to abandon it. Only
// the head may be dropped.
func (q *Queue) Drop(id snowflake.ID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 || q.entries[0].ID != id {
		return ErrNotHead
	}
	q.entries = q.entries[1:]
	return nil
}

// Pending returns a copy of the queued operations, head first.
func (q *Queue) Pending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
