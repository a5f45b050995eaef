// Package notice carries the structured events the core emits for a
// presentation layer: conflicts, passive remote updates, approval transitions
// and lock denials. The core makes no assumption about how they are shown.
package notice

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindConflict      Kind = "conflict"
	KindRemoteApplied Kind = "remote-applied"
	KindTransition    Kind = "transition"
	KindLockDenied    Kind = "lock-denied"
	KindListStale     Kind = "list-stale"
	KindQueueHalted   Kind = "queue-halted"
)

type Notice struct {
	Seq        uint64            `json:"seq"`
	Kind       Kind              `json:"kind"`
	QuoteID    string            `json:"quote_id,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Detail     map[string]string `json:"detail,omitempty"`
	Recipients []string          `json:"recipients,omitempty"`
}

// Sink receives notices. Implementations must not block for long: emitters
// call Emit inline.
type Sink interface {
	Emit(n Notice)
}

type SinkFunc func(Notice)

func (f SinkFunc) Emit(n Notice) { f(n) }

// Discard drops every notice.
var Discard Sink = SinkFunc(func(Notice) {})

// Fanout delivers each notice to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(n Notice) {
	for _, s := range f {
		s.Emit(n)
	}
}

// ZapSink writes notices to a logger.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	return &ZapSink{log: log}
}

func (s *ZapSink) Emit(n Notice) {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("quote_id", n.QuoteID),
		zap.String("actor", n.Actor),
		zap.Time("timestamp", n.Timestamp),
	}
	if len(n.Recipients) > 0 {
		fields = append(fields, zap.Strings("recipients", n.Recipients))
	}
	for k, v := range n.Detail {
		fields = append(fields, zap.String("detail."+k, v))
	}
	s.log.Info("notice", fields...)
}

// Feed keeps the most recent notices in a bounded ring so a polling client
// can ask for everything after the last sequence number it saw.
type Feed struct {
	mu   sync.Mutex
	buf  []Notice
	cap  int
	next uint64
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = 256
	}
	return &Feed{cap: capacity, next: 1}
}

func (f *Feed) Emit(n Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n.Seq = f.next
	f.next++
	if len(f.buf) == f.cap {
		copy(f.buf, f.buf[1:])
		f.buf = f.buf[:len(f.buf)-1]
	}
	f.buf = append(f.buf, n)
}

// Since returns retained notices with Seq greater than after, oldest first.
func (f *Feed) Since(after uint64) []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Notice, 0, len(f.buf))
	for _, n := range f.buf {
		if n.Seq > after {
			out = append(out, n)
		}
	}
	return out
}

// All returns every retained notice.
func (f *Feed) All() []Notice {
	return f.Since(0)
}

// OfKind filters retained notices by kind.
func (f *Feed) OfKind(kind Kind) []Notice {
	var out []Notice
	for _, n := range f.All() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
