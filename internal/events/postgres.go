package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PGTransport publishes through pg_notify and subscribes with a dedicated
// LISTEN connection per subscription.
type PGTransport struct {
	db           *sql.DB
	dsn          string
	channel      string
	minReconnect time.Duration
	maxReconnect time.Duration
	pingEvery    time.Duration
	log          *zap.Logger
}

type PGOption func(*PGTransport)

func WithReconnect(min, max time.Duration) PGOption {
	return func(t *PGTransport) {
		t.minReconnect = min
		t.maxReconnect = max
	}
}

func WithPingInterval(d time.Duration) PGOption {
	return func(t *PGTransport) { t.pingEvery = d }
}

func NewPGTransport(db *sql.DB, dsn, channel string, log *zap.Logger, opts ...PGOption) *PGTransport {
	t := &PGTransport{
		db:           db,
		dsn:          dsn,
		channel:      channel,
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
		pingEvery:    90 * time.Second,
		log:          log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *PGTransport) Publish(ctx context.Context, e ChangeEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}

	if _, err := t.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, t.channel, string(payload)); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}
	return nil
}

// Subscribe opens a LISTEN connection. pq reconnects on its own; after every
// reconnect a KindResync event is delivered because notifications sent while
// the connection was down are lost. Payloads that fail validation are logged
// and dropped at this boundary.
func (t *PGTransport) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	log := t.log.With(zap.String("channel", t.channel), zap.String("aggregate_id", f.AggregateID))

	listener := pq.NewListener(t.dsn, t.minReconnect, t.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			log.Warn("listener disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			log.Info("listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn("listener connection attempt failed", zap.Error(err))
		}
	})
	if err := listener.Listen(t.channel); err != nil {
		listener.Close()
		return nil, &TransportError{Op: "listen", Err: err}
	}

	sub := newSubscription(f, 64, func() {
		if err := listener.Close(); err != nil {
			log.Debug("close listener", zap.Error(err))
		}
	})

	go t.pump(ctx, listener, sub, log)
	return sub, nil
}

func (t *PGTransport) pump(ctx context.Context, listener *pq.Listener, sub *Subscription, log *zap.Logger) {
	ticker := time.NewTicker(t.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-listener.Notify:
			if !ok {
				sub.stop(&TransportError{Op: "receive", Err: fmt.Errorf("listener closed")})
				return
			}
			if n == nil {
				sub.deliver(ctx, ChangeEvent{Kind: KindResync, OccurredAt: time.Now().UTC()})
				continue
			}
			e, err := Decode([]byte(n.Extra))
			if err != nil {
				log.Warn("dropping malformed notification", zap.Error(err))
				continue
			}
			sub.deliver(ctx, e)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				log.Debug("listener ping failed", zap.Error(err))
			}
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.Done():
			return
		}
	}
}
