// Package schemawatch keeps a schemainfo.Cache fresh across process
// restarts of the schema itself: a dedicated LISTEN connection on
// invalidate_schema forces the next BuildSchemaSection call to refresh
// instead of waiting out the TTL. The init migration's triggers emit
// that NOTIFY only on analytes/analyte_aliases changes, so those are
// picked up within one round trip; any other schema change made while
// labctl is running waits up to SCHEMA_CACHE_TTL.
//
// Adapted from the dedicated-connection LISTEN/NOTIFY receive loop used
// for WebSocket fan-out; here there is exactly one channel and one
// subscriber (the cache itself), so the generation-counted
// Subscribe/Unsubscribe bookkeeping that pattern needs for concurrent
// dynamic subscriptions is dropped — invalidate_schema is LISTENed once
// at Start and held for the listener's lifetime.
package schemawatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labctl/labctl/pkg/schemainfo"
)

// Channel is the Postgres NOTIFY channel the schema migrations trigger
// emits on (see the invalidate_schema trigger in the init migration).
const Channel = "invalidate_schema"

// Listener holds a dedicated pgx connection LISTENing on Channel and
// invalidates cache on every notification received.
type Listener struct {
	connString string
	cache      *schemainfo.Cache
	log        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Listener. connString must be a libpq-style connection
// string distinct from the pooled application connection — LISTEN
// requires holding a single dedicated connection for the process
// lifetime.
func New(connString string, cache *schemainfo.Cache) *Listener {
	return &Listener{
		connString: connString,
		cache:      cache,
		log:        slog.With("component", "schemawatch"),
	}
}

// Start establishes the LISTEN connection and begins the receive loop in
// the background. Start returns once the initial LISTEN succeeds.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.receiveLoop(loopCtx, conn)

	l.log.Info("schema invalidation listener started", "channel", Channel)
	return nil
}

// Stop signals the receive loop to exit and waits for it to finish.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *Listener) receiveLoop(ctx context.Context, conn *pgx.Conn) {
	defer close(l.done)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = conn.Close(closeCtx)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue // periodic timeout, nothing to do
			}
			l.log.Error("notify receive error, reconnecting", "error", err)
			newConn, reconnErr := l.reconnect(ctx)
			if reconnErr != nil {
				return
			}
			conn = newConn
			continue
		}

		l.cache.OnInvalidate()
		l.log.Info("schema cache invalidated", "channel", Channel)
	}
}

func (l *Listener) reconnect(ctx context.Context) (*pgx.Conn, error) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			l.log.Error("listen reconnect failed", "error", err, "backoff", backoff)
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			continue
		}
		l.log.Info("schema invalidation listener reconnected")
		return conn, nil
	}
}
