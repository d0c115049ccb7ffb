package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// PostgreSQL truncates NOTIFY payloads near 8000 bytes. Keep headroom for the
// db_event_id field injected before notify.
const maxNotifyPayloadSize = 7900

// publishTimeout bounds a single persist-and-notify round trip.
const publishTimeout = 5 * time.Second

// Publisher persists events and notifies LISTEN subscribers. The insert and
// the pg_notify run in one transaction, so every notification a client
// receives has a durable row behind it and can be re-read during catchup.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a publisher backed by the given database.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Publish stores the event on each of its channels and wakes listeners.
func (p *Publisher) Publish(ctx context.Context, evt models.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", evt.Type, err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, channel := range ChannelsFor(evt) {
		var dbEventID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO events (channel, event_type, payload, created_at) VALUES ($1, $2, $3, NOW()) RETURNING id`,
			channel, evt.Type, payload,
		).Scan(&dbEventID)
		if err != nil {
			return fmt.Errorf("failed to insert event on channel %s: %w", channel, err)
		}

		notifyPayload, err := buildNotifyPayload(evt, payload, dbEventID)
		if err != nil {
			return fmt.Errorf("failed to build notify payload: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, notifyPayload); err != nil {
			return fmt.Errorf("failed to notify channel %s: %w", channel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// Run drains a bus subscription into the database until the context is
// cancelled or the subscription closes. Failures are logged and skipped so a
// database outage never stalls the orchestrator.
func (p *Publisher) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			// Detached context: shutdown should not abort an in-flight write.
			pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := p.Publish(pubCtx, evt); err != nil {
				slog.Error("Failed to persist event", "event_type", evt.Type, "event_id", evt.ID, "error", err)
			}
			cancel()
		}
	}
}

// StoredEvent is a persisted event row replayed during WebSocket catchup and
// served by the HTTP polling endpoint.
type StoredEvent struct {
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// EventsSince returns up to limit events on the channel with id > afterID, in
// insertion order.
func (p *Publisher) EventsSince(ctx context.Context, channel string, afterID int64, limit int) ([]StoredEvent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, payload FROM events WHERE channel = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		channel, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events on channel %s: %w", channel, err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.ID, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event rows: %w", err)
	}
	return out, nil
}

// GetCatchupEvents implements the manager's catchup lookup.
func (p *Publisher) GetCatchupEvents(ctx context.Context, channel string, afterID int64, limit int) ([]StoredEvent, error) {
	return p.EventsSince(ctx, channel, afterID, limit)
}

// DeleteOlderThan removes events created before now-age and reports how many
// rows were deleted.
func (p *Publisher) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := p.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}
	return n, nil
}

// buildNotifyPayload injects the database row id into the serialized event so
// clients can track their catchup position. Oversized payloads are replaced
// with a minimal envelope; clients fetch the full row over the REST API.
func buildNotifyPayload(evt models.Event, payload []byte, dbEventID int64) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("failed to decode event payload: %w", err)
	}
	fields["db_event_id"] = dbEventID

	full, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode notify payload: %w", err)
	}
	if len(full) <= maxNotifyPayloadSize {
		return string(full), nil
	}

	slog.Warn("Event payload exceeds notify limit, sending truncated envelope",
		"event_type", evt.Type, "event_id", evt.ID, "size", len(full))

	envelope := map[string]any{
		"id":          evt.ID,
		"type":        evt.Type,
		"db_event_id": dbEventID,
		"truncated":   true,
	}
	truncated, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to encode truncated envelope: %w", err)
	}
	return string(truncated), nil
}
