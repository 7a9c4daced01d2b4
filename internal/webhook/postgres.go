package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
)

const subscriptionSchema = `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
	id                TEXT PRIMARY KEY,
	endpoint_url      TEXT NOT NULL,
	events            JSONB NOT NULL DEFAULT '[]',
	secret            TEXT NOT NULL,
	previous_secret   TEXT NOT NULL DEFAULT '',
	secret_rotated_at TIMESTAMPTZ,
	enabled           BOOLEAN NOT NULL DEFAULT TRUE,
	max_retries       INTEGER NOT NULL DEFAULT 3,
	backoff           JSONB NOT NULL DEFAULT '{}',
	timeout_ms        INTEGER NOT NULL DEFAULT 10000,

	success_count        BIGINT NOT NULL DEFAULT 0,
	failure_count        BIGINT NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_success         TIMESTAMPTZ,
	last_failure         TIMESTAMPTZ,
	last_error           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS webhook_delivery_attempts (
	id              TEXT PRIMARY KEY,
	delivery_id     TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	attempt_number  INTEGER NOT NULL,
	attempted_at    TIMESTAMPTZ NOT NULL,
	duration_ms     BIGINT NOT NULL,
	status_code     INTEGER NOT NULL,
	success         BOOLEAN NOT NULL,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_delivery_attempts_delivery
	ON webhook_delivery_attempts (delivery_id, attempt_number);
`

// PostgresStore persists subscriptions and the delivery audit trail in
// PostgreSQL. It implements SubscriptionStore and AttemptStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := db.Exec(subscriptionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply webhook schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, endpoint_url, events, secret, previous_secret,
		       COALESCE(secret_rotated_at, 'epoch'::timestamptz),
		       enabled, max_retries, backoff, timeout_ms,
		       success_count, failure_count, consecutive_failures,
		       COALESCE(last_success, 'epoch'::timestamptz),
		       COALESCE(last_failure, 'epoch'::timestamptz),
		       last_error
		FROM webhook_subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, endpoint_url, events, secret, previous_secret,
		       COALESCE(secret_rotated_at, 'epoch'::timestamptz),
		       enabled, max_retries, backoff, timeout_ms,
		       success_count, failure_count, consecutive_failures,
		       COALESCE(last_success, 'epoch'::timestamptz),
		       COALESCE(last_failure, 'epoch'::timestamptz),
		       last_error
		FROM webhook_subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) Save(ctx context.Context, sub *Subscription) error {
	events := make([]string, 0, len(sub.SubscribedEvents))
	for e := range sub.SubscribedEvents {
		events = append(events, e)
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}
	backoffJSON, err := json.Marshal(sub.Backoff)
	if err != nil {
		return fmt.Errorf("failed to encode backoff policy: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions
			(id, endpoint_url, events, secret, previous_secret, secret_rotated_at,
			 enabled, max_retries, backoff, timeout_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			endpoint_url = EXCLUDED.endpoint_url,
			events = EXCLUDED.events,
			secret = EXCLUDED.secret,
			previous_secret = EXCLUDED.previous_secret,
			secret_rotated_at = EXCLUDED.secret_rotated_at,
			enabled = EXCLUDED.enabled,
			max_retries = EXCLUDED.max_retries,
			backoff = EXCLUDED.backoff,
			timeout_ms = EXCLUDED.timeout_ms`,
		sub.ID, sub.EndpointURL, eventsJSON, sub.Secret, sub.PreviousSecret,
		nullableTime(sub.SecretRotatedAt), sub.Enabled, sub.MaxRetries,
		backoffJSON, sub.Timeout.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (p *PostgresStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) RecordOutcome(ctx context.Context, id string, success bool, errMsg string) (HealthState, error) {
	var (
		enabled             bool
		consecutiveFailures int
		err                 error
	)
	if success {
		err = p.db.QueryRowContext(ctx, `
			UPDATE webhook_subscriptions SET
				success_count = success_count + 1,
				consecutive_failures = 0,
				last_success = now(),
				last_error = ''
			WHERE id = $1
			RETURNING enabled, consecutive_failures`, id).
			Scan(&enabled, &consecutiveFailures)
	} else {
		err = p.db.QueryRowContext(ctx, `
			UPDATE webhook_subscriptions SET
				failure_count = failure_count + 1,
				consecutive_failures = consecutive_failures + 1,
				last_failure = now(),
				last_error = $2
			WHERE id = $1
			RETURNING enabled, consecutive_failures`, id, errMsg).
			Scan(&enabled, &consecutiveFailures)
	}
	if err == sql.ErrNoRows {
		return "", ErrSubscriptionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to record delivery outcome for %s: %w", id, err)
	}

	switch {
	case !enabled:
		return HealthDisabled, nil
	case consecutiveFailures >= consecutiveFailureThreshold:
		return HealthUnhealthy, nil
	default:
		return HealthHealthy, nil
	}
}

func (p *PostgresStore) Record(ctx context.Context, a *DeliveryAttempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_delivery_attempts
			(id, delivery_id, subscription_id, event_id, event_type,
			 attempt_number, attempted_at, duration_ms, status_code, success, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.DeliveryID, a.SubscriptionID, a.EventID, a.EventType,
		a.AttemptNumber, a.AttemptedAt, a.Duration.Milliseconds(),
		a.StatusCode, a.Success, a.Error)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByDelivery(ctx context.Context, deliveryID string) ([]*DeliveryAttempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, delivery_id, subscription_id, event_id, event_type,
		       attempt_number, attempted_at, duration_ms, status_code, success, error
		FROM webhook_delivery_attempts
		WHERE delivery_id = $1
		ORDER BY attempt_number`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		var durationMs int64
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.SubscriptionID, &a.EventID,
			&a.EventType, &a.AttemptNumber, &a.AttemptedAt, &durationMs,
			&a.StatusCode, &a.Success, &a.Error); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		a.Duration = time.Duration(durationMs) * time.Millisecond
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub          Subscription
		eventsJSON   []byte
		backoffJSON  []byte
		timeoutMs    int64
		successCount int64
		failureCount int64
		consecutive  int
		lastSuccess  time.Time
		lastFailure  time.Time
		lastError    string
	)
	err := row.Scan(&sub.ID, &sub.EndpointURL, &eventsJSON, &sub.Secret,
		&sub.PreviousSecret, &sub.SecretRotatedAt, &sub.Enabled,
		&sub.MaxRetries, &backoffJSON, &timeoutMs,
		&successCount, &failureCount, &consecutive,
		&lastSuccess, &lastFailure, &lastError)
	if err != nil {
		return nil, err
	}
	sub.restoreStats(successCount, failureCount, consecutive, lastSuccess, lastFailure, lastError)

	var events []string
	if err := json.Unmarshal(eventsJSON, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events for %s: %w", sub.ID, err)
	}
	sub.SubscribedEvents = make(map[string]struct{}, len(events))
	for _, e := range events {
		sub.SubscribedEvents[e] = struct{}{}
	}

	var policy retry.Policy
	if err := json.Unmarshal(backoffJSON, &policy); err != nil {
		return nil, fmt.Errorf("failed to decode backoff for %s: %w", sub.ID, err)
	}
	sub.Backoff = policy
	sub.Timeout = time.Duration(timeoutMs) * time.Millisecond

	return &sub, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
