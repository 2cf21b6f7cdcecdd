// Package idempotency provides a Postgres-backed inbox so retried commit
// requests observe the first outcome instead of committing twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry.
type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// ErrInProgress reports that another request holding the same key has not
// finished yet.
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// Config holds inbox tuning.
type Config struct {
	// TTL is how long entries are kept before cleanup.
	TTL time.Duration
	// StaleAfter is when a STARTED entry is considered abandoned and may be
	// retried.
	StaleAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:        24 * time.Hour,
		StaleAfter: 2 * time.Minute,
	}
}

// Inbox records request outcomes keyed by idempotency key.
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
}

// New creates an inbox.
func New(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{pool: pool, config: cfg, logger: logger}
}

// Result is the stored outcome of a processed request.
type Result struct {
	// Replayed is true when the stored outcome of an earlier attempt was
	// returned instead of running fn.
	Replayed bool
	Payload  json.RawMessage
}

// Process runs fn at most once per key. A finished entry replays its stored
// payload; a started entry younger than StaleAfter returns ErrInProgress; a
// failed or stale entry is retried.
func (i *Inbox) Process(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error)) (*Result, error) {
	var (
		status    Status
		payload   json.RawMessage
		updatedAt time.Time
	)
	err := i.pool.QueryRow(ctx,
		`SELECT status, result, updated_at FROM commit_inbox WHERE idempotency_key = $1`,
		key).Scan(&status, &payload, &updatedAt)
	switch {
	case err == nil:
		switch status {
		case StatusFinished:
			return &Result{Replayed: true, Payload: payload}, nil
		case StatusStarted:
			if time.Since(updatedAt) < i.config.StaleAfter {
				return nil, ErrInProgress
			}
			// Abandoned attempt, fall through and retry.
		case StatusFailed:
			// Retryable, fall through.
		}
	case errors.Is(err, pgx.ErrNoRows):
		// First attempt.
	default:
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if err := i.claim(ctx, key); err != nil {
		return nil, err
	}

	result, fnErr := fn(ctx)
	if fnErr != nil {
		if markErr := i.mark(ctx, key, StatusFailed, nil); markErr != nil {
			i.logger.Error("failed to record failed attempt", zap.Error(markErr))
		}
		return nil, fnErr
	}

	if err := i.mark(ctx, key, StatusFinished, result); err != nil {
		// The work itself succeeded; a replay would re-run it, so log loudly.
		i.logger.Error("failed to record finished attempt", zap.String("key", key), zap.Error(err))
	}
	return &Result{Payload: result}, nil
}

func (i *Inbox) claim(ctx context.Context, key string) error {
	expires := time.Now().Add(i.config.TTL)
	_, err := i.pool.Exec(ctx, `
		INSERT INTO commit_inbox (idempotency_key, status, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $2, updated_at = NOW()
	`, key, StatusStarted, expires)
	if err != nil {
		return fmt.Errorf("claim inbox entry: %w", err)
	}
	return nil
}

func (i *Inbox) mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE commit_inbox SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// Cleanup removes expired entries and returns how many were deleted.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM commit_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GenerateKey derives a deterministic idempotency key from request
// components, for clients that do not supply their own.
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
