package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Shapy-Sees/sip-phone-api/internal/database/models"
	"github.com/Shapy-Sees/sip-phone-api/internal/webhook"
)

// deliveryLogRepo implements DeliveryLogRepository.
type deliveryLogRepo struct {
	db *DB
}

// NewDeliveryLogRepository creates a new DeliveryLogRepository.
func NewDeliveryLogRepository(db *DB) DeliveryLogRepository {
	return &deliveryLogRepo{db: db}
}

// Insert records one delivery attempt.
func (r *deliveryLogRepo) Insert(ctx context.Context, entry *models.DeliveryLogEntry) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO delivery_log (event_id, event_type, endpoint_id, attempt,
		 outcome, status_code, error, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID, entry.EventType, entry.EndpointID, entry.Attempt,
		entry.Outcome, entry.StatusCode, entry.Error, entry.At,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery log entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

const deliveryLogColumns = `id, event_id, event_type, endpoint_id, attempt,
	 outcome, status_code, error, at`

// ListRecent returns the most recent entries across all endpoints,
// newest first.
func (r *deliveryLogRepo) ListRecent(ctx context.Context, limit int) ([]models.DeliveryLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deliveryLogColumns+` FROM delivery_log
		 ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying delivery log: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ListByEndpoint returns the most recent entries for one endpoint,
// newest first.
func (r *deliveryLogRepo) ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]models.DeliveryLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deliveryLogColumns+` FROM delivery_log
		 WHERE endpoint_id = ? ORDER BY at DESC, id DESC LIMIT ?`, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying delivery log for endpoint: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// Prune deletes all but the newest keep entries and returns the number
// removed.
func (r *deliveryLogRepo) Prune(ctx context.Context, keep int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM delivery_log WHERE id NOT IN (
		 SELECT id FROM delivery_log ORDER BY at DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning delivery log: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting pruned row count: %w", err)
	}
	return n, nil
}

func (r *deliveryLogRepo) scanMany(rows *sql.Rows) ([]models.DeliveryLogEntry, error) {
	var entries []models.DeliveryLogEntry
	for rows.Next() {
		var e models.DeliveryLogEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.EndpointID,
			&e.Attempt, &e.Outcome, &e.StatusCode, &e.Error, &e.At); err != nil {
			return nil, fmt.Errorf("scanning delivery log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AttemptRecorder adapts a DeliveryLogRepository to the delivery engine's
// attempt logger.
type AttemptRecorder struct {
	Repo DeliveryLogRepository
}

// LogAttempt persists one delivery attempt record.
func (a *AttemptRecorder) LogAttempt(ctx context.Context, rec webhook.AttemptRecord) error {
	return a.Repo.Insert(ctx, &models.DeliveryLogEntry{
		EventID:    rec.EventID,
		EventType:  string(rec.EventType),
		EndpointID: rec.EndpointID,
		Attempt:    rec.Attempt,
		Outcome:    rec.Outcome,
		StatusCode: rec.StatusCode,
		Error:      rec.Error,
		At:         rec.At,
	})
}
