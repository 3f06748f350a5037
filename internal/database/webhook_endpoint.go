package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Shapy-Sees/sip-phone-api/internal/database/models"
)

// webhookEndpointRepo implements WebhookEndpointRepository.
type webhookEndpointRepo struct {
	db *DB
}

// NewWebhookEndpointRepository creates a new WebhookEndpointRepository.
func NewWebhookEndpointRepository(db *DB) WebhookEndpointRepository {
	return &webhookEndpointRepo{db: db}
}

const webhookEndpointColumns = `id, url, event_types, secret, bearer_token, enabled,
	 timeout_ms, max_attempts, base_delay_ms, multiplier, max_delay_ms, jitter,
	 created_at, updated_at`

// Create inserts a new webhook endpoint.
func (r *webhookEndpointRepo) Create(ctx context.Context, ep *models.WebhookEndpoint) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_endpoints (id, url, event_types, secret, bearer_token,
		 enabled, timeout_ms, max_attempts, base_delay_ms, multiplier, max_delay_ms,
		 jitter, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		ep.ID, ep.URL, ep.EventTypes, ep.Secret, ep.BearerToken, ep.Enabled,
		ep.TimeoutMS, ep.MaxAttempts, ep.BaseDelayMS, ep.Multiplier, ep.MaxDelayMS,
		ep.Jitter,
	)
	if err != nil {
		return fmt.Errorf("inserting webhook endpoint: %w", err)
	}
	return nil
}

// GetByID returns an endpoint by ID, or nil if it does not exist.
func (r *webhookEndpointRepo) GetByID(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	ep, err := r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+webhookEndpointColumns+` FROM webhook_endpoints WHERE id = ?`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("querying webhook endpoint by id: %w", err)
	}
	return ep, nil
}

// List returns all endpoints ordered by creation time.
func (r *webhookEndpointRepo) List(ctx context.Context) ([]models.WebhookEndpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookEndpointColumns+` FROM webhook_endpoints ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying webhook endpoints: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ListEnabled returns all enabled endpoints ordered by creation time.
func (r *webhookEndpointRepo) ListEnabled(ctx context.Context) ([]models.WebhookEndpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookEndpointColumns+` FROM webhook_endpoints
		 WHERE enabled = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying enabled webhook endpoints: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// Update modifies an existing endpoint.
func (r *webhookEndpointRepo) Update(ctx context.Context, ep *models.WebhookEndpoint) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_endpoints SET url = ?, event_types = ?, secret = ?,
		 bearer_token = ?, enabled = ?, timeout_ms = ?, max_attempts = ?,
		 base_delay_ms = ?, multiplier = ?, max_delay_ms = ?, jitter = ?,
		 updated_at = datetime('now')
		 WHERE id = ?`,
		ep.URL, ep.EventTypes, ep.Secret, ep.BearerToken, ep.Enabled,
		ep.TimeoutMS, ep.MaxAttempts, ep.BaseDelayMS, ep.Multiplier,
		ep.MaxDelayMS, ep.Jitter, ep.ID,
	)
	if err != nil {
		return fmt.Errorf("updating webhook endpoint: %w", err)
	}
	return nil
}

// Delete removes an endpoint by ID.
func (r *webhookEndpointRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting webhook endpoint: %w", err)
	}
	return nil
}

func (r *webhookEndpointRepo) scanOne(row *sql.Row) (*models.WebhookEndpoint, error) {
	var ep models.WebhookEndpoint
	err := row.Scan(&ep.ID, &ep.URL, &ep.EventTypes, &ep.Secret, &ep.BearerToken,
		&ep.Enabled, &ep.TimeoutMS, &ep.MaxAttempts, &ep.BaseDelayMS, &ep.Multiplier,
		&ep.MaxDelayMS, &ep.Jitter, &ep.CreatedAt, &ep.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func (r *webhookEndpointRepo) scanMany(rows *sql.Rows) ([]models.WebhookEndpoint, error) {
	var eps []models.WebhookEndpoint
	for rows.Next() {
		var ep models.WebhookEndpoint
		if err := rows.Scan(&ep.ID, &ep.URL, &ep.EventTypes, &ep.Secret,
			&ep.BearerToken, &ep.Enabled, &ep.TimeoutMS, &ep.MaxAttempts,
			&ep.BaseDelayMS, &ep.Multiplier, &ep.MaxDelayMS, &ep.Jitter,
			&ep.CreatedAt, &ep.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning webhook endpoint: %w", err)
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}
