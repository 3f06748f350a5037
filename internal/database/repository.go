package database

import (
	"context"

	"github.com/Shapy-Sees/sip-phone-api/internal/database/models"
)

// WebhookEndpointRepository manages persisted webhook subscriber
// configurations.
type WebhookEndpointRepository interface {
	Create(ctx context.Context, ep *models.WebhookEndpoint) error
	GetByID(ctx context.Context, id string) (*models.WebhookEndpoint, error)
	List(ctx context.Context) ([]models.WebhookEndpoint, error)
	ListEnabled(ctx context.Context) ([]models.WebhookEndpoint, error)
	Update(ctx context.Context, ep *models.WebhookEndpoint) error
	Delete(ctx context.Context, id string) error
}

// DeliveryLogRepository manages the webhook delivery attempt log.
type DeliveryLogRepository interface {
	Insert(ctx context.Context, entry *models.DeliveryLogEntry) error
	ListRecent(ctx context.Context, limit int) ([]models.DeliveryLogEntry, error)
	ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]models.DeliveryLogEntry, error)
	Prune(ctx context.Context, keep int) (int64, error)
}
