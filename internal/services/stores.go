package services

import (
	"context"
	"time"

	"github.com/studio-keygov-go/internal/models"
)

// CredentialStore is the credential persistence used by the services
type CredentialStore interface {
	Create(ctx context.Context, rec *models.APIKeyRecord) (*models.APIKeyRecord, error)
	Get(ctx context.Context, id string) (*models.APIKeyRecord, error)
	FindByService(ctx context.Context, serviceName string) ([]*models.APIKeyRecord, error)
	List(ctx context.Context) ([]*models.APIKeyRecord, error)
	SetPrimary(ctx context.Context, serviceName, category string) error
	SetActive(ctx context.Context, serviceName, category string, active bool) (*models.APIKeyRecord, error)
	RecordValidation(ctx context.Context, id string, at time.Time, failure string, keep int) (*models.APIKeyRecord, error)
	Delete(ctx context.Context, id string) error
	OnRemoved(fn func(models.APIKeyRecord))
}

// RateLimitTracker is the quota window persistence used by the services
type RateLimitTracker interface {
	RecordUsage(ctx context.Context, serviceName string) (int64, error)
	IsExhausted(ctx context.Context, serviceName string) (bool, error)
	Get(ctx context.Context, serviceName string) (*models.RateLimitWindow, error)
	Reset(ctx context.Context, ref string) (*models.RateLimitWindow, error)
	Upsert(ctx context.Context, serviceName string, limit int64, resetAt time.Time) (*models.RateLimitWindow, error)
	List(ctx context.Context) ([]*models.RateLimitWindow, error)
}

// RoutingTable is the function mapping persistence used by the services
type RoutingTable interface {
	Upsert(ctx context.Context, functionName, preferred, fallback string) (*models.FunctionMapping, error)
	Resolve(ctx context.Context, functionName string) (*models.FunctionMapping, error)
	List(ctx context.Context) ([]*models.FunctionMapping, error)
	InvalidateAll()
}
