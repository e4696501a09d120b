// Package storage provides interfaces and implementations for storing
// web push subscriptions.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/webpush-libs/webpush-go"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Record represents a stored subscription with metadata.
type Record struct {
	ID           string                `json:"id"`
	UserID       string                `json:"user_id,omitempty"`
	Subscription *webpush.Subscription `json:"subscription"`
	// VAPIDKey is the applicationServerKey the browser subscribed with.
	// Empty means the current key.
	VAPIDKey  string    `json:"vapid_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord wraps sub in a Record with a fresh random ID.
func NewRecord(sub *webpush.Subscription, userID, vapidKey string) *Record {
	return &Record{
		ID:           uuid.NewString(),
		UserID:       userID,
		Subscription: sub,
		VAPIDKey:     vapidKey,
	}
}

// Storage defines the interface for storing web push subscriptions.
// Endpoints are unique: saving a record replaces any other record with the
// same endpoint.
type Storage interface {
	// Save stores or updates a subscription.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByEndpoint retrieves a subscription by its endpoint URL.
	GetByEndpoint(ctx context.Context, endpoint string) (*Record, error)

	// GetByUserID retrieves all subscriptions for a user.
	GetByUserID(ctx context.Context, userID string) ([]*Record, error)

	// GetByVAPIDKey retrieves all subscriptions created with a VAPID key.
	GetByVAPIDKey(ctx context.Context, vapidKey string) ([]*Record, error)

	// CountByVAPIDKey counts the subscriptions created with a VAPID key.
	CountByVAPIDKey(ctx context.Context, vapidKey string) (int, error)

	// Delete removes a subscription by ID.
	Delete(ctx context.Context, id string) error

	// DeleteByEndpoint removes a subscription by its endpoint URL.
	DeleteByEndpoint(ctx context.Context, endpoint string) error

	// List returns subscriptions newest first, with pagination.
	List(ctx context.Context, limit, offset int) ([]*Record, error)

	// Close closes the storage connection.
	Close() error
}

func validate(record *Record) error {
	if record == nil || record.Subscription == nil {
		return errors.New("record has no subscription")
	}
	if record.Subscription.Endpoint == "" {
		return errors.New("record has no endpoint")
	}
	return nil
}
