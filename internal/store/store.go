// Package store defines the transactional persistence abstraction (§4.2)
// that every other component depends on. The concrete implementation is
// gorm-backed Postgres (store_gorm.go); tests use the in-memory fake in
// store_memory.go.
package store

import (
	"context"
	"errors"
	"time"

	"resourcereserver/internal/models"
)

// ErrNotFound is returned by Tx lookups when no row matches. Callers use
// errors.Is to detect it regardless of backing implementation.
var ErrNotFound = errors.New("store: not found")

// Tx is a transaction handle threaded explicitly through calls, instead of
// ambient ORM session state.
type Tx interface {
	// Resources
	GetResource(ctx context.Context, id int64) (*models.Resource, error)
	CreateResource(ctx context.Context, r *models.Resource) error
	UpdateResource(ctx context.Context, r *models.Resource) error

	// Reservations
	GetReservation(ctx context.Context, id int64) (*models.Reservation, error)
	CreateReservation(ctx context.Context, r *models.Reservation) error
	UpdateReservation(ctx context.Context, r *models.Reservation) error
	FindOverlappingReservations(ctx context.Context, resourceID int64, start, end time.Time) ([]*models.Reservation, error)
	FindActiveReservationCovering(ctx context.Context, resourceID int64, at time.Time) (*models.Reservation, error)
	CreateAuditEntry(ctx context.Context, e *models.AuditEntry) error

	// Recurrence
	CreateRecurrenceRule(ctx context.Context, r *models.RecurrenceRule) error

	// Approvals
	GetApprovalRequest(ctx context.Context, id int64) (*models.ApprovalRequest, error)
	GetApprovalRequestByReservation(ctx context.Context, reservationID int64) (*models.ApprovalRequest, error)
	CreateApprovalRequest(ctx context.Context, a *models.ApprovalRequest) error
	UpdateApprovalRequest(ctx context.Context, a *models.ApprovalRequest) error

	// Waitlist
	GetWaitlistEntry(ctx context.Context, id int64) (*models.WaitlistEntry, error)
	CreateWaitlistEntry(ctx context.Context, e *models.WaitlistEntry) error
	UpdateWaitlistEntry(ctx context.Context, e *models.WaitlistEntry) error
	FindWaitlistEntry(ctx context.Context, resourceID, userID int64, start, end time.Time) (*models.WaitlistEntry, error)
	ListWaitingEntries(ctx context.Context, resourceID int64) ([]*models.WaitlistEntry, error)

	// Notifications
	CreateNotification(ctx context.Context, n *models.Notification) error

	// Webhooks
	GetWebhook(ctx context.Context, id int64) (*models.Webhook, error)
	ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]*models.Webhook, error)
	CreateWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error
	UpdateWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error

	// Users
	GetUser(ctx context.Context, id int64) (*models.User, error)

	// LockResource acquires a row-level lock on the resource for the
	// lifetime of the transaction. All booking mutations on that resource
	// must hold this lock (§4.2).
	LockResource(ctx context.Context, id int64) error
}

// CursorScanner supports the scheduler's batched range scans (§4.2).
type CursorScanner interface {
	ScanActiveReservationsPastEnd(ctx context.Context, now time.Time, batch int, cursor int64) ([]*models.Reservation, int64, error)
	ScanReservationsNeedingReminder(ctx context.Context, now time.Time, batch int, cursor int64) ([]*models.Reservation, int64, error)
	ScanUnavailableResourcesPastAutoReset(ctx context.Context, now time.Time, batch int, cursor int64) ([]*models.Resource, int64, error)
	ScanPendingWebhookDeliveries(ctx context.Context, now time.Time, batch int) ([]*models.WebhookDelivery, error)
	ScanExpiredWaitlistOffers(ctx context.Context, now time.Time) ([]*models.WaitlistEntry, error)
}

// Store is the top-level persistence handle. WithTx runs fn inside a
// serializable (or equivalent) transaction, committing on success and
// rolling back on any failure, retrying conflicts internally.
type Store interface {
	CursorScanner

	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Paginated lookups used by callers outside a transaction.
	ListUserReservations(ctx context.Context, userID int64, status models.ReservationStatus, offset, limit int) ([]*models.Reservation, error)
	ListResourceReservations(ctx context.Context, resourceID int64, status models.ReservationStatus, start, end time.Time, offset, limit int) ([]*models.Reservation, error)
}
