package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"resourcereserver/internal/models"
)

// maxTxAttempts bounds WithTx's internal retry on conflict/serialization
// errors (§4.2: "retried up to 3 times on conflict errors with 100/200/300ms
// backoff").
const maxTxAttempts = 3

var txBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}

// GormStore is the Postgres-backed Store implementation, adapted from the
// teacher's gorm connection/repository layer but generalized to the
// abstract Store contract and opaque int64 ids.
type GormStore struct {
	db *gorm.DB
}

// Connect opens a Postgres connection, configures the pool, and
// auto-migrates the core's models.
func Connect(dsn string, maxOpen, maxIdle int) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	slog.Info("store connected and migrated")
	return &GormStore{db: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	for _, m := range []any{
		&models.Resource{},
		&models.Reservation{},
		&models.RecurrenceRule{},
		&models.ApprovalRequest{},
		&models.WaitlistEntry{},
		&models.Notification{},
		&models.Webhook{},
		&models.WebhookDelivery{},
		&models.AuditEntry{},
	} {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("migrate %T: %w", m, err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, retrying errors isRetryable accepts.
func (s *GormStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxTxAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
			return fn(&gormTx{db: gtx})
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == maxTxAttempts {
			return err
		}
		slog.Warn("store transaction conflict, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(txBackoff[attempt]):
		}
	}
	return lastErr
}

// isRetryable reports whether err is gorm.ErrInvalidTransaction. Postgres
// serialization failures and deadlock errors are not recognised here, so
// WithTx returns them after the first attempt without retrying.
func isRetryable(err error) bool {
	return errors.Is(err, gorm.ErrInvalidTransaction)
}

func (s *GormStore) ListUserReservations(ctx context.Context, userID int64, status models.ReservationStatus, offset, limit int) ([]*models.Reservation, error) {
	var out []*models.Reservation
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("start DESC").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

func (s *GormStore) ListResourceReservations(ctx context.Context, resourceID int64, status models.ReservationStatus, start, end time.Time, offset, limit int) ([]*models.Reservation, error) {
	var out []*models.Reservation
	q := s.db.WithContext(ctx).Where("resource_id = ? AND start >= ? AND \"end\" <= ?", resourceID, start, end)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("start ASC").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

func (s *GormStore) ScanActiveReservationsPastEnd(ctx context.Context, now time.Time, batch int, cursor int64) ([]*models.Reservation, int64, error) {
	var out []*models.Reservation
	err := s.db.WithContext(ctx).
		Where("status = ? AND \"end\" < ? AND id > ?", models.ReservationActive, now, cursor).
		Order("id ASC").Limit(batch).Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (s *GormStore) ScanReservationsNeedingReminder(ctx context.Context, now time.Time, batch int, cursor int64) ([]*models.Reservation, int64, error) {
	var out []*models.Reservation
	err := s.db.WithContext(ctx).
		Where("status = ? AND reminder_sent = false AND start > ? AND id > ?", models.ReservationActive, now, cursor).
		Order("id ASC").Limit(batch).Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (s *GormStore) ScanUnavailableResourcesPastAutoReset(ctx context.Context, now time.Time, batch int, cursor int64) ([]*models.Resource, int64, error) {
	var out []*models.Resource
	err := s.db.WithContext(ctx).
		Where("status = ? AND unavailable_since IS NOT NULL AND id > ?", models.ResourceUnavailable, cursor).
		Order("id ASC").Limit(batch).Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (s *GormStore) ScanPendingWebhookDeliveries(ctx context.Context, now time.Time, batch int) ([]*models.WebhookDelivery, error) {
	var out []*models.WebhookDelivery
	err := s.db.WithContext(ctx).
		Where("status IN ? AND retry_count < ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			[]models.DeliveryStatus{models.DeliveryPending, models.DeliveryFailed}, models.MaxRetries, now).
		Order("id ASC").Limit(batch).Find(&out).Error
	return out, err
}

func (s *GormStore) ScanExpiredWaitlistOffers(ctx context.Context, now time.Time) ([]*models.WaitlistEntry, error) {
	var out []*models.WaitlistEntry
	err := s.db.WithContext(ctx).
		Where("status = ? AND offer_expires_at IS NOT NULL AND offer_expires_at < ?", models.WaitlistOffered, now).
		Order("id ASC").Find(&out).Error
	return out, err
}

// gormTx implements Tx over a single gorm transaction handle.
type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) LockResource(ctx context.Context, id int64) error {
	var r models.Resource
	err := t.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (t *gormTx) GetResource(ctx context.Context, id int64) (*models.Resource, error) {
	var r models.Resource
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (t *gormTx) CreateResource(ctx context.Context, r *models.Resource) error {
	return t.db.WithContext(ctx).Create(r).Error
}

func (t *gormTx) UpdateResource(ctx context.Context, r *models.Resource) error {
	return t.db.WithContext(ctx).Save(r).Error
}

func (t *gormTx) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	var r models.Reservation
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (t *gormTx) CreateReservation(ctx context.Context, r *models.Reservation) error {
	return t.db.WithContext(ctx).Create(r).Error
}

func (t *gormTx) UpdateReservation(ctx context.Context, r *models.Reservation) error {
	return t.db.WithContext(ctx).Save(r).Error
}

// FindOverlappingReservations returns active reservations on resourceID
// whose window intersects [start,end): existing.end > start AND
// existing.start < end (§4.2).
func (t *gormTx) FindOverlappingReservations(ctx context.Context, resourceID int64, start, end time.Time) ([]*models.Reservation, error) {
	var out []*models.Reservation
	err := t.db.WithContext(ctx).
		Where("resource_id = ? AND status = ? AND \"end\" > ? AND start < ?",
			resourceID, models.ReservationActive, start, end).
		Find(&out).Error
	return out, err
}

func (t *gormTx) FindActiveReservationCovering(ctx context.Context, resourceID int64, at time.Time) (*models.Reservation, error) {
	var r models.Reservation
	err := t.db.WithContext(ctx).
		Where("resource_id = ? AND status = ? AND start <= ? AND \"end\" > ?",
			resourceID, models.ReservationActive, at, at).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *gormTx) CreateAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	return t.db.WithContext(ctx).Create(e).Error
}

func (t *gormTx) CreateRecurrenceRule(ctx context.Context, r *models.RecurrenceRule) error {
	return t.db.WithContext(ctx).Create(r).Error
}

func (t *gormTx) GetApprovalRequest(ctx context.Context, id int64) (*models.ApprovalRequest, error) {
	var a models.ApprovalRequest
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (t *gormTx) GetApprovalRequestByReservation(ctx context.Context, reservationID int64) (*models.ApprovalRequest, error) {
	var a models.ApprovalRequest
	if err := t.db.WithContext(ctx).Where("reservation_id = ?", reservationID).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (t *gormTx) CreateApprovalRequest(ctx context.Context, a *models.ApprovalRequest) error {
	return t.db.WithContext(ctx).Create(a).Error
}

func (t *gormTx) UpdateApprovalRequest(ctx context.Context, a *models.ApprovalRequest) error {
	return t.db.WithContext(ctx).Save(a).Error
}

func (t *gormTx) GetWaitlistEntry(ctx context.Context, id int64) (*models.WaitlistEntry, error) {
	var e models.WaitlistEntry
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (t *gormTx) CreateWaitlistEntry(ctx context.Context, e *models.WaitlistEntry) error {
	return t.db.WithContext(ctx).Create(e).Error
}

func (t *gormTx) UpdateWaitlistEntry(ctx context.Context, e *models.WaitlistEntry) error {
	return t.db.WithContext(ctx).Save(e).Error
}

func (t *gormTx) FindWaitlistEntry(ctx context.Context, resourceID, userID int64, start, end time.Time) (*models.WaitlistEntry, error) {
	var e models.WaitlistEntry
	err := t.db.WithContext(ctx).
		Where("resource_id = ? AND user_id = ? AND desired_start = ? AND desired_end = ? AND status IN ?",
			resourceID, userID, start, end, []models.WaitlistStatus{models.WaitlistWaiting, models.WaitlistOffered}).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *gormTx) ListWaitingEntries(ctx context.Context, resourceID int64) ([]*models.WaitlistEntry, error) {
	var out []*models.WaitlistEntry
	err := t.db.WithContext(ctx).
		Where("resource_id = ? AND status = ?", resourceID, models.WaitlistWaiting).
		Order("position ASC").Find(&out).Error
	return out, err
}

func (t *gormTx) CreateNotification(ctx context.Context, n *models.Notification) error {
	return t.db.WithContext(ctx).Create(n).Error
}

func (t *gormTx) GetWebhook(ctx context.Context, id int64) (*models.Webhook, error) {
	var w models.Webhook
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (t *gormTx) ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]*models.Webhook, error) {
	var all []*models.Webhook
	if err := t.db.WithContext(ctx).Where("is_active = ?", true).Find(&all).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Webhook, 0, len(all))
	for _, w := range all {
		if webhookSubscribesTo(w, eventType) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (t *gormTx) CreateWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	return t.db.WithContext(ctx).Create(d).Error
}

func (t *gormTx) UpdateWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	return t.db.WithContext(ctx).Save(d).Error
}

func (t *gormTx) GetUser(ctx context.Context, id int64) (*models.User, error) {
	// The identity service owns user records; the core only needs id,
	// admin flag, and reminder_hours override, held in a side table it
	// reads from here.
	var u models.User
	err := t.db.WithContext(ctx).Table("core_user_prefs").Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.User{ID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
