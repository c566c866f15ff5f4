package models

import "time"

type ReservationStatus string

const (
	ReservationActive           ReservationStatus = "active"
	ReservationCancelled        ReservationStatus = "cancelled"
	ReservationExpired          ReservationStatus = "expired"
	ReservationPendingApproval  ReservationStatus = "pending_approval"
	ReservationRejected         ReservationStatus = "rejected"
)

// Reservation is a user's claim on a resource for the half-open window
// [Start, End).
type Reservation struct {
	ID                   int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID               int64             `gorm:"not null;index" json:"user_id"`
	ResourceID           int64             `gorm:"not null;index" json:"resource_id"`
	Start                time.Time         `gorm:"not null;index" json:"start"`
	End                  time.Time         `gorm:"not null;index" json:"end"`
	Status               ReservationStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	CreatedAt            time.Time         `json:"created_at"`
	CancelledAt          *time.Time        `json:"cancelled_at"`
	CancellationReason   string            `gorm:"size:500" json:"cancellation_reason"`
	RecurrenceRuleID     *int64            `gorm:"index" json:"recurrence_rule_id"`
	ParentReservationID  *int64            `gorm:"index" json:"parent_reservation_id"`
	IsRecurringInstance  bool              `gorm:"not null;default:false" json:"is_recurring_instance"`
	ReminderSent         bool              `gorm:"not null;default:false" json:"reminder_sent"`
}

func (Reservation) TableName() string { return "reservations" }

// Duration returns End-Start.
func (r *Reservation) Duration() time.Duration { return r.End.Sub(r.Start) }

// Overlaps reports whether [r.Start,r.End) intersects [start,end), using the
// spec's intersection rule: existing.end > start AND existing.start < end.
func (r *Reservation) Overlaps(start, end time.Time) bool {
	return r.End.After(start) && r.Start.Before(end)
}
