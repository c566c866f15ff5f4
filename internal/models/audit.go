package models

import "time"

// AuditEntry is an append-only record of a state transition on a
// reservation. The core never deletes or mutates these rows.
type AuditEntry struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ReservationID int64     `gorm:"not null;index" json:"reservation_id"`
	Message       string    `gorm:"size:500;not null" json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

func (AuditEntry) TableName() string { return "reservation_audit_entries" }
