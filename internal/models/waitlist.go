package models

import "time"

type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistOffered   WaitlistStatus = "offered"
	WaitlistFulfilled WaitlistStatus = "fulfilled"
	WaitlistExpired   WaitlistStatus = "expired"
	WaitlistCancelled WaitlistStatus = "cancelled"
)

// WaitlistEntry queues a user for a resource window that is currently
// unavailable, to be offered when it frees up.
type WaitlistEntry struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ResourceID      int64          `gorm:"not null;index" json:"resource_id"`
	UserID          int64          `gorm:"not null;index" json:"user_id"`
	DesiredStart    time.Time      `gorm:"not null" json:"desired_start"`
	DesiredEnd      time.Time      `gorm:"not null" json:"desired_end"`
	FlexibleTime    bool           `gorm:"not null;default:false" json:"flexible_time"`
	Status          WaitlistStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Position        int            `gorm:"not null" json:"position"`
	OfferedAt       *time.Time     `json:"offered_at"`
	OfferExpiresAt  *time.Time     `json:"offer_expires_at"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (WaitlistEntry) TableName() string { return "waitlist_entries" }

// Matches reports whether a freed [start,end) window satisfies this entry's
// desired window, per §4.10: exact match, or (if flexible) any overlap.
func (e *WaitlistEntry) Matches(freedStart, freedEnd time.Time) bool {
	if e.DesiredStart.Equal(freedStart) && e.DesiredEnd.Equal(freedEnd) {
		return true
	}
	if e.FlexibleTime && !e.DesiredStart.After(freedEnd) && !e.DesiredEnd.Before(freedStart) {
		return true
	}
	return false
}
