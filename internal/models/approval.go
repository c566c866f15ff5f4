package models

import "time"

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is one-to-one with a pending_approval Reservation.
type ApprovalRequest struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ReservationID   int64          `gorm:"not null;uniqueIndex" json:"reservation_id"`
	ApproverID      int64          `gorm:"not null;index" json:"approver_id"`
	Status          ApprovalStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	RequestMessage  string         `gorm:"size:1000" json:"request_message"`
	ResponseMessage string         `gorm:"size:1000" json:"response_message"`
	CreatedAt       time.Time      `json:"created_at"`
	RespondedAt     *time.Time     `json:"responded_at"`
}

func (ApprovalRequest) TableName() string { return "approval_requests" }

// IsTerminal reports whether the request is in a final, immutable state.
func (a *ApprovalRequest) IsTerminal() bool {
	return a.Status == ApprovalApproved || a.Status == ApprovalRejected
}
