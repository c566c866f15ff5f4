// Package models holds the entities of the booking and lifecycle subsystem.
// IDs are opaque int64 assigned by the Store on insert; all timestamps are
// UTC instants.
package models

import (
	"time"

	"gorm.io/datatypes"
)

type ResourceStatus string

const (
	ResourceAvailable   ResourceStatus = "available"
	ResourceInUse       ResourceStatus = "in_use"
	ResourceUnavailable ResourceStatus = "unavailable"
)

// Resource is a bookable entity (room, equipment, ...).
type Resource struct {
	ID                int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string         `gorm:"size:200;not null;uniqueIndex" json:"name"`
	Available         bool           `gorm:"not null;default:true" json:"available"`
	Status            ResourceStatus `gorm:"type:varchar(20);not null;default:'available';index" json:"status"`
	UnavailableSince  *time.Time     `json:"unavailable_since"`
	AutoResetHours    int            `gorm:"not null;default:24" json:"auto_reset_hours"`
	RequiresApproval  bool           `gorm:"not null;default:false" json:"requires_approval"`
	DefaultApproverID *int64         `json:"default_approver_id"`
	Tags              datatypes.JSON `gorm:"type:jsonb" json:"tags"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (Resource) TableName() string { return "resources" }

// AcceptsBookings reports whether the resource may currently take a new
// reservation, per spec.md §3: available=true AND status in {available, in_use}.
func (r *Resource) AcceptsBookings() bool {
	return r.Available && (r.Status == ResourceAvailable || r.Status == ResourceInUse)
}

// ComputeStatus is the pure function (§4.7) recomputing a resource's status
// from (current status, active reservation covering now, unavailable_since,
// auto_reset_hours, now). The Available kill switch is not an input; it is
// checked separately by AcceptsBookings. It never mutates r; callers persist
// the result themselves when it differs from r.Status.
func ComputeStatus(r *Resource, now time.Time, coveredByActiveReservation bool) ResourceStatus {
	if r.Status == ResourceUnavailable {
		if r.UnavailableSince != nil && r.AutoResetHours > 0 {
			elapsed := now.Sub(*r.UnavailableSince)
			if elapsed >= time.Duration(r.AutoResetHours)*time.Hour {
				return ResourceAvailable
			}
		}
		return ResourceUnavailable
	}

	if coveredByActiveReservation {
		return ResourceInUse
	}
	return ResourceAvailable
}
