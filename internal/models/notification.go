package models

import "time"

type NotificationType string

const (
	NotificationReservationConfirmed NotificationType = "reservation_confirmed"
	NotificationReservationCancelled NotificationType = "reservation_cancelled"
	NotificationReservationReminder  NotificationType = "reservation_reminder"
	NotificationResourceAvailable    NotificationType = "resource_available"
	NotificationSystemAnnouncement   NotificationType = "system_announcement"
)

// Notification is an in-app notification record.
type Notification struct {
	ID        int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64            `gorm:"not null;index" json:"user_id"`
	Type      NotificationType `gorm:"type:varchar(40);not null" json:"type"`
	Title     string           `gorm:"size:200;not null" json:"title"`
	Message   string           `gorm:"size:1000;not null" json:"message"`
	Link      string           `gorm:"size:500" json:"link"`
	Read      bool             `gorm:"not null;default:false" json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }
