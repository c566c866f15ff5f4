package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RecurrenceFrequency string
type RecurrenceEndType string

const (
	FrequencyDaily   RecurrenceFrequency = "daily"
	FrequencyWeekly  RecurrenceFrequency = "weekly"
	FrequencyMonthly RecurrenceFrequency = "monthly"

	EndNever       RecurrenceEndType = "never"
	EndOnDate      RecurrenceEndType = "on_date"
	EndAfterCount  RecurrenceEndType = "after_count"
)

// MaxOccurrences bounds every generated series regardless of end type.
const MaxOccurrences = 100

// RecurrenceRule describes how a recurring reservation series repeats.
// DaysOfWeek is the field callers read and write directly; it round-trips
// through the jsonb-backed DaysOfWeekJSON column via the BeforeSave/AfterFind
// hooks below, the same way Resource.Tags and Webhook.Events persist a slice
// as a datatypes.JSON column.
type RecurrenceRule struct {
	ID              int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	Frequency       RecurrenceFrequency `gorm:"type:varchar(20);not null" json:"frequency"`
	Interval        int                 `gorm:"not null;default:1" json:"interval"`
	DaysOfWeek      []int               `gorm:"-" json:"days_of_week"`
	DaysOfWeekJSON  datatypes.JSON      `gorm:"column:days_of_week;type:jsonb" json:"-"`
	EndType         RecurrenceEndType   `gorm:"type:varchar(20);not null" json:"end_type"`
	EndDate         *time.Time          `json:"end_date"`
	OccurrenceCount *int                `json:"occurrence_count"`
	CreatedAt       time.Time           `json:"created_at"`
}

func (RecurrenceRule) TableName() string { return "recurrence_rules" }

// BeforeSave marshals DaysOfWeek into its jsonb-backed column so GORM
// persists it on both Create and Save.
func (r *RecurrenceRule) BeforeSave(tx *gorm.DB) error {
	b, err := json.Marshal(r.DaysOfWeek)
	if err != nil {
		return err
	}
	r.DaysOfWeekJSON = datatypes.JSON(b)
	return nil
}

// AfterFind unmarshals the persisted jsonb column back into DaysOfWeek.
func (r *RecurrenceRule) AfterFind(tx *gorm.DB) error {
	if len(r.DaysOfWeekJSON) == 0 {
		return nil
	}
	return json.Unmarshal(r.DaysOfWeekJSON, &r.DaysOfWeek)
}
