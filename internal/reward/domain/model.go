package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type DurationType string

const (
	DurationPermanent DurationType = "permanent"
	DurationRelative  DurationType = "relative"
)

type DurationUnit string

const (
	UnitHours  DurationUnit = "hours"
	UnitDays   DurationUnit = "days"
	UnitMonths DurationUnit = "months"
)

// Duration is either permanent or a span measured from the grant time.
type Duration struct {
	Type  DurationType `gorm:"column:type" json:"type"`
	Value int          `gorm:"column:value" json:"value,omitempty"`
	Unit  DurationUnit `gorm:"column:unit" json:"unit,omitempty"`
}

func Permanent() Duration {
	return Duration{Type: DurationPermanent}
}

// ExpiresAt returns nil for permanent rewards.
func (d Duration) ExpiresAt(from time.Time) *time.Time {
	if d.Type != DurationRelative || d.Value <= 0 {
		return nil
	}
	var at time.Time
	switch d.Unit {
	case UnitHours:
		at = from.Add(time.Duration(d.Value) * time.Hour)
	case UnitDays:
		at = from.AddDate(0, 0, d.Value)
	case UnitMonths:
		at = from.AddDate(0, d.Value, 0)
	default:
		return nil
	}
	at = at.UTC()
	return &at
}

func (d Duration) Validate() error {
	switch d.Type {
	case DurationPermanent, "":
		return nil
	case DurationRelative:
		if d.Value <= 0 {
			return ErrInvalidDuration
		}
		switch d.Unit {
		case UnitHours, UnitDays, UnitMonths:
			return nil
		}
	}
	return ErrInvalidDuration
}

type Reward struct {
	ID             snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	Name           string            `gorm:"column:name;not null" json:"name"`
	TranslationKey string            `gorm:"column:translation_key;not null" json:"translation_key"`
	ModuleID       string            `gorm:"column:module_id;not null" json:"module_id"`
	Parameters     datatypes.JSONMap `gorm:"column:parameters" json:"parameters,omitempty"`
	Duration       Duration          `gorm:"embedded;embeddedPrefix:duration_" json:"duration"`
	Active         bool              `gorm:"column:active;not null" json:"active"`
	CreatedAt      time.Time         `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Reward) TableName() string { return "rewards" }
