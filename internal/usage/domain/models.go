// Package domain contains usage reporting models: plan periods, limit
// period history and reported component usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// ResourcePlanPeriod records which plan a resource was on during an
// interval. The open period has End nil; plan switches close it and open a
// new one at the switch instant.
type ResourcePlanPeriod struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	ResourceID snowflake.ID `gorm:"not null;index" json:"resource_id"`
	PlanID     snowflake.ID `gorm:"not null;index" json:"plan_id"`
	Start      time.Time    `gorm:"not null" json:"start"`
	End        *time.Time   `gorm:"" json:"end,omitempty"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (ResourcePlanPeriod) TableName() string { return "resource_plan_periods" }

// ResourceLimitPeriod is the split-period history for MONTH/ANNUAL limit
// components: each quantity change closes the open sub-interval and opens a
// new one, so the billed quantity is a time-weighted sum over sub-intervals.
type ResourceLimitPeriod struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	ResourceID    snowflake.ID `gorm:"not null;index" json:"resource_id"`
	ComponentType string       `gorm:"type:text;not null" json:"component_type"`
	Quantity      int64        `gorm:"not null" json:"quantity"`
	Start         time.Time    `gorm:"not null" json:"start"`
	End           *time.Time   `gorm:"" json:"end,omitempty"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (ResourceLimitPeriod) TableName() string { return "resource_limit_periods" }

// ComponentUsage is one reported usage value for a resource component within
// a billing month. Reports are last-write-wins per (resource, component,
// billing month): a newer report overwrites the stored value.
type ComponentUsage struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	ResourceID    snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_component_usage,priority:1" json:"resource_id"`
	ComponentType string          `gorm:"type:text;not null;uniqueIndex:ux_component_usage,priority:2" json:"component_type"`
	BillingYear   int             `gorm:"not null;uniqueIndex:ux_component_usage,priority:3" json:"billing_year"`
	BillingMonth  int             `gorm:"not null;uniqueIndex:ux_component_usage,priority:4" json:"billing_month"`
	PlanPeriodID  snowflake.ID    `gorm:"index" json:"plan_period_id"`
	Value         decimal.Decimal `gorm:"type:numeric;not null" json:"value"`
	RecordedAt    time.Time       `gorm:"not null" json:"recorded_at"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ComponentUsage) TableName() string { return "component_usages" }
