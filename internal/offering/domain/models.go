// Package domain contains the service catalog models: offerings, plans and
// their billable components.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OfferingState tracks catalog visibility of an offering.
type OfferingState string

const (
	OfferingStateDraft    OfferingState = "DRAFT"
	OfferingStateActive   OfferingState = "ACTIVE"
	OfferingStatePaused   OfferingState = "PAUSED"
	OfferingStateArchived OfferingState = "ARCHIVED"
)

// BillingType selects the invoicing algorithm applied to a component.
type BillingType string

const (
	BillingTypeFixed        BillingType = "fixed"
	BillingTypeUsage        BillingType = "usage"
	BillingTypeOneTime      BillingType = "one_time"
	BillingTypeOnPlanSwitch BillingType = "on_plan_switch"
	BillingTypeLimit        BillingType = "limit"
)

// LimitPeriod scopes a limit-billed component's accounting window.
type LimitPeriod string

const (
	LimitPeriodTotal  LimitPeriod = "total"
	LimitPeriodMonth  LimitPeriod = "month"
	LimitPeriodAnnual LimitPeriod = "annual"
)

// BillingUnit is the pricing period of a plan or invoice item.
type BillingUnit string

const (
	UnitDay       BillingUnit = "day"
	UnitHalfMonth BillingUnit = "half_month"
	UnitMonth     BillingUnit = "month"
	UnitQuantity  BillingUnit = "quantity"
)

// Offering is a catalog entry for a purchasable service type. Its Type key
// resolves processors and the registrator through the plugin registry.
type Offering struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ProviderID snowflake.ID      `gorm:"not null;index" json:"provider_id"`
	Type       string            `gorm:"type:text;not null;index" json:"type"`
	Name       string            `gorm:"type:text;not null" json:"name"`
	State      OfferingState     `gorm:"type:text;not null;default:'DRAFT'" json:"state"`
	Billable   bool              `gorm:"not null;default:true" json:"billable"`
	Shared     bool              `gorm:"not null;default:false" json:"shared"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Plans      []Plan              `gorm:"foreignKey:OfferingID" json:"plans,omitempty"`
	Components []OfferingComponent `gorm:"foreignKey:OfferingID" json:"components,omitempty"`
}

// TableName sets the database table name.
func (Offering) TableName() string { return "offerings" }

// OfferingComponent declares one billable dimension of an offering.
type OfferingComponent struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OfferingID  snowflake.ID `gorm:"not null;index" json:"offering_id"`
	Type        string       `gorm:"type:text;not null" json:"type"`
	Name        string       `gorm:"type:text;not null" json:"name"`
	Unit        string       `gorm:"type:text" json:"unit"`
	BillingType BillingType  `gorm:"type:text;not null;default:'fixed'" json:"billing_type"`
	LimitPeriod LimitPeriod  `gorm:"type:text;not null;default:'total'" json:"limit_period"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (OfferingComponent) TableName() string { return "offering_components" }

// Plan is a versioned pricing configuration. Switching plans never mutates an
// existing plan; it creates a new order referencing a different plan.
type Plan struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OfferingID  snowflake.ID `gorm:"not null;index" json:"offering_id"`
	Name        string       `gorm:"type:text;not null" json:"name"`
	Unit        BillingUnit  `gorm:"type:text;not null;default:'month'" json:"unit"`
	ArticleCode string       `gorm:"type:text" json:"article_code"`
	Archived    bool         `gorm:"not null;default:false" json:"archived"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Components []PlanComponent `gorm:"foreignKey:PlanID" json:"components,omitempty"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// PlanComponent prices one offering component within a plan.
type PlanComponent struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	PlanID        snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_plan_component,priority:1" json:"plan_id"`
	ComponentType string          `gorm:"type:text;not null;uniqueIndex:ux_plan_component,priority:2" json:"component_type"`
	Price         decimal.Decimal `gorm:"type:numeric;not null" json:"price"`
	Amount        int64           `gorm:"not null;default:1" json:"amount"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (PlanComponent) TableName() string { return "plan_components" }

// FlatPrice is the per-unit charge of the component: price multiplied by the
// bundled amount.
func (c PlanComponent) FlatPrice() decimal.Decimal {
	return c.Price.Mul(decimal.NewFromInt(c.Amount))
}
