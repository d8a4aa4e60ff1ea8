// Package domain contains the monthly invoice aggregate and its line items.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	"gorm.io/datatypes"
)

// InvoiceState tracks the billing document lifecycle.
type InvoiceState string

const (
	InvoiceStatePending  InvoiceState = "PENDING"
	InvoiceStateCreated  InvoiceState = "CREATED"
	InvoiceStatePaid     InvoiceState = "PAID"
	InvoiceStateCanceled InvoiceState = "CANCELED"
)

// Invoice is the billing document for one customer and month. Exactly one
// exists per (org, year, month). TotalCost is a denormalized cache updated
// transactionally with item writes; the authoritative price is always the
// sum over live items.
type Invoice struct {
	ID         snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_invoice_org_period,priority:1" json:"org_id"`
	Year       int             `gorm:"not null;uniqueIndex:ux_invoice_org_period,priority:2" json:"year"`
	Month      int             `gorm:"not null;uniqueIndex:ux_invoice_org_period,priority:3" json:"month"`
	State      InvoiceState    `gorm:"type:text;not null;default:'PENDING'" json:"state"`
	TaxPercent decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"tax_percent"`
	TotalCost  decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"total_cost"`
	CreatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Items []InvoiceItem `gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// PeriodStart is the first instant of the invoice month.
func (inv *Invoice) PeriodStart() time.Time {
	return time.Date(inv.Year, time.Month(inv.Month), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodEnd is the first instant of the following month (exclusive bound).
func (inv *Invoice) PeriodEnd() time.Time {
	return inv.PeriodStart().AddDate(0, 1, 0)
}

// InvoiceItem is one billing line. ResourceID is nulled when the live
// resource is deleted; Details keeps an audit snapshot of what was billed.
type InvoiceItem struct {
	ID            snowflake.ID               `gorm:"primaryKey" json:"id"`
	InvoiceID     snowflake.ID               `gorm:"not null;index" json:"invoice_id"`
	ResourceID    *snowflake.ID              `gorm:"index" json:"resource_id,omitempty"`
	ComponentType string                     `gorm:"type:text;not null" json:"component_type"`
	BillingType   offeringdomain.BillingType `gorm:"type:text;not null;default:'fixed'" json:"billing_type"`
	Unit          offeringdomain.BillingUnit `gorm:"type:text;not null" json:"unit"`
	UnitPrice     decimal.Decimal            `gorm:"type:numeric;not null" json:"unit_price"`
	Quantity      decimal.Decimal            `gorm:"type:numeric;not null;default:0" json:"quantity"`
	Start         time.Time                  `gorm:"not null" json:"start"`
	End           time.Time                  `gorm:"column:end_time;not null" json:"end"`
	Details       datatypes.JSONMap          `gorm:"type:jsonb" json:"details,omitempty"`
	CreatedAt     time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

// Price is the effective charge of the line. For fixed components quantity
// zero is the flat-fee sentinel: the unit price covers a whole billing unit
// and is prorated by the [Start, End) interval. Every other line multiplies
// the unit price by quantity directly (usage, limits, one-time fees).
func (item *InvoiceItem) Price() decimal.Decimal {
	if item.BillingType == offeringdomain.BillingTypeFixed && item.Quantity.IsZero() {
		return Quantize(item.UnitPrice.Mul(ProrationFactor(item.Unit, item.Start, item.End)))
	}
	return Quantize(item.UnitPrice.Mul(item.Quantity))
}

// DetailsSnapshot builds the audit payload retained after resource deletion.
func DetailsSnapshot(resourceID, offeringID, planID snowflake.ID, resourceName, offeringType, componentType string) datatypes.JSONMap {
	return datatypes.JSONMap{
		"resource_id":    resourceID.String(),
		"resource_name":  resourceName,
		"offering_id":    offeringID.String(),
		"offering_type":  offeringType,
		"plan_id":        planID.String(),
		"component_type": componentType,
	}
}
