// Package domain contains the customer and project hierarchy models.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Organization is a customer on the consumer side or a provider on the
// offering side; invoices are issued per organization.
type Organization struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	Name       string       `gorm:"type:text;not null" json:"name"`
	TaxPercent float64      `gorm:"not null;default:0" json:"tax_percent"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// Project owns resources and scopes orders within an organization.
type Project struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID `gorm:"not null;index" json:"org_id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Project) TableName() string { return "projects" }

var (
	ErrOrganizationNotFound = errors.New("organization_not_found")
	ErrProjectNotFound      = errors.New("project_not_found")
)
