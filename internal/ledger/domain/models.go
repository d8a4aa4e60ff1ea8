// Package domain contains the double-entry ledger records backing invoice
// finalization.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Direction represents debit or credit postings.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Posting source types.
const (
	SourceTypeInvoice    = "invoice"
	SourceTypeAdjustment = "adjustment"
)

// Chart-of-accounts codes.
const (
	AccountCodeAccountsReceivable = "accounts_receivable"
	AccountCodeRevenue            = "revenue"
	AccountCodeTaxPayable         = "tax_payable"
)

// Account defines a chart-of-accounts entry, unique per (org, code).
type Account struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID `gorm:"not null;index;uniqueIndex:ux_ledger_accounts_org_code,priority:1" json:"org_id"`
	Code      string       `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_org_code,priority:2" json:"code"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "ledger_accounts" }

// Entry captures the immutable header for a financial event. One entry per
// (source type, source id): re-finalizing an invoice never double-posts.
type Entry struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID `gorm:"not null;index" json:"org_id"`
	SourceType string       `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:1" json:"source_type"`
	SourceID   snowflake.ID `gorm:"not null;uniqueIndex:ux_ledger_entries_source,priority:2" json:"source_id"`
	OccurredAt time.Time    `gorm:"not null" json:"occurred_at"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`

	Lines []EntryLine `gorm:"foreignKey:EntryID" json:"lines,omitempty"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "ledger_entries" }

// EntryLine is a double-entry posting line.
type EntryLine struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	EntryID   snowflake.ID    `gorm:"not null;index" json:"entry_id"`
	AccountID snowflake.ID    `gorm:"not null;index" json:"account_id"`
	Direction Direction       `gorm:"type:text;not null" json:"direction"`
	Amount    decimal.Decimal `gorm:"type:numeric;not null" json:"amount"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (EntryLine) TableName() string { return "ledger_entry_lines" }
