package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Line is one posting in a balanced entry request.
type Line struct {
	AccountCode string
	Direction   Direction
	Amount      decimal.Decimal
}

// Service writes balanced ledger entries.
type Service interface {
	// CreateEntry posts one balanced entry inside the caller's transaction.
	// Idempotent per (sourceType, sourceID).
	CreateEntry(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, sourceType string, sourceID snowflake.ID, occurredAt time.Time, lines []Line) error
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidSourceType   = errors.New("invalid_source_type")
	ErrInvalidSourceID     = errors.New("invalid_source_id")
	ErrInvalidEntryLines   = errors.New("invalid_entry_lines")
	ErrInvalidLineAmount   = errors.New("invalid_line_amount")
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrUnbalancedEntry     = errors.New("unbalanced_entry")
)

// Validate checks a posting request: at least two lines, non-negative
// amounts, and debits equal to credits.
func Validate(orgID snowflake.ID, sourceType string, sourceID snowflake.ID, lines []Line) error {
	if orgID == 0 {
		return ErrInvalidOrganization
	}
	if sourceType == "" {
		return ErrInvalidSourceType
	}
	if sourceID == 0 {
		return ErrInvalidSourceID
	}
	if len(lines) < 2 {
		return ErrInvalidEntryLines
	}

	debits := decimal.Zero
	credits := decimal.Zero
	for _, line := range lines {
		if line.AccountCode == "" {
			return ErrInvalidAccount
		}
		if line.Amount.IsNegative() {
			return ErrInvalidLineAmount
		}
		switch line.Direction {
		case DirectionDebit:
			debits = debits.Add(line.Amount)
		case DirectionCredit:
			credits = credits.Add(line.Amount)
		default:
			return ErrInvalidEntryLines
		}
	}
	if !debits.Equal(credits) {
		return ErrUnbalancedEntry
	}
	return nil
}
