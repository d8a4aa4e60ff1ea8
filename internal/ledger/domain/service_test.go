package domain

import (
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

func TestValidate(t *testing.T) {
	orgID := snowflake.ID(1001)
	sourceID := snowflake.ID(2002)
	balanced := []Line{
		{AccountCode: AccountCodeAccountsReceivable, Direction: DirectionDebit, Amount: decimal.NewFromInt(120)},
		{AccountCode: AccountCodeRevenue, Direction: DirectionCredit, Amount: decimal.NewFromInt(100)},
		{AccountCode: AccountCodeTaxPayable, Direction: DirectionCredit, Amount: decimal.NewFromInt(20)},
	}

	cases := []struct {
		name       string
		orgID      snowflake.ID
		sourceType string
		sourceID   snowflake.ID
		lines      []Line
		want       error
	}{
		{"balanced entry", orgID, SourceTypeInvoice, sourceID, balanced, nil},
		{"zero org", 0, SourceTypeInvoice, sourceID, balanced, ErrInvalidOrganization},
		{"empty source type", orgID, "", sourceID, balanced, ErrInvalidSourceType},
		{"zero source id", orgID, SourceTypeInvoice, 0, balanced, ErrInvalidSourceID},
		{"single line", orgID, SourceTypeInvoice, sourceID, balanced[:1], ErrInvalidEntryLines},
		{
			"unbalanced",
			orgID, SourceTypeInvoice, sourceID,
			[]Line{
				{AccountCode: AccountCodeAccountsReceivable, Direction: DirectionDebit, Amount: decimal.NewFromInt(120)},
				{AccountCode: AccountCodeRevenue, Direction: DirectionCredit, Amount: decimal.NewFromInt(100)},
			},
			ErrUnbalancedEntry,
		},
		{
			"negative amount",
			orgID, SourceTypeInvoice, sourceID,
			[]Line{
				{AccountCode: AccountCodeAccountsReceivable, Direction: DirectionDebit, Amount: decimal.NewFromInt(-10)},
				{AccountCode: AccountCodeRevenue, Direction: DirectionCredit, Amount: decimal.NewFromInt(-10)},
			},
			ErrInvalidLineAmount,
		},
		{
			"bad direction",
			orgID, SourceTypeInvoice, sourceID,
			[]Line{
				{AccountCode: AccountCodeAccountsReceivable, Direction: "sideways", Amount: decimal.NewFromInt(10)},
				{AccountCode: AccountCodeRevenue, Direction: DirectionCredit, Amount: decimal.NewFromInt(10)},
			},
			ErrInvalidEntryLines,
		},
		{
			"empty account code",
			orgID, SourceTypeInvoice, sourceID,
			[]Line{
				{AccountCode: "", Direction: DirectionDebit, Amount: decimal.NewFromInt(10)},
				{AccountCode: AccountCodeRevenue, Direction: DirectionCredit, Amount: decimal.NewFromInt(10)},
			},
			ErrInvalidAccount,
		},
	}
	for _, tc := range cases {
		err := Validate(tc.orgID, tc.sourceType, tc.sourceID, tc.lines)
		if tc.want == nil {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}
