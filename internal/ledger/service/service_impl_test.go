package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/mercat/internal/ledger/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupLedger(t *testing.T) (ledgerdomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.Entry{},
		&ledgerdomain.EntryLine{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(5)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), GenID: node})
	return svc, db, node
}

func TestCreateEntryPostsBalancedLines(t *testing.T) {
	svc, db, node := setupLedger(t)
	ctx := context.Background()
	orgID := node.Generate()
	invoiceID := node.Generate()
	occurredAt := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

	lines := []ledgerdomain.Line{
		{AccountCode: ledgerdomain.AccountCodeAccountsReceivable, Direction: ledgerdomain.DirectionDebit, Amount: decimal.RequireFromString("387.50")},
		{AccountCode: ledgerdomain.AccountCodeRevenue, Direction: ledgerdomain.DirectionCredit, Amount: decimal.NewFromInt(310)},
		{AccountCode: ledgerdomain.AccountCodeTaxPayable, Direction: ledgerdomain.DirectionCredit, Amount: decimal.RequireFromString("77.50")},
	}
	if err := svc.CreateEntry(ctx, nil, orgID, ledgerdomain.SourceTypeInvoice, invoiceID, occurredAt, lines); err != nil {
		t.Fatalf("create entry: %v", err)
	}

	var entry ledgerdomain.Entry
	if err := db.Preload("Lines").Where("source_type = ? AND source_id = ?", ledgerdomain.SourceTypeInvoice, invoiceID).First(&entry).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.OrgID != orgID {
		t.Errorf("org = %s", entry.OrgID)
	}
	if len(entry.Lines) != 3 {
		t.Fatalf("%d lines, want 3", len(entry.Lines))
	}

	// Accounts are provisioned on first use, one per (org, code).
	var accounts int64
	if err := db.Model(&ledgerdomain.Account{}).Where("org_id = ?", orgID).Count(&accounts).Error; err != nil {
		t.Fatalf("count accounts: %v", err)
	}
	if accounts != 3 {
		t.Errorf("%d accounts, want 3", accounts)
	}

	debits := decimal.Zero
	credits := decimal.Zero
	for _, line := range entry.Lines {
		switch line.Direction {
		case ledgerdomain.DirectionDebit:
			debits = debits.Add(line.Amount)
		case ledgerdomain.DirectionCredit:
			credits = credits.Add(line.Amount)
		}
	}
	if !debits.Equal(credits) {
		t.Errorf("posted entry unbalanced: debits %s credits %s", debits, credits)
	}
}

func TestCreateEntryIsIdempotentPerSource(t *testing.T) {
	svc, db, node := setupLedger(t)
	ctx := context.Background()
	orgID := node.Generate()
	invoiceID := node.Generate()
	occurredAt := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

	lines := []ledgerdomain.Line{
		{AccountCode: ledgerdomain.AccountCodeAccountsReceivable, Direction: ledgerdomain.DirectionDebit, Amount: decimal.NewFromInt(100)},
		{AccountCode: ledgerdomain.AccountCodeRevenue, Direction: ledgerdomain.DirectionCredit, Amount: decimal.NewFromInt(100)},
	}
	for i := 0; i < 2; i++ {
		if err := svc.CreateEntry(ctx, nil, orgID, ledgerdomain.SourceTypeInvoice, invoiceID, occurredAt, lines); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	var entries, entryLines int64
	if err := db.Model(&ledgerdomain.Entry{}).Count(&entries).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if err := db.Model(&ledgerdomain.EntryLine{}).Count(&entryLines).Error; err != nil {
		t.Fatalf("count lines: %v", err)
	}
	if entries != 1 || entryLines != 2 {
		t.Errorf("replay posted again: %d entries, %d lines", entries, entryLines)
	}
}

func TestCreateEntryRejectsUnbalanced(t *testing.T) {
	svc, db, node := setupLedger(t)
	ctx := context.Background()

	err := svc.CreateEntry(ctx, nil, node.Generate(), ledgerdomain.SourceTypeInvoice, node.Generate(), time.Now().UTC(), []ledgerdomain.Line{
		{AccountCode: ledgerdomain.AccountCodeAccountsReceivable, Direction: ledgerdomain.DirectionDebit, Amount: decimal.NewFromInt(120)},
		{AccountCode: ledgerdomain.AccountCodeRevenue, Direction: ledgerdomain.DirectionCredit, Amount: decimal.NewFromInt(100)},
	})
	if !errors.Is(err, ledgerdomain.ErrUnbalancedEntry) {
		t.Fatalf("unbalanced entry: %v", err)
	}
	var entries int64
	if err := db.Model(&ledgerdomain.Entry{}).Count(&entries).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if entries != 0 {
		t.Errorf("%d entries written for a rejected posting", entries)
	}
}
