package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/mercat/internal/invoice/domain"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	orgdomain "github.com/smallbiznis/mercat/internal/organization/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (invoicedomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&orgdomain.Organization{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), GenID: node})
	return svc, db, node
}

func seedOrg(t *testing.T, db *gorm.DB, node *snowflake.Node, taxPercent float64) orgdomain.Organization {
	t.Helper()
	org := orgdomain.Organization{ID: node.Generate(), Name: "acme", TaxPercent: taxPercent}
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("seed org: %v", err)
	}
	return org
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	svc, db, node := setupService(t)
	org := seedOrg(t, db, node, 25)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, nil, org.ID, 2024, 1)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.State != invoicedomain.InvoiceStatePending {
		t.Errorf("new invoice state = %s", first.State)
	}
	if !first.TaxPercent.Equal(decimal.NewFromInt(25)) {
		t.Errorf("tax snapshot = %s, want 25", first.TaxPercent)
	}

	second, err := svc.GetOrCreate(ctx, nil, org.ID, 2024, 1)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("got a different invoice: %s vs %s", second.ID, first.ID)
	}

	var count int64
	if err := db.Model(&invoicedomain.Invoice{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("%d invoices for one period", count)
	}
}

func TestGetOrCreateRejectsBadInput(t *testing.T) {
	svc, _, node := setupService(t)
	ctx := context.Background()

	if _, err := svc.GetOrCreate(ctx, nil, node.Generate(), 2024, 1); !errors.Is(err, orgdomain.ErrOrganizationNotFound) {
		t.Errorf("unknown org: %v", err)
	}
	if _, err := svc.GetOrCreate(ctx, nil, node.Generate(), 2024, 13); !errors.Is(err, invoicedomain.ErrInvalidPeriod) {
		t.Errorf("month 13: %v", err)
	}
	if _, err := svc.GetOrCreate(ctx, nil, 0, 2024, 1); !errors.Is(err, invoicedomain.ErrInvalidInvoiceID) {
		t.Errorf("zero org: %v", err)
	}
}

func TestRecomputeTotalAppliesTax(t *testing.T) {
	svc, db, node := setupService(t)
	org := seedOrg(t, db, node, 25)
	ctx := context.Background()

	inv, err := svc.GetOrCreate(ctx, nil, org.ID, 2024, 1)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	item := invoicedomain.InvoiceItem{
		ID:            node.Generate(),
		InvoiceID:     inv.ID,
		ComponentType: "deployment",
		BillingType:   offeringdomain.BillingTypeFixed,
		Unit:          offeringdomain.UnitMonth,
		UnitPrice:     decimal.NewFromInt(310),
		Quantity:      decimal.Zero,
		Start:         time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:           time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("seed item: %v", err)
	}

	totals, err := svc.RecomputeTotal(ctx, nil, inv.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if totals.Net != "310.00" || totals.Total != "387.50" {
		t.Errorf("totals = %+v, want net 310.00 total 387.50", totals)
	}

	var got invoicedomain.Invoice
	if err := db.First(&got, inv.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.TotalCost.Equal(decimal.RequireFromString("387.50")) {
		t.Errorf("cached total = %s", got.TotalCost)
	}

	if _, err := svc.RecomputeTotal(ctx, nil, node.Generate()); !errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
		t.Errorf("missing invoice: %v", err)
	}
}

func TestLifecycleGuards(t *testing.T) {
	svc, db, node := setupService(t)
	org := seedOrg(t, db, node, 0)
	ctx := context.Background()

	inv, err := svc.GetOrCreate(ctx, nil, org.ID, 2024, 1)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	id := inv.ID.String()

	if err := svc.MarkPaid(ctx, id); !errors.Is(err, invoicedomain.ErrInvoiceNotCreated) {
		t.Errorf("paying a pending invoice: %v", err)
	}
	if err := svc.Finalize(ctx, id); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := svc.Finalize(ctx, id); !errors.Is(err, invoicedomain.ErrInvoiceNotPending) {
		t.Errorf("double finalize: %v", err)
	}
	if err := svc.MarkPaid(ctx, id); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if err := svc.Cancel(ctx, id); !errors.Is(err, invoicedomain.ErrInvoiceClosed) {
		t.Errorf("canceling a paid invoice: %v", err)
	}

	var got invoicedomain.Invoice
	if err := db.First(&got, inv.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.State != invoicedomain.InvoiceStatePaid {
		t.Errorf("state = %s, want PAID", got.State)
	}

	if err := svc.Finalize(ctx, node.Generate().String()); !errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
		t.Errorf("finalize missing: %v", err)
	}
}

func TestCancelPendingInvoice(t *testing.T) {
	svc, db, node := setupService(t)
	org := seedOrg(t, db, node, 0)
	ctx := context.Background()

	inv, err := svc.GetOrCreate(ctx, nil, org.ID, 2024, 3)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if err := svc.Cancel(ctx, inv.ID.String()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var got invoicedomain.Invoice
	if err := db.First(&got, inv.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.State != invoicedomain.InvoiceStateCanceled {
		t.Errorf("state = %s, want CANCELED", got.State)
	}
}
