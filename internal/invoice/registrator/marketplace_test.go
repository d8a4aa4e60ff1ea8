package registrator

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/mercat/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/mercat/internal/invoice/service"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	orgdomain "github.com/smallbiznis/mercat/internal/organization/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	usagedomain "github.com/smallbiznis/mercat/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	db   *gorm.DB
	m    *Marketplace
	node *snowflake.Node

	org      orgdomain.Organization
	project  orgdomain.Project
	offering offeringdomain.Offering
	plan     offeringdomain.Plan
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&orgdomain.Organization{},
		&orgdomain.Project{},
		&offeringdomain.Offering{},
		&offeringdomain.OfferingComponent{},
		&offeringdomain.Plan{},
		&offeringdomain.PlanComponent{},
		&resourcedomain.Resource{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&usagedomain.ResourcePlanPeriod{},
		&usagedomain.ResourceLimitPeriod{},
		&usagedomain.ComponentUsage{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	log := zap.NewNop()
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{DB: db, Log: log, GenID: node})
	m := NewMarketplace(MarketplaceParam{Log: log, GenID: node, InvoiceSvc: invoiceSvc})

	f := &fixture{db: db, m: m, node: node}
	f.org = orgdomain.Organization{ID: node.Generate(), Name: "acme"}
	if err := db.Create(&f.org).Error; err != nil {
		t.Fatalf("seed org: %v", err)
	}
	f.project = orgdomain.Project{ID: node.Generate(), OrgID: f.org.ID, Name: "research"}
	if err := db.Create(&f.project).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return f
}

type componentPrice struct {
	comp  offeringdomain.OfferingComponent
	price decimal.Decimal
}

func (f *fixture) seedCatalog(t *testing.T, unit offeringdomain.BillingUnit, comps []componentPrice) {
	t.Helper()
	f.offering = offeringdomain.Offering{
		ID:         f.node.Generate(),
		ProviderID: f.org.ID,
		Type:       "marketplace.basic",
		Name:       "compute",
		State:      offeringdomain.OfferingStateActive,
		Billable:   true,
	}
	f.plan = offeringdomain.Plan{
		ID:         f.node.Generate(),
		OfferingID: f.offering.ID,
		Name:       "default",
		Unit:       unit,
	}
	for _, cp := range comps {
		comp := cp.comp
		comp.ID = f.node.Generate()
		comp.OfferingID = f.offering.ID
		f.offering.Components = append(f.offering.Components, comp)
		f.plan.Components = append(f.plan.Components, offeringdomain.PlanComponent{
			ID:            f.node.Generate(),
			PlanID:        f.plan.ID,
			ComponentType: comp.Type,
			Price:         cp.price,
			Amount:        1,
		})
	}
	if err := f.db.Create(&f.offering).Error; err != nil {
		t.Fatalf("seed offering: %v", err)
	}
	if err := f.db.Create(&f.plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
}

func (f *fixture) seedResource(t *testing.T, limits map[string]any, created time.Time) *resourcedomain.Resource {
	t.Helper()
	res := &resourcedomain.Resource{
		ID:         f.node.Generate(),
		ProjectID:  f.project.ID,
		OrgID:      f.org.ID,
		OfferingID: f.offering.ID,
		PlanID:     f.plan.ID,
		Name:       "res-1",
		State:      resourcedomain.StateOK,
		Limits:     datatypes.JSONMap(limits),
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	if err := f.db.Create(res).Error; err != nil {
		t.Fatalf("seed resource: %v", err)
	}
	return res
}

func (f *fixture) items(t *testing.T, billingType offeringdomain.BillingType) []invoicedomain.InvoiceItem {
	t.Helper()
	var items []invoicedomain.InvoiceItem
	q := f.db.Order("created_at ASC, id ASC")
	if billingType != "" {
		q = q.Where("billing_type = ?", billingType)
	}
	if err := q.Find(&items).Error; err != nil {
		t.Fatalf("load items: %v", err)
	}
	return items
}

func (f *fixture) invoiceTotal(t *testing.T) decimal.Decimal {
	t.Helper()
	var inv invoicedomain.Invoice
	if err := f.db.Where("org_id = ?", f.org.ID).First(&inv).Error; err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	return inv.TotalCost
}

func fixedComponent(componentType string) offeringdomain.OfferingComponent {
	return offeringdomain.OfferingComponent{
		Type: componentType, Name: componentType, BillingType: offeringdomain.BillingTypeFixed,
	}
}

func limitComponent(componentType string, period offeringdomain.LimitPeriod) offeringdomain.OfferingComponent {
	return offeringdomain.OfferingComponent{
		Type: componentType, Name: componentType,
		BillingType: offeringdomain.BillingTypeLimit, LimitPeriod: period,
	}
}

func TestFixedComponentProratedAndIdempotent(t *testing.T) {
	f := setupFixture(t)
	f.seedCatalog(t, offeringdomain.UnitMonth, []componentPrice{
		{fixedComponent("deployment"), decimal.NewFromInt(310)},
	})
	start := day(2024, time.January, 10)
	res := f.seedResource(t, nil, start)
	ctx := context.Background()

	if err := f.m.RegisterResource(ctx, f.db, res, orderdomain.TypeCreate, start); err != nil {
		t.Fatalf("register: %v", err)
	}

	items := f.items(t, offeringdomain.BillingTypeFixed)
	if len(items) != 1 {
		t.Fatalf("expected 1 fixed item, got %d", len(items))
	}
	item := items[0]
	if !item.Quantity.IsZero() {
		t.Errorf("flat fee quantity = %s, want 0", item.Quantity)
	}
	if !item.Start.Equal(start) || !item.End.Equal(day(2024, time.February, 1)) {
		t.Errorf("item window [%s, %s)", item.Start, item.End)
	}
	// 22 of 31 days at 310/month.
	if got := item.Price(); !got.Equal(decimal.NewFromInt(220)) {
		t.Errorf("item price = %s, want 220", got)
	}
	if total := f.invoiceTotal(t); !total.Equal(decimal.NewFromInt(220)) {
		t.Errorf("invoice total = %s, want 220", total)
	}

	// The monthly rollover replays registration; the open item dedupes it.
	if err := f.m.RegisterResource(ctx, f.db, res, TriggerRollover, start); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if items := f.items(t, offeringdomain.BillingTypeFixed); len(items) != 1 {
		t.Fatalf("rollover duplicated the fixed item: %d items", len(items))
	}
}

func TestOneTimeFeeChargedOnce(t *testing.T) {
	f := setupFixture(t)
	f.seedCatalog(t, offeringdomain.UnitMonth, []componentPrice{
		{offeringdomain.OfferingComponent{Type: "setup", Name: "setup", BillingType: offeringdomain.BillingTypeOneTime}, decimal.NewFromInt(50)},
	})
	start := day(2024, time.January, 10)
	res := f.seedResource(t, nil, start)
	ctx := context.Background()

	if err := f.m.RegisterResource(ctx, f.db, res, orderdomain.TypeCreate, start); err != nil {
		t.Fatalf("register: %v", err)
	}
	items := f.items(t, offeringdomain.BillingTypeOneTime)
	if len(items) != 1 {
		t.Fatalf("expected 1 one-time item, got %d", len(items))
	}
	if got := items[0].Price(); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("one-time price = %s, want 50", got)
	}

	// Next month's rollover must not charge the fee again, even into a
	// fresh invoice.
	if err := f.m.RegisterResource(ctx, f.db, res, TriggerRollover, day(2024, time.February, 1)); err != nil {
		t.Fatalf("february rollover: %v", err)
	}
	if items := f.items(t, offeringdomain.BillingTypeOneTime); len(items) != 1 {
		t.Fatalf("one-time fee charged again: %d items", len(items))
	}
}

func TestLimitTotalGrowsAndCredits(t *testing.T) {
	f := setupFixture(t)
	f.seedCatalog(t, offeringdomain.UnitMonth, []componentPrice{
		{limitComponent("storage", offeringdomain.LimitPeriodTotal), decimal.NewFromInt(5)},
	})
	start := day(2024, time.January, 10)
	res := f.seedResource(t, map[string]any{"storage": 100}, start)
	ctx := context.Background()

	if err := f.m.RegisterResource(ctx, f.db, res, orderdomain.TypeCreate, start); err != nil {
		t.Fatalf("register: %v", err)
	}
	items := f.items(t, offeringdomain.BillingTypeLimit)
	if len(items) != 1 {
		t.Fatalf("expected 1 limit item, got %d", len(items))
	}
	if got := items[0].Price(); !got.Equal(decimal.NewFromInt(500)) {
		t.Errorf("initial charge = %s, want 500", got)
	}

	// Shrinking the limit produces a credit line; history is untouched.
	res.Limits = datatypes.JSONMap{"storage": 60}
	if err := f.m.UpdateLimits(ctx, f.db, res, "storage", 100, 60, day(2024, time.January, 15)); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	items = f.items(t, offeringdomain.BillingTypeLimit)
	if len(items) != 2 {
		t.Fatalf("expected 2 limit items after shrink, got %d", len(items))
	}
	credit := items[1]
	if !credit.UnitPrice.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("credit unit price = %s, want -5", credit.UnitPrice)
	}
	if !credit.Quantity.Equal(decimal.NewFromInt(40)) {
		t.Errorf("credit quantity = %s, want 40", credit.Quantity)
	}
	if total := f.invoiceTotal(t); !total.Equal(decimal.NewFromInt(300)) {
		t.Errorf("invoice total = %s, want 300", total)
	}

	// Reapplying the same limit is a no-op.
	if err := f.m.UpdateLimits(ctx, f.db, res, "storage", 60, 60, day(2024, time.January, 20)); err != nil {
		t.Fatalf("noop update: %v", err)
	}
	if items := f.items(t, offeringdomain.BillingTypeLimit); len(items) != 2 {
		t.Fatalf("noop update created an item: %d items", len(items))
	}
}

func TestLimitMonthWeighsSubIntervals(t *testing.T) {
	f := setupFixture(t)
	f.seedCatalog(t, offeringdomain.UnitMonth, []componentPrice{
		{limitComponent("cpu", offeringdomain.LimitPeriodMonth), decimal.NewFromInt(31)},
	})
	start := day(2024, time.January, 1)
	res := f.seedResource(t, map[string]any{"cpu": 10}, start)
	ctx := context.Background()

	if err := f.m.RegisterResource(ctx, f.db, res, orderdomain.TypeCreate, start); err != nil {
		t.Fatalf("register: %v", err)
	}
	items := f.items(t, offeringdomain.BillingTypeLimit)
	if len(items) != 1 {
		t.Fatalf("expected 1 limit item, got %d", len(items))
	}
	if !items[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("full-month quantity = %s, want 10", items[0].Quantity)
	}

	// Raising the limit mid-month splits the accounting period; the open
	// item is reconciled in place to the time-weighted quantity.
	res.Limits = datatypes.JSONMap{"cpu": 20}
	if err := f.m.UpdateLimits(ctx, f.db, res, "cpu", 10, 20, day(2024, time.January, 16)); err != nil {
		t.Fatalf("raise: %v", err)
	}
	items = f.items(t, offeringdomain.BillingTypeLimit)
	if len(items) != 1 {
		t.Fatalf("expected the open item reconciled in place, got %d items", len(items))
	}
	days := decimal.NewFromInt(31)
	want := decimal.NewFromInt(10).Mul(decimal.NewFromInt(15)).Div(days).
		Add(decimal.NewFromInt(20).Mul(decimal.NewFromInt(16)).Div(days))
	// The quantity is a repeating decimal; storage may round the tail.
	if diff := items[0].Quantity.Sub(want).Abs(); diff.GreaterThan(decimal.New(1, -9)) {
		t.Errorf("weighted quantity = %s, want %s", items[0].Quantity, want)
	}

	var periods []usagedomain.ResourceLimitPeriod
	if err := f.db.Where("resource_id = ?", res.ID).Order("start ASC").Find(&periods).Error; err != nil {
		t.Fatalf("load periods: %v", err)
	}
	if len(periods) != 2 {
		t.Fatalf("expected 2 limit periods, got %d", len(periods))
	}
	if periods[0].End == nil || !periods[0].End.Equal(day(2024, time.January, 16)) {
		t.Errorf("first period not closed at the change instant")
	}
	if periods[1].End != nil {
		t.Errorf("second period must stay open")
	}
}

func TestUsageReportLastWriteWins(t *testing.T) {
	f := setupFixture(t)
	f.seedCatalog(t, offeringdomain.UnitMonth, []componentPrice{
		{offeringdomain.OfferingComponent{Type: "ram", Name: "ram", BillingType: offeringdomain.BillingTypeUsage}, decimal.NewFromInt(2)},
	})
	start := day(2024, time.January, 1)
	res := f.seedResource(t, nil, start)
	ctx := context.Background()

	if err := f.m.RegisterResource(ctx, f.db, res, orderdomain.TypeCreate, start); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Registration must not create usage items; they materialize from
	// reports only.
	if items := f.items(t, offeringdomain.BillingTypeUsage); len(items) != 0 {
		t.Fatalf("registration created %d usage items", len(items))
	}

	report := func(value int64) {
		t.Helper()
		usage := &usagedomain.ComponentUsage{
			ResourceID:    res.ID,
			ComponentType: "ram",
			BillingYear:   2024,
			BillingMonth:  1,
			Value:         decimal.NewFromInt(value),
		}
		if err := f.m.ReportUsage(ctx, f.db, res, usage); err != nil {
			t.Fatalf("report %d: %v", value, err)
		}
	}

	report(5)
	items := f.items(t, offeringdomain.BillingTypeUsage)
	if len(items) != 1 {
		t.Fatalf("expected 1 usage item, got %d", len(items))
	}
	if !items[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Errorf("usage quantity = %s, want 5", items[0].Quantity)
	}

	report(8)
	items = f.items(t, offeringdomain.BillingTypeUsage)
	if len(items) != 1 {
		t.Fatalf("second report created an item: %d items", len(items))
	}
	if !items[0].Quantity.Equal(decimal.NewFromInt(8)) {
		t.Errorf("usage quantity after overwrite = %s, want 8", items[0].Quantity)
	}
	if total := f.invoiceTotal(t); !total.Equal(decimal.NewFromInt(16)) {
		t.Errorf("invoice total = %s, want 16", total)
	}
}

func TestSwitchPlanSplitsItemsAndChargesFee(t *testing.T) {
	f := setupFixture(t)
	f.seedCatalog(t, offeringdomain.UnitMonth, []componentPrice{
		{fixedComponent("deployment"), decimal.NewFromInt(310)},
		{offeringdomain.OfferingComponent{Type: "switch_fee", Name: "switch fee", BillingType: offeringdomain.BillingTypeOnPlanSwitch}, decimal.NewFromInt(25)},
	})
	start := day(2024, time.January, 1)
	res := f.seedResource(t, nil, start)
	ctx := context.Background()

	if err := f.m.RegisterResource(ctx, f.db, res, orderdomain.TypeCreate, start); err != nil {
		t.Fatalf("register: %v", err)
	}
	// No switch fee on creation.
	if items := f.items(t, offeringdomain.BillingTypeOnPlanSwitch); len(items) != 0 {
		t.Fatalf("creation charged a switch fee")
	}

	// The new plan doubles the price.
	oldPlanID := f.plan.ID
	newPlan := offeringdomain.Plan{
		ID:         f.node.Generate(),
		OfferingID: f.offering.ID,
		Name:       "premium",
		Unit:       offeringdomain.UnitMonth,
		Components: []offeringdomain.PlanComponent{
			{ID: f.node.Generate(), ComponentType: "deployment", Price: decimal.NewFromInt(620), Amount: 1},
			{ID: f.node.Generate(), ComponentType: "switch_fee", Price: decimal.NewFromInt(25), Amount: 1},
		},
	}
	newPlan.Components[0].PlanID = newPlan.ID
	newPlan.Components[1].PlanID = newPlan.ID
	if err := f.db.Create(&newPlan).Error; err != nil {
		t.Fatalf("seed new plan: %v", err)
	}
	res.PlanID = newPlan.ID
	if err := f.db.Model(&resourcedomain.Resource{}).Where("id = ?", res.ID).Update("plan_id", newPlan.ID).Error; err != nil {
		t.Fatalf("apply plan: %v", err)
	}

	switchAt := day(2024, time.January, 16)
	if err := f.m.SwitchPlan(ctx, f.db, res, oldPlanID, newPlan.ID, switchAt); err != nil {
		t.Fatalf("switch plan: %v", err)
	}

	fixed := f.items(t, offeringdomain.BillingTypeFixed)
	if len(fixed) != 2 {
		t.Fatalf("expected 2 fixed items after switch, got %d", len(fixed))
	}
	if !fixed[0].End.Equal(switchAt) {
		t.Errorf("old item sealed at %s, want %s", fixed[0].End, switchAt)
	}
	if !fixed[1].Start.Equal(switchAt) {
		t.Errorf("new item starts at %s, want %s", fixed[1].Start, switchAt)
	}
	// 15 days at 310/month plus 16 days at 620/month.
	oldShare := fixed[0].Price()
	newShare := fixed[1].Price()
	if !oldShare.Equal(decimal.NewFromInt(150)) {
		t.Errorf("old plan share = %s, want 150", oldShare)
	}
	if !newShare.Equal(decimal.NewFromInt(320)) {
		t.Errorf("new plan share = %s, want 320", newShare)
	}

	fees := f.items(t, offeringdomain.BillingTypeOnPlanSwitch)
	if len(fees) != 1 {
		t.Fatalf("expected 1 switch fee, got %d", len(fees))
	}
	if got := fees[0].Price(); !got.Equal(decimal.NewFromInt(25)) {
		t.Errorf("switch fee = %s, want 25", got)
	}
	if total := f.invoiceTotal(t); !total.Equal(decimal.NewFromInt(495)) {
		t.Errorf("invoice total = %s, want 495", total)
	}
}

func TestTerminateSealsOpenItems(t *testing.T) {
	f := setupFixture(t)
	f.seedCatalog(t, offeringdomain.UnitMonth, []componentPrice{
		{fixedComponent("deployment"), decimal.NewFromInt(310)},
	})
	start := day(2024, time.January, 1)
	res := f.seedResource(t, nil, start)
	ctx := context.Background()

	if err := f.m.RegisterResource(ctx, f.db, res, orderdomain.TypeCreate, start); err != nil {
		t.Fatalf("register: %v", err)
	}
	terminateAt := day(2024, time.January, 16)
	if err := f.m.TerminateResource(ctx, f.db, res, terminateAt); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	items := f.items(t, offeringdomain.BillingTypeFixed)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if !items[0].End.Equal(terminateAt) {
		t.Errorf("item sealed at %s, want %s", items[0].End, terminateAt)
	}
	if got := items[0].Price(); !got.Equal(decimal.NewFromInt(150)) {
		t.Errorf("final charge = %s, want 150", got)
	}

	var open int64
	err := f.db.Model(&usagedomain.ResourcePlanPeriod{}).
		Where("resource_id = ? AND \"end\" IS NULL", res.ID).Count(&open).Error
	if err != nil {
		t.Fatalf("count periods: %v", err)
	}
	if open != 0 {
		t.Errorf("%d plan periods left open after termination", open)
	}
}

func TestNonBillableOfferingIsSkipped(t *testing.T) {
	f := setupFixture(t)
	f.seedCatalog(t, offeringdomain.UnitMonth, []componentPrice{
		{fixedComponent("deployment"), decimal.NewFromInt(310)},
	})
	if err := f.db.Model(&offeringdomain.Offering{}).Where("id = ?", f.offering.ID).Update("billable", false).Error; err != nil {
		t.Fatalf("mark non-billable: %v", err)
	}
	start := day(2024, time.January, 1)
	res := f.seedResource(t, nil, start)

	if err := f.m.RegisterResource(context.Background(), f.db, res, orderdomain.TypeCreate, start); err != nil {
		t.Fatalf("register: %v", err)
	}
	var count int64
	if err := f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error; err != nil {
		t.Fatalf("count invoices: %v", err)
	}
	if count != 0 {
		t.Errorf("non-billable offering produced %d invoices", count)
	}
}
