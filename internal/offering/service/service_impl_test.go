package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	"github.com/smallbiznis/mercat/internal/order/processor"
	"github.com/smallbiznis/mercat/internal/plugin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupCatalog(t *testing.T) (offeringdomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&offeringdomain.Offering{},
		&offeringdomain.OfferingComponent{},
		&offeringdomain.Plan{},
		&offeringdomain.PlanComponent{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	registry := plugin.NewRegistry()
	err = registry.Register(plugin.Descriptor{
		OfferingType:    "test.vm",
		CreateProcessor: processor.BasicCreateProcessor{},
		UpdateProcessor: processor.BasicUpdateProcessor{},
		DeleteProcessor: processor.BasicDeleteProcessor{},
		Components: []plugin.ComponentSpec{
			{Type: "deployment", Name: "Deployment", BillingType: offeringdomain.BillingTypeFixed},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), GenID: node, Registry: registry})
	return svc, db, node
}

func createDraft(t *testing.T, svc offeringdomain.Service, node *snowflake.Node) *offeringdomain.Offering {
	t.Helper()
	offering, err := svc.Create(context.Background(), offeringdomain.CreateOfferingRequest{
		ProviderID: node.Generate().String(),
		Type:       "test.vm",
		Name:       "Virtual machines",
		Components: []offeringdomain.CreateComponentRequest{
			{Type: "deployment", Name: "Deployment", BillingType: offeringdomain.BillingTypeFixed},
			{Type: "cpu", Name: "CPU", BillingType: offeringdomain.BillingTypeUsage},
		},
	})
	if err != nil {
		t.Fatalf("create offering: %v", err)
	}
	return offering
}

func TestCreateOffering(t *testing.T) {
	svc, db, node := setupCatalog(t)
	offering := createDraft(t, svc, node)

	if offering.State != offeringdomain.OfferingStateDraft {
		t.Errorf("new offering state = %s, want DRAFT", offering.State)
	}
	if !offering.Billable {
		t.Error("billable must default to true")
	}
	var components int64
	if err := db.Model(&offeringdomain.OfferingComponent{}).Where("offering_id = ?", offering.ID).Count(&components).Error; err != nil {
		t.Fatalf("count components: %v", err)
	}
	if components != 2 {
		t.Errorf("%d components persisted, want 2", components)
	}
}

func TestCreateOfferingValidation(t *testing.T) {
	svc, _, node := setupCatalog(t)
	ctx := context.Background()
	provider := node.Generate().String()

	_, err := svc.Create(ctx, offeringdomain.CreateOfferingRequest{
		ProviderID: provider, Type: "unregistered.kind", Name: "mystery",
	})
	if !errors.Is(err, plugin.ErrPluginNotFound) {
		t.Errorf("unregistered type: %v", err)
	}

	// The descriptor's declared components are mandatory.
	_, err = svc.Create(ctx, offeringdomain.CreateOfferingRequest{
		ProviderID: provider, Type: "test.vm", Name: "vm",
		Components: []offeringdomain.CreateComponentRequest{
			{Type: "cpu", Name: "CPU", BillingType: offeringdomain.BillingTypeUsage},
		},
	})
	if !errors.Is(err, offeringdomain.ErrInvalidComponent) {
		t.Errorf("missing mandatory component: %v", err)
	}

	_, err = svc.Create(ctx, offeringdomain.CreateOfferingRequest{
		ProviderID: provider, Type: "test.vm", Name: "vm",
		Components: []offeringdomain.CreateComponentRequest{
			{Type: "deployment", Name: "Deployment", BillingType: "hourly"},
		},
	})
	if !errors.Is(err, offeringdomain.ErrInvalidComponent) {
		t.Errorf("bad billing type: %v", err)
	}

	_, err = svc.Create(ctx, offeringdomain.CreateOfferingRequest{
		ProviderID: "not-a-snowflake", Type: "test.vm", Name: "vm",
	})
	if !errors.Is(err, offeringdomain.ErrInvalidProvider) {
		t.Errorf("bad provider: %v", err)
	}
}

func TestAddPlan(t *testing.T) {
	svc, db, node := setupCatalog(t)
	offering := createDraft(t, svc, node)
	ctx := context.Background()

	plan, err := svc.AddPlan(ctx, offeringdomain.AddPlanRequest{
		OfferingID: offering.ID.String(),
		Name:       "standard",
		Unit:       offeringdomain.UnitMonth,
		Components: []offeringdomain.AddPlanComponentRequest{
			{ComponentType: "deployment", Price: decimal.NewFromInt(310)},
			{ComponentType: "cpu", Price: decimal.NewFromInt(2), Amount: 4},
		},
	})
	if err != nil {
		t.Fatalf("add plan: %v", err)
	}

	var pcs []offeringdomain.PlanComponent
	if err := db.Where("plan_id = ?", plan.ID).Order("component_type ASC").Find(&pcs).Error; err != nil {
		t.Fatalf("load plan components: %v", err)
	}
	if len(pcs) != 2 {
		t.Fatalf("%d plan components, want 2", len(pcs))
	}
	// cpu sorts first; amount defaults to 1 when omitted.
	if pcs[0].Amount != 4 || !pcs[0].FlatPrice().Equal(decimal.NewFromInt(8)) {
		t.Errorf("cpu component = amount %d flat %s", pcs[0].Amount, pcs[0].FlatPrice())
	}
	if pcs[1].Amount != 1 {
		t.Errorf("deployment amount = %d, want default 1", pcs[1].Amount)
	}
}

func TestAddPlanValidation(t *testing.T) {
	svc, _, node := setupCatalog(t)
	offering := createDraft(t, svc, node)
	ctx := context.Background()

	priced := []offeringdomain.AddPlanComponentRequest{
		{ComponentType: "deployment", Price: decimal.NewFromInt(310)},
		{ComponentType: "cpu", Price: decimal.NewFromInt(2)},
	}

	_, err := svc.AddPlan(ctx, offeringdomain.AddPlanRequest{
		OfferingID: offering.ID.String(), Name: "p", Unit: "fortnight", Components: priced,
	})
	if !errors.Is(err, offeringdomain.ErrInvalidPlanUnit) {
		t.Errorf("bad unit: %v", err)
	}

	_, err = svc.AddPlan(ctx, offeringdomain.AddPlanRequest{
		OfferingID: offering.ID.String(), Name: "p", Unit: offeringdomain.UnitMonth,
		Components: priced[:1],
	})
	if !errors.Is(err, offeringdomain.ErrInvalidComponent) {
		t.Errorf("unpriced component: %v", err)
	}

	_, err = svc.AddPlan(ctx, offeringdomain.AddPlanRequest{
		OfferingID: offering.ID.String(), Name: "p", Unit: offeringdomain.UnitMonth,
		Components: append(priced, offeringdomain.AddPlanComponentRequest{ComponentType: "ram", Price: decimal.NewFromInt(1)}),
	})
	if !errors.Is(err, offeringdomain.ErrUnknownComponentType) {
		t.Errorf("undeclared component: %v", err)
	}

	_, err = svc.AddPlan(ctx, offeringdomain.AddPlanRequest{
		OfferingID: offering.ID.String(), Name: "p", Unit: offeringdomain.UnitMonth,
		Components: []offeringdomain.AddPlanComponentRequest{
			{ComponentType: "deployment", Price: decimal.NewFromInt(-1)},
			{ComponentType: "cpu", Price: decimal.NewFromInt(2)},
		},
	})
	if !errors.Is(err, offeringdomain.ErrInvalidPrice) {
		t.Errorf("negative price: %v", err)
	}

	_, err = svc.AddPlan(ctx, offeringdomain.AddPlanRequest{
		OfferingID: node.Generate().String(), Name: "p", Unit: offeringdomain.UnitMonth, Components: priced,
	})
	if !errors.Is(err, offeringdomain.ErrOfferingNotFound) {
		t.Errorf("missing offering: %v", err)
	}

	if err := svc.Archive(ctx, offering.ID.String()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, err = svc.AddPlan(ctx, offeringdomain.AddPlanRequest{
		OfferingID: offering.ID.String(), Name: "p", Unit: offeringdomain.UnitMonth, Components: priced,
	})
	if !errors.Is(err, offeringdomain.ErrOfferingArchived) {
		t.Errorf("archived offering: %v", err)
	}
}

func TestOfferingLifecycle(t *testing.T) {
	svc, db, node := setupCatalog(t)
	offering := createDraft(t, svc, node)
	ctx := context.Background()
	id := offering.ID.String()

	if err := svc.Pause(ctx, id); !errors.Is(err, offeringdomain.ErrOfferingNotActive) {
		t.Errorf("pause a draft: %v", err)
	}
	if err := svc.Activate(ctx, id); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := svc.Activate(ctx, id); !errors.Is(err, offeringdomain.ErrOfferingNotDraft) {
		t.Errorf("double activate: %v", err)
	}
	if err := svc.Pause(ctx, id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// A paused offering can come back.
	if err := svc.Activate(ctx, id); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if err := svc.Archive(ctx, id); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := svc.Activate(ctx, id); !errors.Is(err, offeringdomain.ErrOfferingNotDraft) {
		t.Errorf("activate archived: %v", err)
	}

	var got offeringdomain.Offering
	if err := db.First(&got, offering.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.State != offeringdomain.OfferingStateArchived {
		t.Errorf("final state = %s, want ARCHIVED", got.State)
	}

	if err := svc.Activate(ctx, node.Generate().String()); !errors.Is(err, offeringdomain.ErrOfferingNotFound) {
		t.Errorf("missing offering: %v", err)
	}
}
