package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/mercat/internal/clock"
	"github.com/smallbiznis/mercat/internal/events"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	usagedomain "github.com/smallbiznis/mercat/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type usageFixture struct {
	db   *gorm.DB
	svc  usagedomain.Service
	node *snowflake.Node
	clk  *clock.FakeClock
}

func setupUsageFixture(t *testing.T) *usageFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&offeringdomain.Offering{},
		&offeringdomain.OfferingComponent{},
		&resourcedomain.Resource{},
		&usagedomain.ResourcePlanPeriod{},
		&usagedomain.ComponentUsage{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2024, time.January, 20, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	svc := NewService(ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Dispatcher: events.NewDispatcher(log),
	})
	return &usageFixture{db: db, svc: svc, node: node, clk: clk}
}

// seedUsageResource creates an offering with one usage-billed "cpu" component
// and a resource in the given state with an open plan period.
func (f *usageFixture) seedUsageResource(t *testing.T, state resourcedomain.State) *resourcedomain.Resource {
	t.Helper()
	offering := offeringdomain.Offering{
		ID:         f.node.Generate(),
		ProviderID: f.node.Generate(),
		Type:       "test.metered",
		Name:       "metered",
		State:      offeringdomain.OfferingStateActive,
		Billable:   true,
	}
	if err := f.db.Create(&offering).Error; err != nil {
		t.Fatalf("seed offering: %v", err)
	}
	components := []offeringdomain.OfferingComponent{
		{ID: f.node.Generate(), OfferingID: offering.ID, Type: "cpu", Name: "CPU", BillingType: offeringdomain.BillingTypeUsage},
		{ID: f.node.Generate(), OfferingID: offering.ID, Type: "deployment", Name: "Deployment", BillingType: offeringdomain.BillingTypeFixed},
	}
	if err := f.db.Create(&components).Error; err != nil {
		t.Fatalf("seed components: %v", err)
	}
	res := &resourcedomain.Resource{
		ID:         f.node.Generate(),
		ProjectID:  f.node.Generate(),
		OrgID:      f.node.Generate(),
		OfferingID: offering.ID,
		Name:       "res-1",
		State:      state,
	}
	if err := f.db.Create(res).Error; err != nil {
		t.Fatalf("seed resource: %v", err)
	}
	period := usagedomain.ResourcePlanPeriod{
		ID:         f.node.Generate(),
		ResourceID: res.ID,
		PlanID:     f.node.Generate(),
		Start:      time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := f.db.Create(&period).Error; err != nil {
		t.Fatalf("seed plan period: %v", err)
	}
	return res
}

func TestReportLastWriteWins(t *testing.T) {
	f := setupUsageFixture(t)
	res := f.seedUsageResource(t, resourcedomain.StateOK)
	ctx := context.Background()

	first, err := f.svc.Report(ctx, usagedomain.ReportUsageRequest{
		ResourceID:    res.ID.String(),
		ComponentType: "cpu",
		Value:         decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	if !first.Value.Equal(decimal.NewFromInt(5)) {
		t.Errorf("first value = %s", first.Value)
	}

	f.clk.Advance(2 * time.Hour)
	second, err := f.svc.Report(ctx, usagedomain.ReportUsageRequest{
		ResourceID:    res.ID.String(),
		ComponentType: "cpu",
		Value:         decimal.NewFromInt(8),
	})
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("overwrite produced a new row: %s vs %s", second.ID, first.ID)
	}
	if !second.Value.Equal(decimal.NewFromInt(8)) {
		t.Errorf("second value = %s", second.Value)
	}

	var count int64
	if err := f.db.Model(&usagedomain.ComponentUsage{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("%d usage rows for one billing month", count)
	}
}

func TestReportValidation(t *testing.T) {
	f := setupUsageFixture(t)
	res := f.seedUsageResource(t, resourcedomain.StateOK)
	ctx := context.Background()

	cases := []struct {
		name string
		req  usagedomain.ReportUsageRequest
		want error
	}{
		{
			"garbage resource id",
			usagedomain.ReportUsageRequest{ResourceID: "not-a-snowflake", ComponentType: "cpu", Value: decimal.NewFromInt(1)},
			usagedomain.ErrInvalidResource,
		},
		{
			"unknown resource",
			usagedomain.ReportUsageRequest{ResourceID: f.node.Generate().String(), ComponentType: "cpu", Value: decimal.NewFromInt(1)},
			usagedomain.ErrInvalidResource,
		},
		{
			"blank component",
			usagedomain.ReportUsageRequest{ResourceID: res.ID.String(), ComponentType: "  ", Value: decimal.NewFromInt(1)},
			usagedomain.ErrInvalidComponentType,
		},
		{
			"unknown component",
			usagedomain.ReportUsageRequest{ResourceID: res.ID.String(), ComponentType: "ram", Value: decimal.NewFromInt(1)},
			usagedomain.ErrInvalidComponentType,
		},
		{
			"negative value",
			usagedomain.ReportUsageRequest{ResourceID: res.ID.String(), ComponentType: "cpu", Value: decimal.NewFromInt(-1)},
			usagedomain.ErrInvalidValue,
		},
		{
			"fixed component is not reportable",
			usagedomain.ReportUsageRequest{ResourceID: res.ID.String(), ComponentType: "deployment", Value: decimal.NewFromInt(1)},
			usagedomain.ErrComponentNotUsage,
		},
	}
	for _, tc := range cases {
		if _, err := f.svc.Report(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestReportRejectsNonBillableStates(t *testing.T) {
	f := setupUsageFixture(t)
	ctx := context.Background()

	creating := f.seedUsageResource(t, resourcedomain.StateCreating)
	_, err := f.svc.Report(ctx, usagedomain.ReportUsageRequest{
		ResourceID:    creating.ID.String(),
		ComponentType: "cpu",
		Value:         decimal.NewFromInt(1),
	})
	if !errors.Is(err, usagedomain.ErrResourceNotBillable) {
		t.Errorf("CREATING resource: %v", err)
	}

	// An UPDATING resource still bills: the backend keeps metering during a
	// plan change.
	updating := f.seedUsageResource(t, resourcedomain.StateUpdating)
	if _, err := f.svc.Report(ctx, usagedomain.ReportUsageRequest{
		ResourceID:    updating.ID.String(),
		ComponentType: "cpu",
		Value:         decimal.NewFromInt(2),
	}); err != nil {
		t.Errorf("UPDATING resource: %v", err)
	}
}

func TestReportNeedsOpenPlanPeriod(t *testing.T) {
	f := setupUsageFixture(t)
	res := f.seedUsageResource(t, resourcedomain.StateOK)
	ctx := context.Background()

	closed := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
	if err := f.db.Model(&usagedomain.ResourcePlanPeriod{}).
		Where("resource_id = ?", res.ID).
		Update("end", closed).Error; err != nil {
		t.Fatalf("close period: %v", err)
	}

	_, err := f.svc.Report(ctx, usagedomain.ReportUsageRequest{
		ResourceID:    res.ID.String(),
		ComponentType: "cpu",
		Value:         decimal.NewFromInt(1),
	})
	if !errors.Is(err, usagedomain.ErrNoOpenPlanPeriod) {
		t.Errorf("closed period: %v", err)
	}
}
