package registrator

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/mercat/internal/invoice/domain"
	"github.com/smallbiznis/mercat/internal/observability/metrics"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	usagedomain "github.com/smallbiznis/mercat/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TriggerRollover marks invoicing runs caused by the monthly rollover rather
// than an order completion.
const TriggerRollover orderdomain.Type = "ROLLOVER"

var errResourceWithoutPlan = errors.New("resource_without_plan")

// Marketplace is the default invoicing strategy. It is stateless and safe to
// share across concurrent transactions.
type Marketplace struct {
	log        *zap.Logger
	genID      *snowflake.Node
	invoiceSvc invoicedomain.Service
	metrics    *metrics.BillingMetrics
}

// MarketplaceParam collects the strategy's dependencies.
type MarketplaceParam struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	InvoiceSvc invoicedomain.Service
}

// NewMarketplace builds the default strategy.
func NewMarketplace(p MarketplaceParam) *Marketplace {
	return &Marketplace{
		log:        p.Log.Named("invoice.registrator"),
		genID:      p.GenID,
		invoiceSvc: p.InvoiceSvc,
		metrics:    metrics.Billing(),
	}
}

type billingContext struct {
	offering offeringdomain.Offering
	plan     offeringdomain.Plan
	prices   map[string]offeringdomain.PlanComponent
}

func (m *Marketplace) loadContext(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource) (*billingContext, error) {
	var offering offeringdomain.Offering
	if err := tx.WithContext(ctx).Preload("Components").First(&offering, res.OfferingID).Error; err != nil {
		return nil, err
	}
	if res.PlanID == 0 {
		return nil, errResourceWithoutPlan
	}
	var plan offeringdomain.Plan
	if err := tx.WithContext(ctx).Preload("Components").First(&plan, res.PlanID).Error; err != nil {
		return nil, err
	}

	prices := make(map[string]offeringdomain.PlanComponent, len(plan.Components))
	for _, pc := range plan.Components {
		prices[pc.ComponentType] = pc
	}
	return &billingContext{offering: offering, plan: plan, prices: prices}, nil
}

// RegisterResource materializes items for a resource from start onward.
func (m *Marketplace) RegisterResource(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, trigger orderdomain.Type, start time.Time) error {
	bctx, err := m.loadContext(ctx, tx, res)
	if err != nil {
		return err
	}
	if !bctx.offering.Billable {
		return nil
	}

	inv, err := m.invoiceSvc.GetOrCreate(ctx, tx, res.OrgID, start.Year(), int(start.Month()))
	if err != nil {
		return err
	}

	if trigger == orderdomain.TypeCreate {
		if err := m.openPlanPeriod(ctx, tx, res, start); err != nil {
			return err
		}
	}

	if err := m.registerComponents(ctx, tx, res, bctx, inv, trigger, start); err != nil {
		return err
	}
	_, err = m.invoiceSvc.RecomputeTotal(ctx, tx, inv.ID)
	return err
}

func (m *Marketplace) registerComponents(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, bctx *billingContext, inv *invoicedomain.Invoice, trigger orderdomain.Type, start time.Time) error {
	for _, comp := range bctx.offering.Components {
		if comp.BillingType == offeringdomain.BillingTypeUsage {
			// Usage items materialize from reports, not state transitions.
			continue
		}
		pc, ok := bctx.prices[comp.Type]
		if !ok {
			m.warn("missing_plan_component", res, comp.Type)
			continue
		}

		var err error
		switch comp.BillingType {
		case offeringdomain.BillingTypeFixed:
			err = m.registerFixed(ctx, tx, res, bctx, comp, pc, inv, start)
		case offeringdomain.BillingTypeOneTime:
			if trigger == orderdomain.TypeCreate {
				err = m.registerOneTime(ctx, tx, res, bctx, comp, pc, inv, start)
			}
		case offeringdomain.BillingTypeOnPlanSwitch:
			if trigger == orderdomain.TypeUpdate {
				err = m.createItem(ctx, tx, inv, res, bctx, comp, pc.FlatPrice(), decimal.NewFromInt(1), offeringdomain.UnitQuantity, start, start)
			}
		case offeringdomain.BillingTypeLimit:
			err = m.registerLimit(ctx, tx, res, bctx, comp, pc, inv, trigger, start)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Marketplace) registerFixed(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, bctx *billingContext, comp offeringdomain.OfferingComponent, pc offeringdomain.PlanComponent, inv *invoicedomain.Invoice, start time.Time) error {
	open, err := m.hasOpenItem(ctx, tx, res.ID, comp.Type, inv.ID, offeringdomain.BillingTypeFixed, start)
	if err != nil {
		return err
	}
	if open {
		return nil
	}
	return m.createItem(ctx, tx, inv, res, bctx, comp, pc.FlatPrice(), decimal.Zero, bctx.plan.Unit, start, inv.PeriodEnd())
}

func (m *Marketplace) registerOneTime(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, bctx *billingContext, comp offeringdomain.OfferingComponent, pc offeringdomain.PlanComponent, inv *invoicedomain.Invoice, start time.Time) error {
	var count int64
	err := tx.WithContext(ctx).Model(&invoicedomain.InvoiceItem{}).
		Where("resource_id = ? AND component_type = ? AND billing_type = ?",
			res.ID, comp.Type, offeringdomain.BillingTypeOneTime).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return m.createItem(ctx, tx, inv, res, bctx, comp, pc.FlatPrice(), decimal.NewFromInt(1), offeringdomain.UnitQuantity, start, start)
}

func (m *Marketplace) registerLimit(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, bctx *billingContext, comp offeringdomain.OfferingComponent, pc offeringdomain.PlanComponent, inv *invoicedomain.Invoice, trigger orderdomain.Type, start time.Time) error {
	quantity := res.LimitQuantity(comp.Type)

	if comp.LimitPeriod == offeringdomain.LimitPeriodTotal {
		return m.reconcileLimitTotal(ctx, tx, res, bctx, comp, pc, inv, quantity, start)
	}

	if trigger == orderdomain.TypeCreate {
		if err := m.openLimitPeriod(ctx, tx, res, comp.Type, quantity, start); err != nil {
			return err
		}
	}
	return m.reconcileLimitPeriodItem(ctx, tx, res, bctx, comp, pc, inv, start)
}

// reconcileLimitTotal adjusts a lifetime-scoped limit incrementally: the
// difference against the already-billed balance becomes one new item, a
// credit line with sign-flipped unit price when the limit shrank. Historical
// items are never edited.
func (m *Marketplace) reconcileLimitTotal(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, bctx *billingContext, comp offeringdomain.OfferingComponent, pc offeringdomain.PlanComponent, inv *invoicedomain.Invoice, quantity int64, start time.Time) error {
	balance, err := m.limitTotalBalance(ctx, tx, res.ID, comp.Type)
	if err != nil {
		return err
	}
	diff := decimal.NewFromInt(quantity).Sub(balance)
	if diff.IsZero() {
		return nil
	}
	unitPrice := pc.FlatPrice()
	if diff.IsNegative() {
		unitPrice = unitPrice.Neg()
	}
	return m.createItem(ctx, tx, inv, res, bctx, comp, unitPrice, diff.Abs(), offeringdomain.UnitQuantity, start, start)
}

func (m *Marketplace) limitTotalBalance(ctx context.Context, tx *gorm.DB, resourceID snowflake.ID, componentType string) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE WHEN unit_price >= 0 THEN quantity ELSE -quantity END), 0) AS total
		 FROM invoice_items
		 WHERE resource_id = ? AND component_type = ? AND billing_type = ?`,
		resourceID,
		componentType,
		offeringdomain.BillingTypeLimit,
	).Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

// reconcileLimitPeriodItem recomputes the open MONTH/ANNUAL limit item as a
// time-weighted sum over the component's limit sub-intervals clipped to the
// invoice month.
func (m *Marketplace) reconcileLimitPeriodItem(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, bctx *billingContext, comp offeringdomain.OfferingComponent, pc offeringdomain.PlanComponent, inv *invoicedomain.Invoice, windowStart time.Time) error {
	item, err := m.findOpenItem(ctx, tx, res.ID, comp.Type, inv.ID, offeringdomain.BillingTypeLimit, windowStart)
	if err != nil {
		return err
	}
	if item != nil {
		windowStart = item.Start
	}

	quantity, err := m.limitPeriodQuantity(ctx, tx, res.ID, comp.Type, inv, windowStart)
	if err != nil {
		return err
	}

	if item == nil {
		return m.createItem(ctx, tx, inv, res, bctx, comp, pc.FlatPrice(), quantity, offeringdomain.UnitQuantity, windowStart, inv.PeriodEnd())
	}
	return tx.WithContext(ctx).Model(&invoicedomain.InvoiceItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{"quantity": quantity, "updated_at": time.Now().UTC()}).Error
}

func (m *Marketplace) limitPeriodQuantity(ctx context.Context, tx *gorm.DB, resourceID snowflake.ID, componentType string, inv *invoicedomain.Invoice, windowStart time.Time) (decimal.Decimal, error) {
	var periods []usagedomain.ResourceLimitPeriod
	err := tx.WithContext(ctx).
		Where("resource_id = ? AND component_type = ?", resourceID, componentType).
		Order("start ASC").
		Find(&periods).Error
	if err != nil {
		return decimal.Zero, err
	}

	monthEnd := inv.PeriodEnd()
	days := decimal.NewFromInt(int64(invoicedomain.DaysInMonth(inv.PeriodStart())))
	quantity := decimal.Zero
	for _, period := range periods {
		start := period.Start
		if start.Before(windowStart) {
			start = windowStart
		}
		end := monthEnd
		if period.End != nil && period.End.Before(end) {
			end = *period.End
		}
		if !end.After(start) {
			continue
		}
		weight := decimal.NewFromInt(int64(invoicedomain.FullDays(start, end))).Div(days)
		quantity = quantity.Add(decimal.NewFromInt(period.Quantity).Mul(weight))
	}
	return quantity, nil
}

// TerminateResource closes every open item at the termination instant.
func (m *Marketplace) TerminateResource(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, now time.Time) error {
	bctx, err := m.loadContext(ctx, tx, res)
	if err != nil {
		return err
	}
	inv, err := m.invoiceSvc.GetOrCreate(ctx, tx, res.OrgID, now.Year(), int(now.Month()))
	if err != nil {
		return err
	}

	if err := m.closePlanPeriods(ctx, tx, res.ID, now); err != nil {
		return err
	}
	if err := m.closeLimitPeriods(ctx, tx, res.ID, "", now); err != nil {
		return err
	}

	// Recompute MONTH/ANNUAL limit quantities against the now-closed
	// sub-intervals before sealing the items.
	for _, comp := range bctx.offering.Components {
		if comp.BillingType != offeringdomain.BillingTypeLimit || comp.LimitPeriod == offeringdomain.LimitPeriodTotal {
			continue
		}
		pc, ok := bctx.prices[comp.Type]
		if !ok {
			m.warn("missing_plan_component", res, comp.Type)
			continue
		}
		if err := m.reconcileLimitPeriodItem(ctx, tx, res, bctx, comp, pc, inv, now); err != nil {
			return err
		}
	}

	err = tx.WithContext(ctx).Model(&invoicedomain.InvoiceItem{}).
		Where("resource_id = ? AND invoice_id = ? AND end_time > ?", res.ID, inv.ID, now).
		Updates(map[string]any{"end_time": now, "updated_at": now}).Error
	if err != nil {
		return err
	}
	_, err = m.invoiceSvc.RecomputeTotal(ctx, tx, inv.ID)
	return err
}

// SwitchPlan closes all old-plan time-priced items at now and opens new-plan
// items from now, inside the same invoice.
func (m *Marketplace) SwitchPlan(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, oldPlanID, newPlanID snowflake.ID, now time.Time) error {
	bctx, err := m.loadContext(ctx, tx, res)
	if err != nil {
		return err
	}
	inv, err := m.invoiceSvc.GetOrCreate(ctx, tx, res.OrgID, now.Year(), int(now.Month()))
	if err != nil {
		return err
	}

	err = tx.WithContext(ctx).Model(&invoicedomain.InvoiceItem{}).
		Where("resource_id = ? AND invoice_id = ? AND billing_type IN ? AND end_time > ?",
			res.ID, inv.ID,
			[]offeringdomain.BillingType{offeringdomain.BillingTypeFixed, offeringdomain.BillingTypeLimit},
			now).
		Updates(map[string]any{"end_time": now, "updated_at": now}).Error
	if err != nil {
		return err
	}

	if err := m.closePlanPeriods(ctx, tx, res.ID, now); err != nil {
		return err
	}
	if err := m.openPlanPeriod(ctx, tx, res, now); err != nil {
		return err
	}

	// Reopen limit sub-intervals so the new-plan items accrue from now.
	for _, comp := range bctx.offering.Components {
		if comp.BillingType != offeringdomain.BillingTypeLimit || comp.LimitPeriod == offeringdomain.LimitPeriodTotal {
			continue
		}
		if err := m.closeLimitPeriods(ctx, tx, res.ID, comp.Type, now); err != nil {
			return err
		}
		if err := m.openLimitPeriod(ctx, tx, res, comp.Type, res.LimitQuantity(comp.Type), now); err != nil {
			return err
		}
	}

	if err := m.registerComponents(ctx, tx, res, bctx, inv, orderdomain.TypeUpdate, now); err != nil {
		return err
	}
	_, err = m.invoiceSvc.RecomputeTotal(ctx, tx, inv.ID)
	return err
}

// UpdateLimits adjusts limit-billed items for one component type. The whole
// read-then-write adjustment runs inside the caller's transaction.
func (m *Marketplace) UpdateLimits(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, componentType string, oldQuantity, newQuantity int64, now time.Time) error {
	bctx, err := m.loadContext(ctx, tx, res)
	if err != nil {
		return err
	}
	var comp *offeringdomain.OfferingComponent
	for i := range bctx.offering.Components {
		if bctx.offering.Components[i].Type == componentType {
			comp = &bctx.offering.Components[i]
			break
		}
	}
	if comp == nil || comp.BillingType != offeringdomain.BillingTypeLimit {
		return nil
	}
	pc, ok := bctx.prices[componentType]
	if !ok {
		m.warn("missing_plan_component", res, componentType)
		return nil
	}

	inv, err := m.invoiceSvc.GetOrCreate(ctx, tx, res.OrgID, now.Year(), int(now.Month()))
	if err != nil {
		return err
	}

	if comp.LimitPeriod == offeringdomain.LimitPeriodTotal {
		if err := m.reconcileLimitTotal(ctx, tx, res, bctx, *comp, pc, inv, newQuantity, now); err != nil {
			return err
		}
	} else {
		if err := m.closeLimitPeriods(ctx, tx, res.ID, componentType, now); err != nil {
			return err
		}
		if err := m.openLimitPeriod(ctx, tx, res, componentType, newQuantity, now); err != nil {
			return err
		}
		if err := m.reconcileLimitPeriodItem(ctx, tx, res, bctx, *comp, pc, inv, now); err != nil {
			return err
		}
	}
	_, err = m.invoiceSvc.RecomputeTotal(ctx, tx, inv.ID)
	return err
}

// ReportUsage reconciles a usage-billed item with the latest report:
// last-write-wins on quantity, item interval clipped to the plan period and
// the invoice month.
func (m *Marketplace) ReportUsage(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, usage *usagedomain.ComponentUsage) error {
	bctx, err := m.loadContext(ctx, tx, res)
	if err != nil {
		return err
	}
	pc, ok := bctx.prices[usage.ComponentType]
	if !ok {
		m.warn("missing_plan_component", res, usage.ComponentType)
		return nil
	}

	inv, err := m.invoiceSvc.GetOrCreate(ctx, tx, res.OrgID, usage.BillingYear, usage.BillingMonth)
	if err != nil {
		return err
	}

	var existing invoicedomain.InvoiceItem
	err = tx.WithContext(ctx).
		Where("resource_id = ? AND component_type = ? AND invoice_id = ? AND billing_type = ?",
			res.ID, usage.ComponentType, inv.ID, offeringdomain.BillingTypeUsage).
		First(&existing).Error
	switch {
	case err == nil:
		err = tx.WithContext(ctx).Model(&invoicedomain.InvoiceItem{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{"quantity": usage.Value, "updated_at": time.Now().UTC()}).Error
		if err != nil {
			return err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		start, end := m.usageWindow(ctx, tx, res, usage, inv)
		comp := offeringdomain.OfferingComponent{Type: usage.ComponentType, BillingType: offeringdomain.BillingTypeUsage}
		if err := m.createItem(ctx, tx, inv, res, bctx, comp, pc.Price, usage.Value, offeringdomain.UnitQuantity, start, end); err != nil {
			return err
		}
	default:
		return err
	}

	_, err = m.invoiceSvc.RecomputeTotal(ctx, tx, inv.ID)
	return err
}

func (m *Marketplace) usageWindow(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, usage *usagedomain.ComponentUsage, inv *invoicedomain.Invoice) (time.Time, time.Time) {
	start := inv.PeriodStart()
	end := inv.PeriodEnd()
	var period usagedomain.ResourcePlanPeriod
	err := tx.WithContext(ctx).
		Where("resource_id = ? AND \"end\" IS NULL", res.ID).
		Order("start DESC").
		First(&period).Error
	if err != nil {
		return start, end
	}
	clippedStart, clippedEnd := invoicedomain.ClampToMonth(period.Start, end, start)
	return clippedStart, clippedEnd
}

func (m *Marketplace) openPlanPeriod(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, start time.Time) error {
	return tx.WithContext(ctx).Create(&usagedomain.ResourcePlanPeriod{
		ID:         m.genID.Generate(),
		ResourceID: res.ID,
		PlanID:     res.PlanID,
		Start:      start,
		CreatedAt:  time.Now().UTC(),
	}).Error
}

func (m *Marketplace) closePlanPeriods(ctx context.Context, tx *gorm.DB, resourceID snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).Model(&usagedomain.ResourcePlanPeriod{}).
		Where("resource_id = ? AND \"end\" IS NULL", resourceID).
		Update("end", now).Error
}

func (m *Marketplace) openLimitPeriod(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, componentType string, quantity int64, start time.Time) error {
	return tx.WithContext(ctx).Create(&usagedomain.ResourceLimitPeriod{
		ID:            m.genID.Generate(),
		ResourceID:    res.ID,
		ComponentType: componentType,
		Quantity:      quantity,
		Start:         start,
		CreatedAt:     time.Now().UTC(),
	}).Error
}

func (m *Marketplace) closeLimitPeriods(ctx context.Context, tx *gorm.DB, resourceID snowflake.ID, componentType string, now time.Time) error {
	query := tx.WithContext(ctx).Model(&usagedomain.ResourceLimitPeriod{}).
		Where("resource_id = ? AND \"end\" IS NULL", resourceID)
	if componentType != "" {
		query = query.Where("component_type = ?", componentType)
	}
	return query.Update("end", now).Error
}

func (m *Marketplace) hasOpenItem(ctx context.Context, tx *gorm.DB, resourceID snowflake.ID, componentType string, invoiceID snowflake.ID, billingType offeringdomain.BillingType, at time.Time) (bool, error) {
	item, err := m.findOpenItem(ctx, tx, resourceID, componentType, invoiceID, billingType, at)
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

func (m *Marketplace) findOpenItem(ctx context.Context, tx *gorm.DB, resourceID snowflake.ID, componentType string, invoiceID snowflake.ID, billingType offeringdomain.BillingType, at time.Time) (*invoicedomain.InvoiceItem, error) {
	var item invoicedomain.InvoiceItem
	err := tx.WithContext(ctx).
		Where("resource_id = ? AND component_type = ? AND invoice_id = ? AND billing_type = ? AND end_time > ?",
			resourceID, componentType, invoiceID, billingType, at).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (m *Marketplace) createItem(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, res *resourcedomain.Resource, bctx *billingContext, comp offeringdomain.OfferingComponent, unitPrice, quantity decimal.Decimal, unit offeringdomain.BillingUnit, start, end time.Time) error {
	resourceID := res.ID
	now := time.Now().UTC()
	details := invoicedomain.DetailsSnapshot(res.ID, bctx.offering.ID, res.PlanID, res.Name, bctx.offering.Type, comp.Type)
	details["billing_type"] = string(comp.BillingType)
	if comp.BillingType == offeringdomain.BillingTypeLimit {
		details["limit_period"] = string(comp.LimitPeriod)
	}
	return tx.WithContext(ctx).Create(&invoicedomain.InvoiceItem{
		ID:            m.genID.Generate(),
		InvoiceID:     inv.ID,
		ResourceID:    &resourceID,
		ComponentType: comp.Type,
		BillingType:   comp.BillingType,
		Unit:          unit,
		UnitPrice:     unitPrice,
		Quantity:      quantity,
		Start:         start,
		End:           end,
		Details:       details,
		CreatedAt:     now,
		UpdatedAt:     now,
	}).Error
}

func (m *Marketplace) warn(reason string, res *resourcedomain.Resource, componentType string) {
	m.metrics.IncInvoicingWarning(reason)
	m.log.Warn("invoicing item skipped",
		zap.String("reason", reason),
		zap.String("resource_id", res.ID.String()),
		zap.String("component_type", componentType),
	)
}
