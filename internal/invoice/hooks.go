// Package invoice wires the invoicing strategies into the domain event
// stream. Invoicing observes resource lifecycle events inside the emitting
// transaction but never vetoes it: a billing failure is logged and counted,
// not propagated, so a resource transition cannot be blocked by its invoice.
package invoice

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mercat/internal/cache"
	"github.com/smallbiznis/mercat/internal/events"
	"github.com/smallbiznis/mercat/internal/invoice/registrator"
	"github.com/smallbiznis/mercat/internal/observability/metrics"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	usagedomain "github.com/smallbiznis/mercat/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const offeringTypeTTL = 5 * time.Minute

// Hooks subscribes invoicing to resource lifecycle events.
type Hooks struct {
	resolver *registrator.Resolver
	log      *zap.Logger
	metrics  *metrics.BillingMetrics

	// Offering types are immutable after creation, so a short-lived cache
	// avoids one lookup per dispatched event on the hot path.
	offeringTypes *cache.Expiring[snowflake.ID, string]
}

// RegisterHooks installs the invoicing event handlers during bootstrap.
func RegisterHooks(dispatcher *events.Dispatcher, resolver *registrator.Resolver, log *zap.Logger) *Hooks {
	h := &Hooks{
		resolver:      resolver,
		log:           log.Named("invoice.hooks"),
		metrics:       metrics.Billing(),
		offeringTypes: cache.NewExpiring[snowflake.ID, string](offeringTypeTTL),
	}
	dispatcher.Subscribe(events.EventResourceStateChanged, h.onResourceStateChanged)
	dispatcher.Subscribe(events.EventPlanSwitched, h.onPlanSwitched)
	dispatcher.Subscribe(events.EventLimitsChanged, h.onLimitsChanged)
	dispatcher.Subscribe(events.EventUsageReported, h.onUsageReported)
	return h
}

func (h *Hooks) onResourceStateChanged(ctx context.Context, tx *gorm.DB, event events.Event) error {
	e, ok := event.(events.ResourceStateChanged)
	if !ok {
		return nil
	}
	switch {
	case e.New == resourcedomain.StateOK && e.OrderType == orderdomain.TypeCreate:
		h.run(ctx, tx, e.Resource, "register_resource", func(r registrator.Registrator) error {
			return r.RegisterResource(ctx, tx, e.Resource, e.OrderType, e.At)
		})
	case e.New == resourcedomain.StateTerminated:
		h.run(ctx, tx, e.Resource, "terminate_resource", func(r registrator.Registrator) error {
			return r.TerminateResource(ctx, tx, e.Resource, e.At)
		})
	}
	return nil
}

func (h *Hooks) onPlanSwitched(ctx context.Context, tx *gorm.DB, event events.Event) error {
	e, ok := event.(events.PlanSwitched)
	if !ok {
		return nil
	}
	h.run(ctx, tx, e.Resource, "switch_plan", func(r registrator.Registrator) error {
		return r.SwitchPlan(ctx, tx, e.Resource, e.OldPlanID, e.NewPlanID, e.At)
	})
	return nil
}

func (h *Hooks) onLimitsChanged(ctx context.Context, tx *gorm.DB, event events.Event) error {
	e, ok := event.(events.LimitsChanged)
	if !ok {
		return nil
	}
	h.run(ctx, tx, e.Resource, "update_limits", func(r registrator.Registrator) error {
		return r.UpdateLimits(ctx, tx, e.Resource, e.ComponentType, e.Old, e.New, e.At)
	})
	return nil
}

func (h *Hooks) onUsageReported(ctx context.Context, tx *gorm.DB, event events.Event) error {
	e, ok := event.(events.UsageReported)
	if !ok {
		return nil
	}
	h.run(ctx, tx, e.Resource, "report_usage", func(r registrator.Registrator) error {
		var usage usagedomain.ComponentUsage
		err := tx.WithContext(ctx).
			Where("resource_id = ? AND component_type = ? AND billing_year = ? AND billing_month = ?",
				e.Resource.ID, e.ComponentType, e.At.Year(), int(e.At.Month())).
			First(&usage).Error
		if err != nil {
			return err
		}
		return r.ReportUsage(ctx, tx, e.Resource, &usage)
	})
	return nil
}

// run resolves the strategy for the resource's offering type and invokes the
// billing operation, swallowing its error.
func (h *Hooks) run(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, operation string, fn func(registrator.Registrator) error) {
	offeringType, err := h.offeringType(ctx, tx, res.OfferingID)
	if err != nil {
		h.fail(operation, res, err)
		return
	}
	if err := fn(h.resolver.ForOfferingType(offeringType)); err != nil {
		h.fail(operation, res, err)
	}
}

func (h *Hooks) offeringType(ctx context.Context, tx *gorm.DB, offeringID snowflake.ID) (string, error) {
	return h.offeringTypes.Lookup(offeringID, func() (string, error) {
		var offering offeringdomain.Offering
		if err := tx.WithContext(ctx).Select("type").First(&offering, offeringID).Error; err != nil {
			return "", err
		}
		return offering.Type, nil
	})
}

func (h *Hooks) fail(operation string, res *resourcedomain.Resource, err error) {
	h.metrics.IncInvoicingWarning(operation)
	h.log.Error("invoicing hook failed",
		zap.String("operation", operation),
		zap.String("resource_id", res.ID.String()),
		zap.Error(err),
	)
}
