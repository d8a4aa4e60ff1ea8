// Package events carries typed domain events between the order/usage
// services and their observers. Dispatch is synchronous and runs inside the
// caller's transaction, so observers (invoicing above all) see the precise
// state-transition instant.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event names.
const (
	EventResourceStateChanged = "resource.state_changed"
	EventPlanSwitched         = "resource.plan_switched"
	EventLimitsChanged        = "resource.limits_changed"
	EventUsageReported        = "resource.usage_reported"
	EventOrderApproved        = "order.approved"
	EventOrderRejected        = "order.rejected"
	EventInvoiceCreated       = "invoice.created"
)

// Event is a typed domain event.
type Event interface {
	EventType() string
}

// ResourceStateChanged fires whenever a resource crosses a lifecycle edge.
// OrderType carries the trigger so invoicing can distinguish a CREATE
// completion from a monthly rollover or an async backend flip.
type ResourceStateChanged struct {
	Resource  *resourcedomain.Resource
	Old       resourcedomain.State
	New       resourcedomain.State
	OrderType orderdomain.Type
	At        time.Time
}

func (ResourceStateChanged) EventType() string { return EventResourceStateChanged }

// PlanSwitched fires when a completed UPDATE order changes a resource plan.
type PlanSwitched struct {
	Resource  *resourcedomain.Resource
	OldPlanID snowflake.ID
	NewPlanID snowflake.ID
	At        time.Time
}

func (PlanSwitched) EventType() string { return EventPlanSwitched }

// LimitsChanged fires per component type when a completed UPDATE order
// changes resource limits.
type LimitsChanged struct {
	Resource      *resourcedomain.Resource
	ComponentType string
	Old           int64
	New           int64
	At            time.Time
}

func (LimitsChanged) EventType() string { return EventLimitsChanged }

// UsageReported fires when a usage report is accepted.
type UsageReported struct {
	Resource      *resourcedomain.Resource
	ComponentType string
	Value         decimal.Decimal
	PlanPeriodID  snowflake.ID
	At            time.Time
}

func (UsageReported) EventType() string { return EventUsageReported }

// OrderDecision fires on order approval or rejection, for notification
// delivery through the outbox.
type OrderDecision struct {
	OrderID    snowflake.ID
	OrgID      snowflake.ID
	Approved   bool
	ActingUser string
	At         time.Time
}

func (e OrderDecision) EventType() string {
	if e.Approved {
		return EventOrderApproved
	}
	return EventOrderRejected
}

// InvoiceCreated fires when a new monthly invoice row materializes.
type InvoiceCreated struct {
	InvoiceID snowflake.ID
	OrgID     snowflake.ID
	Year      int
	Month     int
	At        time.Time
}

func (InvoiceCreated) EventType() string { return EventInvoiceCreated }

// Handler observes one event type inside the emitting transaction.
type Handler func(ctx context.Context, tx *gorm.DB, event Event) error

// Dispatcher routes events to subscribed handlers. Subscriptions happen
// during bootstrap; dispatch is concurrent-safe afterwards.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *zap.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]Handler),
		log:      log.Named("events"),
	}
}

// Subscribe registers a handler for an event type.
func (d *Dispatcher) Subscribe(eventType string, handler Handler) {
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
	d.mu.Unlock()
}

// Dispatch invokes every handler for the event in subscription order. The
// first handler error aborts the remainder and propagates; handlers that
// must never fail the emitting transaction swallow their own errors.
func (d *Dispatcher) Dispatch(ctx context.Context, tx *gorm.DB, event Event) error {
	d.mu.RLock()
	handlers := d.handlers[event.EventType()]
	d.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, tx, event); err != nil {
			d.log.Error("event handler failed",
				zap.String("event", event.EventType()),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}
