// Package registrator materializes invoice items from resource lifecycle
// events. Each offering type owns exactly one registrator strategy, resolved
// through the plugin registry; the default marketplace strategy covers the
// five component billing types.
package registrator

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	"github.com/smallbiznis/mercat/internal/plugin"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	usagedomain "github.com/smallbiznis/mercat/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultStrategy is the registrator key used when a plugin descriptor does
// not name one.
const DefaultStrategy = "marketplace"

// Registrator reacts to billing-relevant resource events. Implementations
// perform only local database writes and run inline with the triggering
// transaction.
type Registrator interface {
	// RegisterResource creates the invoice items a resource accrues from
	// start onward. Trigger distinguishes order completions from monthly
	// rollover; idempotent per (resource, component, invoice).
	RegisterResource(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, trigger orderdomain.Type, start time.Time) error
	// TerminateResource closes every open item at the termination instant.
	TerminateResource(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, now time.Time) error
	// SwitchPlan closes old-plan items at now and opens new-plan items from
	// now, within the same invoice.
	SwitchPlan(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, oldPlanID, newPlanID snowflake.ID, now time.Time) error
	// UpdateLimits adjusts limit-billed items for one component type.
	UpdateLimits(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, componentType string, oldQuantity, newQuantity int64, now time.Time) error
	// ReportUsage reconciles a usage-billed item with the latest report.
	ReportUsage(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, usage *usagedomain.ComponentUsage) error
}

// Resolver picks the registrator strategy for an offering type.
type Resolver struct {
	registry   *plugin.Registry
	strategies map[string]Registrator
	log        *zap.Logger
}

// NewResolver builds a resolver over the plugin registry.
func NewResolver(registry *plugin.Registry, defaultStrategy Registrator, log *zap.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		strategies: map[string]Registrator{
			DefaultStrategy: defaultStrategy,
		},
		log: log.Named("invoice.resolver"),
	}
}

// AddStrategy installs a named strategy during bootstrap.
func (r *Resolver) AddStrategy(name string, strategy Registrator) {
	r.strategies[name] = strategy
}

// ForOfferingType resolves the strategy for an offering type, falling back
// to the marketplace default for unregistered or unnamed strategies.
func (r *Resolver) ForOfferingType(offeringType string) Registrator {
	name := DefaultStrategy
	if d, err := r.registry.Get(offeringType); err == nil && d.Registrator != "" {
		name = d.Registrator
	}
	if strategy, ok := r.strategies[name]; ok {
		return strategy
	}
	r.log.Warn("unknown registrator strategy, using default", zap.String("strategy", name))
	return r.strategies[DefaultStrategy]
}
