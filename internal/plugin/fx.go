package plugin

import (
	"context"

	"github.com/smallbiznis/mercat/internal/config"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	"github.com/smallbiznis/mercat/internal/order/processor"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Built-in offering type keys.
const (
	OfferingTypeBasic      = "marketplace.basic"
	OfferingTypeAllocation = "marketplace.allocation"
	OfferingTypeTenant     = "marketplace.tenant"
)

var Module = fx.Module("plugin",
	fx.Provide(NewRegistry),
	fx.Invoke(registerBuiltins),
)

// registerBuiltins installs the built-in offering types and freezes the
// registry once the application starts serving.
func registerBuiltins(lc fx.Lifecycle, registry *Registry, cfg config.Config, log *zap.Logger) error {
	client := processor.NewProvisioningClient(cfg.Provisioner.BaseURL, cfg.Provisioner.APIKey)

	descriptors := []Descriptor{
		{
			OfferingType:    OfferingTypeBasic,
			CreateProcessor: processor.BasicCreateProcessor{},
			UpdateProcessor: processor.BasicUpdateProcessor{},
			DeleteProcessor: processor.BasicDeleteProcessor{},
		},
		{
			OfferingType:    OfferingTypeAllocation,
			CreateProcessor: processor.ScopedCreateProcessor{Kind: "allocation"},
			UpdateProcessor: processor.ScopedUpdateProcessor{Kind: "allocation"},
			DeleteProcessor: processor.ScopedDeleteProcessor{Kind: "allocation"},
			CanUpdateLimits: true,
			Components: []ComponentSpec{
				{Type: "cpu", Name: "CPU hours", BillingType: offeringdomain.BillingTypeLimit, LimitPeriod: offeringdomain.LimitPeriodMonth},
				{Type: "storage", Name: "Storage", BillingType: offeringdomain.BillingTypeLimit, LimitPeriod: offeringdomain.LimitPeriodTotal},
			},
		},
		{
			OfferingType:    OfferingTypeTenant,
			CreateProcessor: processor.InternalAPIProcessor{Client: client, Kind: "tenant", Action: orderdomain.TypeCreate},
			UpdateProcessor: processor.InternalAPIProcessor{Client: client, Kind: "tenant", Action: orderdomain.TypeUpdate},
			DeleteProcessor: processor.InternalAPIProcessor{Client: client, Kind: "tenant", Action: orderdomain.TypeTerminate},
			CanUpdateLimits: true,
		},
	}
	for _, d := range descriptors {
		if err := registry.Register(d); err != nil {
			return err
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			registry.Freeze()
			log.Info("plugin registry frozen", zap.Strings("offering_types", registry.Types()))
			return nil
		},
	})
	return nil
}
