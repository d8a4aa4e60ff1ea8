package invoice

import (
	"github.com/smallbiznis/mercat/internal/invoice/registrator"
	"github.com/smallbiznis/mercat/internal/invoice/service"
	"github.com/smallbiznis/mercat/internal/plugin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("invoice.service",
	fx.Provide(service.NewService),
	fx.Provide(registrator.NewMarketplace),
	fx.Provide(provideResolver),
	fx.Invoke(RegisterHooks),
)

func provideResolver(registry *plugin.Registry, marketplace *registrator.Marketplace, log *zap.Logger) *registrator.Resolver {
	return registrator.NewResolver(registry, marketplace, log)
}
