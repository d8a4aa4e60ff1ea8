package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mercat/internal/clock"
	"github.com/smallbiznis/mercat/internal/config"
	"github.com/smallbiznis/mercat/internal/events"
	"github.com/smallbiznis/mercat/internal/invoice"
	"github.com/smallbiznis/mercat/internal/ledger"
	"github.com/smallbiznis/mercat/internal/logger"
	"github.com/smallbiznis/mercat/internal/migration"
	"github.com/smallbiznis/mercat/internal/observability/tracing"
	"github.com/smallbiznis/mercat/internal/offering"
	"github.com/smallbiznis/mercat/internal/order"
	"github.com/smallbiznis/mercat/internal/plugin"
	"github.com/smallbiznis/mercat/internal/scheduler"
	"github.com/smallbiznis/mercat/internal/server"
	"github.com/smallbiznis/mercat/internal/usage"
	"github.com/smallbiznis/mercat/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		db.Module,
		migration.Module,
		clock.Module,
		tracing.Module,
		events.Module,
		plugin.Module,
		offering.Module,
		order.Module,
		invoice.Module,
		usage.Module,
		ledger.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}
