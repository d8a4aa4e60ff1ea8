// Package service ingests usage reports.
package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mercat/internal/clock"
	"github.com/smallbiznis/mercat/internal/events"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	usagedomain "github.com/smallbiznis/mercat/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clk        clock.Clock
	dispatcher *events.Dispatcher
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Dispatcher *events.Dispatcher
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		clk:        p.Clock,
		dispatcher: p.Dispatcher,
	}
}

// Report validates and stores one usage value. Reports are last-write-wins
// per (resource, component, billing month); the matching invoice item is
// reconciled inside the same transaction.
func (s *Service) Report(ctx context.Context, req usagedomain.ReportUsageRequest) (*usagedomain.ComponentUsage, error) {
	resourceID, err := snowflake.ParseString(strings.TrimSpace(req.ResourceID))
	if err != nil {
		return nil, usagedomain.ErrInvalidResource
	}
	componentType := strings.TrimSpace(req.ComponentType)
	if componentType == "" {
		return nil, usagedomain.ErrInvalidComponentType
	}
	if req.Value.IsNegative() {
		return nil, usagedomain.ErrInvalidValue
	}

	var usage *usagedomain.ComponentUsage
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res resourcedomain.Resource
		err := tx.First(&res, resourceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return usagedomain.ErrInvalidResource
		}
		if err != nil {
			return err
		}
		if res.State != resourcedomain.StateOK && res.State != resourcedomain.StateUpdating {
			return usagedomain.ErrResourceNotBillable
		}

		var comp offeringdomain.OfferingComponent
		err = tx.Where("offering_id = ? AND type = ?", res.OfferingID, componentType).First(&comp).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return usagedomain.ErrInvalidComponentType
		}
		if err != nil {
			return err
		}
		if comp.BillingType != offeringdomain.BillingTypeUsage {
			return usagedomain.ErrComponentNotUsage
		}

		var period usagedomain.ResourcePlanPeriod
		err = tx.Where("resource_id = ? AND \"end\" IS NULL", res.ID).
			Order("start DESC").
			First(&period).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return usagedomain.ErrNoOpenPlanPeriod
		}
		if err != nil {
			return err
		}

		now := s.clk.Now()
		record := usagedomain.ComponentUsage{
			ID:            s.genID.Generate(),
			ResourceID:    res.ID,
			ComponentType: componentType,
			BillingYear:   now.Year(),
			BillingMonth:  int(now.Month()),
			PlanPeriodID:  period.ID,
			Value:         req.Value,
			RecordedAt:    now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err = tx.Exec(
			`INSERT INTO component_usages (id, resource_id, component_type, billing_year, billing_month, plan_period_id, value, recorded_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (resource_id, component_type, billing_year, billing_month)
			 DO UPDATE SET value = EXCLUDED.value, plan_period_id = EXCLUDED.plan_period_id, recorded_at = EXCLUDED.recorded_at, updated_at = EXCLUDED.updated_at`,
			record.ID,
			record.ResourceID,
			record.ComponentType,
			record.BillingYear,
			record.BillingMonth,
			record.PlanPeriodID,
			record.Value,
			record.RecordedAt,
			record.CreatedAt,
			record.UpdatedAt,
		).Error
		if err != nil {
			return err
		}
		// Re-read into a fresh value: on conflict the surviving row keeps the
		// first report's ID, not the one generated above.
		var stored usagedomain.ComponentUsage
		err = tx.Where("resource_id = ? AND component_type = ? AND billing_year = ? AND billing_month = ?",
			res.ID, componentType, record.BillingYear, record.BillingMonth).
			First(&stored).Error
		if err != nil {
			return err
		}
		usage = &stored

		return s.dispatcher.Dispatch(ctx, tx, events.UsageReported{
			Resource:      &res,
			ComponentType: componentType,
			Value:         req.Value,
			PlanPeriodID:  period.ID,
			At:            now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("usage reported",
		zap.String("resource_id", resourceID.String()),
		zap.String("component_type", componentType),
		zap.String("value", req.Value.String()),
	)
	return usage, nil
}
