// Package scheduler runs the periodic billing work: the monthly invoice
// rollover, finalization of the previous month, and the stuck-order sweep.
// Every pass is idempotent, so concurrent replicas and restarts are safe;
// batches are claimed with FOR UPDATE SKIP LOCKED so replicas shard the work
// instead of serializing on it.
package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/mercat/internal/clock"
	"github.com/smallbiznis/mercat/internal/config"
	"github.com/smallbiznis/mercat/internal/events"
	invoicedomain "github.com/smallbiznis/mercat/internal/invoice/domain"
	"github.com/smallbiznis/mercat/internal/invoice/registrator"
	ledgerdomain "github.com/smallbiznis/mercat/internal/ledger/domain"
	"github.com/smallbiznis/mercat/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Scheduler struct {
	db  *gorm.DB
	log *zap.Logger
	cfg config.SchedulerConfig

	clk        clock.Clock
	resolver   *registrator.Resolver
	invoiceSvc invoicedomain.Service
	ledgerSvc  ledgerdomain.Service
	dispatcher *events.Dispatcher
	metrics    *metrics.BillingMetrics
}

type SchedulerParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	Resolver   *registrator.Resolver
	InvoiceSvc invoicedomain.Service
	LedgerSvc  ledgerdomain.Service
	Dispatcher *events.Dispatcher
}

func NewScheduler(p SchedulerParam) *Scheduler {
	return &Scheduler{
		db:  p.DB,
		log: p.Log.Named("scheduler"),
		cfg: p.Config.Scheduler,

		clk:        p.Clock,
		resolver:   p.Resolver,
		invoiceSvc: p.InvoiceSvc,
		ledgerSvc:  p.LedgerSvc,
		dispatcher: p.Dispatcher,
		metrics:    metrics.Billing(),
	}
}

// RunOnce executes one scheduler pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.clk.Now()
	if err := s.RolloverInvoices(ctx, now); err != nil {
		s.log.Error("invoice rollover failed", zap.Error(err))
	}
	if err := s.FinalizePreviousMonth(ctx, now); err != nil {
		s.log.Error("invoice finalization failed", zap.Error(err))
	}
	if err := s.SweepStuckOrders(ctx, now); err != nil {
		s.log.Error("stuck order sweep failed", zap.Error(err))
	}
}

type workResource struct {
	ID snowflake.ID
}

// RolloverInvoices materializes current-month items for every live billable
// resource. A resource already carrying its open fixed/limit items for the
// month is a no-op, so the pass converges regardless of how often it runs.
func (s *Scheduler) RolloverInvoices(ctx context.Context, now time.Time) error {
	monthStart := invoicedomain.MonthStart(now)
	var lastID snowflake.ID

	for {
		batch, err := s.fetchResourcesForWork(ctx, lastID)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for _, work := range batch {
			lastID = work.ID
			if err := s.rolloverResource(ctx, work.ID, monthStart); err != nil {
				s.log.Warn("resource rollover failed",
					zap.String("resource_id", work.ID.String()),
					zap.Error(err),
				)
			}
		}
		if len(batch) < s.batchSize() {
			break
		}
	}
	s.metrics.IncRolloverRun()
	return nil
}

func (s *Scheduler) fetchResourcesForWork(ctx context.Context, afterID snowflake.ID) ([]workResource, error) {
	var batch []workResource
	err := s.db.WithContext(ctx).Raw(
		`SELECT r.id
		 FROM resources r
		 JOIN offerings o ON o.id = r.offering_id
		 WHERE r.state IN (?, ?) AND r.id > ? AND o.billable
		 ORDER BY r.id
		 FOR UPDATE OF r SKIP LOCKED
		 LIMIT ?`,
		resourcedomain.StateOK,
		resourcedomain.StateUpdating,
		afterID,
		s.batchSize(),
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *Scheduler) rolloverResource(ctx context.Context, resourceID snowflake.ID, monthStart time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res resourcedomain.Resource
		if err := tx.First(&res, resourceID).Error; err != nil {
			return err
		}
		start := monthStart
		if res.CreatedAt.After(start) {
			start = res.CreatedAt
		}

		var offeringType string
		if err := tx.Raw(`SELECT type FROM offerings WHERE id = ?`, res.OfferingID).Scan(&offeringType).Error; err != nil {
			return err
		}
		return s.resolver.ForOfferingType(offeringType).
			RegisterResource(ctx, tx, &res, registrator.TriggerRollover, start)
	})
}

// FinalizePreviousMonth seals every PENDING invoice from closed periods.
func (s *Scheduler) FinalizePreviousMonth(ctx context.Context, now time.Time) error {
	monthStart := invoicedomain.MonthStart(now)
	var pending []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("state = ?", invoicedomain.InvoiceStatePending).
		Find(&pending).Error
	if err != nil {
		return err
	}

	for i := range pending {
		inv := &pending[i]
		if !inv.PeriodEnd().After(monthStart) {
			// Refresh the cached total once more before sealing.
			txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if _, err := s.invoiceSvc.RecomputeTotal(ctx, tx, inv.ID); err != nil {
					return err
				}
				return nil
			})
			if txErr != nil {
				s.log.Warn("invoice recompute failed", zap.String("invoice_id", inv.ID.String()), zap.Error(txErr))
				continue
			}
			if err := s.invoiceSvc.Finalize(ctx, inv.ID.String()); err != nil {
				s.log.Warn("invoice finalize failed", zap.String("invoice_id", inv.ID.String()), zap.Error(err))
				continue
			}
			if err := s.postInvoiceEntry(ctx, inv, now); err != nil {
				s.log.Warn("ledger posting failed", zap.String("invoice_id", inv.ID.String()), zap.Error(err))
			}
		}
	}
	return nil
}

// postInvoiceEntry records the finalized invoice in the ledger: accounts
// receivable debited with the gross total, revenue credited with the net, tax
// payable credited with the difference. Zero invoices post nothing.
func (s *Scheduler) postInvoiceEntry(ctx context.Context, inv *invoicedomain.Invoice, now time.Time) error {
	var current invoicedomain.Invoice
	if err := s.db.WithContext(ctx).First(&current, inv.ID).Error; err != nil {
		return err
	}
	total := current.TotalCost
	if total.IsZero() {
		return nil
	}
	net := invoicedomain.Quantize(total.Div(decimal.NewFromInt(1).Add(current.TaxPercent.Div(decimal.NewFromInt(100)))))
	tax := total.Sub(net)
	if tax.IsNegative() {
		net = total
		tax = decimal.Zero
	}

	lines := []ledgerdomain.Line{
		{AccountCode: ledgerdomain.AccountCodeAccountsReceivable, Direction: ledgerdomain.DirectionDebit, Amount: total},
		{AccountCode: ledgerdomain.AccountCodeRevenue, Direction: ledgerdomain.DirectionCredit, Amount: net},
	}
	if !tax.IsZero() {
		lines = append(lines, ledgerdomain.Line{
			AccountCode: ledgerdomain.AccountCodeTaxPayable,
			Direction:   ledgerdomain.DirectionCredit,
			Amount:      tax,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ledgerSvc.CreateEntry(ctx, tx, current.OrgID, ledgerdomain.SourceTypeInvoice, current.ID, now, lines)
	})
}

// SweepStuckOrders errs orders that have sat in EXECUTING past the deadline,
// along with their in-flight items and pending resources. An async backend
// that reports after the sweep gets an ErrInvalidTransition on its callback.
func (s *Scheduler) SweepStuckOrders(ctx context.Context, now time.Time) error {
	deadline := now.Add(-s.cfg.StuckDeadline)

	var stuck []struct {
		ID snowflake.ID
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT id
		 FROM orders
		 WHERE state = ? AND updated_at < ?
		 ORDER BY id
		 LIMIT ?`,
		orderdomain.StateExecuting,
		deadline,
		s.batchSize(),
	).Scan(&stuck).Error
	if err != nil {
		return err
	}

	for _, order := range stuck {
		if err := s.errStuckOrder(ctx, order.ID, now); err != nil {
			s.log.Warn("failed to err stuck order", zap.String("order_id", order.ID.String()), zap.Error(err))
			continue
		}
		s.metrics.IncStuckOrderErred()
		s.log.Info("stuck order erred", zap.String("order_id", order.ID.String()))
	}
	return nil
}

func (s *Scheduler) errStuckOrder(ctx context.Context, orderID snowflake.ID, now time.Time) error {
	const message = "execution deadline exceeded"
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&orderdomain.Order{}).
			Where("id = ? AND state = ?", orderID, orderdomain.StateExecuting).
			Updates(map[string]any{
				"state":      orderdomain.StateErred,
				"error_msg":  message,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var items []orderdomain.OrderItem
		err := tx.Where("order_id = ? AND state = ?", orderID, orderdomain.StateExecuting).
			Find(&items).Error
		if err != nil {
			return err
		}
		for i := range items {
			item := &items[i]
			err := tx.Model(&orderdomain.OrderItem{}).
				Where("id = ?", item.ID).
				Updates(map[string]any{
					"state":      orderdomain.StateErred,
					"error_msg":  message,
					"updated_at": now,
				}).Error
			if err != nil {
				return err
			}
			if item.ResourceID == 0 {
				continue
			}
			err = tx.Model(&resourcedomain.Resource{}).
				Where("id = ? AND state IN ?", item.ResourceID, []resourcedomain.State{
					resourcedomain.StateCreating,
					resourcedomain.StateUpdating,
					resourcedomain.StateTerminating,
				}).
				Updates(map[string]any{
					"state":      resourcedomain.StateErred,
					"error_msg":  message,
					"updated_at": now,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Scheduler) batchSize() int {
	if s.cfg.BatchSize <= 0 {
		return 100
	}
	return s.cfg.BatchSize
}
