// Package service implements the invoice aggregate operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/mercat/internal/invoice/domain"
	"github.com/smallbiznis/mercat/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/mercat/internal/organization/domain"
	"github.com/smallbiznis/mercat/pkg/db/option"
	"github.com/smallbiznis/mercat/pkg/db/pagination"
	"github.com/smallbiznis/mercat/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	invoicerepo repository.Repository[invoicedomain.Invoice]
	metrics     *metrics.BillingMetrics
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:       p.GenID,
		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
		metrics:     metrics.Billing(),
	}
}

// GetOrCreate resolves the invoice for one (org, year, month). Concurrent
// callers race on the unique period index: the insert uses ON CONFLICT DO
// NOTHING and the follow-up select returns whichever row won.
func (s *Service) GetOrCreate(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, year, month int) (*invoicedomain.Invoice, error) {
	if tx == nil {
		tx = s.db
	}
	if orgID == 0 {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}
	if year < 1970 || month < 1 || month > 12 {
		return nil, invoicedomain.ErrInvalidPeriod
	}

	var inv invoicedomain.Invoice
	err := tx.WithContext(ctx).
		Where("org_id = ? AND year = ? AND month = ?", orgID, year, month).
		First(&inv).Error
	if err == nil {
		return &inv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var org orgdomain.Organization
	if err := tx.WithContext(ctx).First(&org, orgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orgdomain.ErrOrganizationNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO invoices (id, org_id, year, month, state, tax_percent, total_cost, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (org_id, year, month) DO NOTHING`,
		s.genID.Generate(),
		orgID,
		year,
		month,
		invoicedomain.InvoiceStatePending,
		decimal.NewFromFloat(org.TaxPercent),
		now,
		now,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		s.metrics.IncInvoiceCreated()
		s.log.Info("invoice created",
			zap.String("org_id", orgID.String()),
			zap.Int("year", year),
			zap.Int("month", month),
		)
	}

	err = tx.WithContext(ctx).
		Where("org_id = ? AND year = ? AND month = ?", orgID, year, month).
		First(&inv).Error
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// RecomputeTotal refreshes the cached total from live items. The net sums
// each item's effective price; tax applies to the net.
func (s *Service) RecomputeTotal(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (invoicedomain.Totals, error) {
	if tx == nil {
		tx = s.db
	}

	var inv invoicedomain.Invoice
	if err := tx.WithContext(ctx).First(&inv, invoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invoicedomain.Totals{}, invoicedomain.ErrInvoiceNotFound
		}
		return invoicedomain.Totals{}, err
	}

	var items []invoicedomain.InvoiceItem
	if err := tx.WithContext(ctx).Where("invoice_id = ?", invoiceID).Find(&items).Error; err != nil {
		return invoicedomain.Totals{}, err
	}

	net := decimal.Zero
	for i := range items {
		net = net.Add(items[i].Price())
	}
	net = invoicedomain.Quantize(net)
	total := invoicedomain.ApplyTax(net, inv.TaxPercent)

	err := tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoiceID).
		Updates(map[string]any{"total_cost": total, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return invoicedomain.Totals{}, err
	}
	return invoicedomain.Totals{Net: net.StringFixed(2), Total: total.StringFixed(2)}, nil
}

func (s *Service) GetByID(ctx context.Context, invoiceID string) (*invoicedomain.Invoice, error) {
	id, err := parseID(invoiceID)
	if err != nil {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}

	var inv invoicedomain.Invoice
	err = s.db.WithContext(ctx).Preload("Items").First(&inv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	resp := invoicedomain.ListInvoiceResponse{Invoices: []invoicedomain.Invoice{}}

	opts := []repository.Option{
		option.WithSortBy(option.QuerySortBy{Desc: true}),
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(req.PageSize),
		}),
	}

	filter := invoicedomain.Invoice{Year: req.Year, Month: req.Month}
	if orgID := strings.TrimSpace(req.OrgID); orgID != "" {
		id, err := parseID(orgID)
		if err != nil {
			return resp, invoicedomain.ErrInvalidInvoiceID
		}
		filter.OrgID = id
	}

	invoices, err := s.invoicerepo.Find(ctx, &filter, opts...)
	if err != nil {
		return resp, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	info := pagination.BuildCursorPageInfo(invoices, pageSize, func(inv *invoicedomain.Invoice) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        inv.ID.String(),
			CreatedAt: inv.CreatedAt.Format(time.RFC3339Nano),
		})
		return token
	})
	if len(invoices) > int(pageSize) {
		invoices = invoices[:pageSize]
	}

	resp.PageInfo = *info
	for _, inv := range invoices {
		resp.Invoices = append(resp.Invoices, *inv)
	}
	return resp, nil
}

// Finalize seals a pending invoice at month close.
func (s *Service) Finalize(ctx context.Context, invoiceID string) error {
	return s.transition(ctx, invoiceID, invoicedomain.InvoiceStatePending, invoicedomain.InvoiceStateCreated, invoicedomain.ErrInvoiceNotPending)
}

// MarkPaid records payment of a finalized invoice.
func (s *Service) MarkPaid(ctx context.Context, invoiceID string) error {
	return s.transition(ctx, invoiceID, invoicedomain.InvoiceStateCreated, invoicedomain.InvoiceStatePaid, invoicedomain.ErrInvoiceNotCreated)
}

// Cancel voids an unpaid invoice.
func (s *Service) Cancel(ctx context.Context, invoiceID string) error {
	id, err := parseID(invoiceID)
	if err != nil {
		return invoicedomain.ErrInvalidInvoiceID
	}
	res := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ? AND state IN ?", id, []invoicedomain.InvoiceState{
			invoicedomain.InvoiceStatePending,
			invoicedomain.InvoiceStateCreated,
		}).
		Updates(map[string]any{"state": invoicedomain.InvoiceStateCanceled, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.stateError(ctx, id, invoicedomain.ErrInvoiceClosed)
	}
	return nil
}

func (s *Service) transition(ctx context.Context, invoiceID string, from, to invoicedomain.InvoiceState, guardErr error) error {
	id, err := parseID(invoiceID)
	if err != nil {
		return invoicedomain.ErrInvalidInvoiceID
	}
	res := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]any{"state": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.stateError(ctx, id, guardErr)
	}
	return nil
}

// stateError distinguishes a missing invoice from a state guard miss after a
// zero-row update.
func (s *Service) stateError(ctx context.Context, id snowflake.ID, guardErr error) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return invoicedomain.ErrInvoiceNotFound
	}
	return guardErr
}

func parseID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty id")
	}
	return snowflake.ParseString(raw)
}
