package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mercat/pkg/db/pagination"
	"gorm.io/gorm"
)

// ListInvoiceRequest filters the invoice listing.
type ListInvoiceRequest struct {
	OrgID     string `form:"org_id"`
	Year      int    `form:"year"`
	Month     int    `form:"month"`
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
}

// ListInvoiceResponse is a page of invoices.
type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

// Service manages the monthly invoice aggregate.
type Service interface {
	// GetOrCreate returns the invoice for (org, year, month), creating a
	// PENDING one when absent. Safe to call repeatedly: the unique period
	// index guarantees at most one row.
	GetOrCreate(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, year, month int) (*Invoice, error)
	// RecomputeTotal refreshes the denormalized total from live items in the
	// same transaction as the triggering item write.
	RecomputeTotal(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (Totals, error)
	GetByID(ctx context.Context, invoiceID string) (*Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	Finalize(ctx context.Context, invoiceID string) error
	MarkPaid(ctx context.Context, invoiceID string) error
	Cancel(ctx context.Context, invoiceID string) error
}

// Totals is the recomputed price summary of an invoice.
type Totals struct {
	Net   string `json:"net"`
	Total string `json:"total"`
}

var (
	ErrInvalidInvoiceID  = errors.New("invalid_invoice_id")
	ErrInvalidPeriod     = errors.New("invalid_invoice_period")
	ErrInvoiceNotFound   = errors.New("invoice_not_found")
	ErrInvoiceNotPending = errors.New("invoice_not_pending")
	ErrInvoiceNotCreated = errors.New("invoice_not_created")
	ErrInvoiceClosed     = errors.New("invoice_closed")
)
