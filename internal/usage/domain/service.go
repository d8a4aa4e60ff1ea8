package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ReportUsageRequest is one usage report from a backend or agent.
type ReportUsageRequest struct {
	ResourceID     string          `json:"resource_id"`
	ComponentType  string          `json:"component_type"`
	Value          decimal.Decimal `json:"value"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Service ingests usage reports and feeds them into invoicing.
type Service interface {
	Report(ctx context.Context, req ReportUsageRequest) (*ComponentUsage, error)
}

var (
	ErrInvalidResource      = errors.New("invalid_resource")
	ErrInvalidComponentType = errors.New("invalid_component_type")
	ErrInvalidValue         = errors.New("invalid_value")
	ErrComponentNotUsage    = errors.New("component_not_usage_billed")
	ErrResourceNotBillable  = errors.New("resource_not_billable")
	ErrNoOpenPlanPeriod     = errors.New("no_open_plan_period")
)
