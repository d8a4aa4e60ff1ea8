package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/mercat/pkg/db/pagination"
)

// CreateOfferingRequest describes a new catalog entry.
type CreateOfferingRequest struct {
	ProviderID string                   `json:"provider_id"`
	Type       string                   `json:"type"`
	Name       string                   `json:"name"`
	Billable   *bool                    `json:"billable,omitempty"`
	Shared     bool                     `json:"shared"`
	Components []CreateComponentRequest `json:"components"`
}

// CreateComponentRequest declares one billable dimension.
type CreateComponentRequest struct {
	Type        string      `json:"type"`
	Name        string      `json:"name"`
	Unit        string      `json:"unit"`
	BillingType BillingType `json:"billing_type"`
	LimitPeriod LimitPeriod `json:"limit_period"`
}

// AddPlanRequest attaches a pricing configuration to an offering.
type AddPlanRequest struct {
	OfferingID  string                    `json:"offering_id"`
	Name        string                    `json:"name"`
	Unit        BillingUnit               `json:"unit"`
	ArticleCode string                    `json:"article_code"`
	Components  []AddPlanComponentRequest `json:"components"`
}

// AddPlanComponentRequest prices one component within the plan.
type AddPlanComponentRequest struct {
	ComponentType string          `json:"component_type"`
	Price         decimal.Decimal `json:"price"`
	Amount        int64           `json:"amount"`
}

// ListOfferingRequest filters the catalog listing.
type ListOfferingRequest struct {
	ProviderID string `form:"provider_id"`
	State      string `form:"state"`
	PageToken  string `form:"page_token"`
	PageSize   int32  `form:"page_size"`
}

// ListOfferingResponse is a page of offerings.
type ListOfferingResponse struct {
	pagination.PageInfo
	Offerings []Offering `json:"offerings"`
}

// Service manages the offering catalog.
type Service interface {
	Create(ctx context.Context, req CreateOfferingRequest) (*Offering, error)
	AddPlan(ctx context.Context, req AddPlanRequest) (*Plan, error)
	Activate(ctx context.Context, offeringID string) error
	Pause(ctx context.Context, offeringID string) error
	Archive(ctx context.Context, offeringID string) error
	GetByID(ctx context.Context, offeringID string) (*Offering, error)
	List(ctx context.Context, req ListOfferingRequest) (ListOfferingResponse, error)
}

var (
	ErrInvalidProvider      = errors.New("invalid_provider")
	ErrInvalidOfferingType  = errors.New("invalid_offering_type")
	ErrInvalidOfferingID    = errors.New("invalid_offering_id")
	ErrOfferingNotFound     = errors.New("offering_not_found")
	ErrOfferingNotDraft     = errors.New("offering_not_draft")
	ErrOfferingNotActive    = errors.New("offering_not_active")
	ErrOfferingArchived     = errors.New("offering_archived")
	ErrInvalidPlanUnit      = errors.New("invalid_plan_unit")
	ErrInvalidComponent     = errors.New("invalid_component")
	ErrInvalidPrice         = errors.New("invalid_price")
	ErrUnknownComponentType = errors.New("unknown_component_type")
	ErrPlanNotFound         = errors.New("plan_not_found")
)
