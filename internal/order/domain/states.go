package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/mercat/pkg/db/pagination"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidProject      = errors.New("invalid_project")
	ErrInvalidOrderID      = errors.New("invalid_order_id")
	ErrInvalidOrderType    = errors.New("invalid_order_type")
	ErrInvalidResourceID   = errors.New("invalid_resource_id")
	ErrInvalidPlan         = errors.New("invalid_plan")
	ErrInvalidLimits       = errors.New("invalid_limits")
	ErrEmptyOrder          = errors.New("empty_order")
	ErrOrderNotFound       = errors.New("order_not_found")
	ErrOrderNotPending     = errors.New("order_not_pending")
	ErrOrderNotApprovable  = errors.New("order_not_approvable")
	ErrApprovalMissing     = errors.New("approval_missing")
	ErrInvalidTransition   = errors.New("invalid_order_transition")
	ErrLimitsNotUpdatable  = errors.New("limits_not_updatable")
)

// orderTransitions is the explicit order lifecycle table.
var orderTransitions = map[State][]State{
	StateRequested: {StatePending, StateRejected, StateCanceled},
	StatePending:   {StateExecuting, StateCanceled},
	StateExecuting: {StateDone, StateErred},
}

// CanTransition reports whether from→to is a legal order move.
func CanTransition(from, to State) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SubmitOrderRequest creates a new order with one or more items.
type SubmitOrderRequest struct {
	ProjectID string              `json:"project_id"`
	CreatedBy string              `json:"created_by"`
	Items     []SubmitItemRequest `json:"items"`
}

// SubmitItemRequest is one requested change.
type SubmitItemRequest struct {
	Type       Type           `json:"type"`
	OfferingID string         `json:"offering_id"`
	PlanID     string         `json:"plan_id,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Limits     map[string]any `json:"limits,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ListOrderRequest filters the order listing.
type ListOrderRequest struct {
	ProjectID string `form:"project_id"`
	State     string `form:"state"`
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
}

// ListOrderResponse is a page of orders.
type ListOrderResponse struct {
	pagination.PageInfo
	Orders []Order `json:"orders"`
}

// Service runs the order lifecycle: submission, approvals and execution.
type Service interface {
	Submit(ctx context.Context, req SubmitOrderRequest) (*Order, error)
	ApproveByConsumer(ctx context.Context, orderID, actingUser string) error
	ApproveByProvider(ctx context.Context, orderID, actingUser string) error
	Reject(ctx context.Context, orderID, actingUser, reason string) error
	Cancel(ctx context.Context, orderID, actingUser string) error
	Execute(ctx context.Context, orderID, actingUser string) error
	CompleteItem(ctx context.Context, itemID string, scopeKind, scopeID string) error
	FailItem(ctx context.Context, itemID string, message string) error
	GetByID(ctx context.Context, orderID string) (*Order, error)
	List(ctx context.Context, req ListOrderRequest) (ListOrderResponse, error)
}
