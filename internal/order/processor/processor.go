// Package processor adapts generic order items to backend-specific
// provisioning calls. Processors are stateless and shared across requests.
package processor

import (
	"context"
	"errors"

	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	"gorm.io/gorm"
)

// Outcome reports the result of a processing call. Done=false means the
// backend completes asynchronously and will report back later; the resource
// stays in its pending state (CREATING/UPDATING/TERMINATING) until then.
type Outcome struct {
	Done  bool
	Scope resourcedomain.ScopeRef
}

// Processor is the per-action provisioning contract. Validate runs at order
// submission, before any approval, and must be side-effect free. Process
// runs exactly once after the order reaches EXECUTING.
type Processor interface {
	Validate(ctx context.Context, item *orderdomain.OrderItem) error
	Process(ctx context.Context, tx *gorm.DB, item *orderdomain.OrderItem, actingUser string) (Outcome, error)
}

// ValidationError marks a business-rule failure at submission time. It is
// surfaced to the caller synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// NewValidationError builds a field-scoped validation failure.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ErrBackendUnavailable signals that the provisioning backend could not be
// reached at all.
var ErrBackendUnavailable = errors.New("backend_unavailable")
