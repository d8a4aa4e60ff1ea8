package processor

import (
	"context"
	"strings"

	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	"gorm.io/gorm"
)

// BasicCreateProcessor backs purely informational offering types with no
// real backend: creation is a database-only recording of intent and always
// succeeds synchronously.
type BasicCreateProcessor struct{}

func (BasicCreateProcessor) Validate(ctx context.Context, item *orderdomain.OrderItem) error {
	if strings.TrimSpace(item.Name) == "" {
		return NewValidationError("name", "name is required")
	}
	return nil
}

func (BasicCreateProcessor) Process(ctx context.Context, tx *gorm.DB, item *orderdomain.OrderItem, actingUser string) (Outcome, error) {
	return Outcome{
		Done:  true,
		Scope: resourcedomain.ScopeRef{Kind: "basic", ID: item.ID.String()},
	}, nil
}

// BasicUpdateProcessor is a no-op: the resource keeps its OK state while the
// marketplace attributes (plan, limits) are applied by the orchestrator.
type BasicUpdateProcessor struct{}

func (BasicUpdateProcessor) Validate(ctx context.Context, item *orderdomain.OrderItem) error {
	return nil
}

func (BasicUpdateProcessor) Process(ctx context.Context, tx *gorm.DB, item *orderdomain.OrderItem, actingUser string) (Outcome, error) {
	return Outcome{Done: true}, nil
}

// BasicDeleteProcessor is a no-op terminate for basic offerings.
type BasicDeleteProcessor struct{}

func (BasicDeleteProcessor) Validate(ctx context.Context, item *orderdomain.OrderItem) error {
	return nil
}

func (BasicDeleteProcessor) Process(ctx context.Context, tx *gorm.DB, item *orderdomain.OrderItem, actingUser string) (Outcome, error) {
	return Outcome{Done: true}, nil
}
