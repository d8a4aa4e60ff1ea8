package processor

import (
	"context"
	"strings"
	"time"

	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	"gorm.io/gorm"
)

// BackendRecord is the locally persisted backend object driven by scoped
// processors. Lightweight offering types (allocations, accounts) live in the
// marketplace database itself rather than behind a remote API.
type BackendRecord struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Kind      string    `gorm:"type:text;not null;index" json:"kind"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	Status    string    `gorm:"type:text;not null;default:'active'" json:"status"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (BackendRecord) TableName() string { return "backend_records" }

// ScopedCreateProcessor provisions a backend record through direct model
// calls in the same transaction as the order execution.
type ScopedCreateProcessor struct {
	Kind string
}

func (p ScopedCreateProcessor) Validate(ctx context.Context, item *orderdomain.OrderItem) error {
	if strings.TrimSpace(item.Name) == "" {
		return NewValidationError("name", "name is required")
	}
	if p.Kind == "" {
		return NewValidationError("kind", "scoped processor has no backend kind")
	}
	return nil
}

func (p ScopedCreateProcessor) Process(ctx context.Context, tx *gorm.DB, item *orderdomain.OrderItem, actingUser string) (Outcome, error) {
	record := &BackendRecord{
		ID:        item.ID.String(),
		Kind:      p.Kind,
		Name:      item.Name,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(record).Error; err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Done:  true,
		Scope: resourcedomain.ScopeRef{Kind: p.Kind, ID: record.ID},
	}, nil
}

// ScopedUpdateProcessor touches the backend record to reflect new limits.
type ScopedUpdateProcessor struct {
	Kind string
}

func (p ScopedUpdateProcessor) Validate(ctx context.Context, item *orderdomain.OrderItem) error {
	if item.ResourceID == 0 {
		return NewValidationError("resource_id", "resource is required")
	}
	return nil
}

func (p ScopedUpdateProcessor) Process(ctx context.Context, tx *gorm.DB, item *orderdomain.OrderItem, actingUser string) (Outcome, error) {
	var res resourcedomain.Resource
	if err := tx.WithContext(ctx).First(&res, item.ResourceID).Error; err != nil {
		return Outcome{}, err
	}
	err := tx.WithContext(ctx).Model(&BackendRecord{}).
		Where("id = ? AND kind = ?", res.Scope.ID, p.Kind).
		Update("updated_at", time.Now().UTC()).Error
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Done: true}, nil
}

// ScopedDeleteProcessor marks the backend record deleted.
type ScopedDeleteProcessor struct {
	Kind string
}

func (p ScopedDeleteProcessor) Validate(ctx context.Context, item *orderdomain.OrderItem) error {
	if item.ResourceID == 0 {
		return NewValidationError("resource_id", "resource is required")
	}
	return nil
}

func (p ScopedDeleteProcessor) Process(ctx context.Context, tx *gorm.DB, item *orderdomain.OrderItem, actingUser string) (Outcome, error) {
	var res resourcedomain.Resource
	if err := tx.WithContext(ctx).First(&res, item.ResourceID).Error; err != nil {
		return Outcome{}, err
	}
	err := tx.WithContext(ctx).Model(&BackendRecord{}).
		Where("id = ? AND kind = ?", res.Scope.ID, p.Kind).
		Update("status", "deleted").Error
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Done: true}, nil
}
