// Package domain contains the order models: a unit of work requesting a
// create, update or terminate against one resource.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Type is the kind of change an order item requests.
type Type string

const (
	TypeCreate    Type = "CREATE"
	TypeUpdate    Type = "UPDATE"
	TypeTerminate Type = "TERMINATE"
)

// State is the approval/execution state shared by orders and their items.
type State string

const (
	StateRequested State = "REQUESTED_FOR_APPROVAL"
	StatePending   State = "PENDING"
	StateExecuting State = "EXECUTING"
	StateDone      State = "DONE"
	StateErred     State = "ERRED"
	StateRejected  State = "REJECTED"
	StateCanceled  State = "CANCELED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateErred, StateRejected, StateCanceled:
		return true
	}
	return false
}

// Order groups items submitted together by one consumer.
type Order struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID              snowflake.ID `gorm:"not null;index" json:"org_id"`
	ProjectID          snowflake.ID `gorm:"not null;index" json:"project_id"`
	CreatedBy          string       `gorm:"type:text;not null" json:"created_by"`
	State              State        `gorm:"type:text;not null;default:'REQUESTED_FOR_APPROVAL'" json:"state"`
	ConsumerApprovedBy string       `gorm:"type:text" json:"consumer_approved_by,omitempty"`
	ConsumerApprovedAt *time.Time   `gorm:"" json:"consumer_approved_at,omitempty"`
	ProviderApprovedBy string       `gorm:"type:text" json:"provider_approved_by,omitempty"`
	ProviderApprovedAt *time.Time   `gorm:"" json:"provider_approved_at,omitempty"`
	ErrorMsg           string       `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "orders" }

// OrderItem requests one change against one resource. OldPlanID and
// OldLimits snapshot the pre-order attributes so rollback on failure is
// exact rather than best-effort.
type OrderItem struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrderID    snowflake.ID      `gorm:"not null;index" json:"order_id"`
	Type       Type              `gorm:"type:text;not null" json:"type"`
	OfferingID snowflake.ID      `gorm:"not null;index" json:"offering_id"`
	PlanID     snowflake.ID      `gorm:"" json:"plan_id,omitempty"`
	ResourceID snowflake.ID      `gorm:"index" json:"resource_id,omitempty"`
	Name       string            `gorm:"type:text" json:"name,omitempty"`
	Limits     datatypes.JSONMap `gorm:"type:jsonb" json:"limits,omitempty"`
	Attributes datatypes.JSONMap `gorm:"type:jsonb" json:"attributes,omitempty"`
	OldPlanID  snowflake.ID      `gorm:"" json:"old_plan_id,omitempty"`
	OldLimits  datatypes.JSONMap `gorm:"type:jsonb" json:"old_limits,omitempty"`
	State      State             `gorm:"type:text;not null;default:'PENDING'" json:"state"`
	ErrorMsg   string            `gorm:"type:text" json:"error_message,omitempty"`
	Traceback  string            `gorm:"type:text" json:"-"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (OrderItem) TableName() string { return "order_items" }
