// Package domain contains the provisioned resource model and its lifecycle
// state machine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// State is the lifecycle state of a resource.
type State string

const (
	StateCreating    State = "CREATING"
	StateOK          State = "OK"
	StateUpdating    State = "UPDATING"
	StateTerminating State = "TERMINATING"
	StateTerminated  State = "TERMINATED"
	StateErred       State = "ERRED"
)

// ScopeRef points at the backend-specific object a resource is bound to.
// Kind names the backend model, ID is opaque to the marketplace core.
type ScopeRef struct {
	Kind string `gorm:"column:scope_kind;type:text" json:"kind,omitempty"`
	ID   string `gorm:"column:scope_id;type:text" json:"id,omitempty"`
}

// IsZero reports whether the reference is unset.
func (r ScopeRef) IsZero() bool { return r.Kind == "" && r.ID == "" }

// Resource is a provisioned instance of an offering, owned by a project.
// Plan and Limits are mutated only as part of a completed order.
type Resource struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ProjectID  snowflake.ID      `gorm:"not null;index" json:"project_id"`
	OrgID      snowflake.ID      `gorm:"not null;index" json:"org_id"`
	OfferingID snowflake.ID      `gorm:"not null;index" json:"offering_id"`
	PlanID     snowflake.ID      `gorm:"index" json:"plan_id"`
	Name       string            `gorm:"type:text;not null" json:"name"`
	State      State             `gorm:"type:text;not null;default:'CREATING'" json:"state"`
	Limits     datatypes.JSONMap `gorm:"type:jsonb" json:"limits,omitempty"`
	Scope      ScopeRef          `gorm:"embedded" json:"scope,omitempty"`
	ErrorMsg   string            `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Resource) TableName() string { return "resources" }

// LimitQuantity reads one component limit as an integer quantity. Limits are
// stored as a JSON map, so numbers may arrive as float64 or int64.
func (r *Resource) LimitQuantity(componentType string) int64 {
	if r.Limits == nil {
		return 0
	}
	switch v := r.Limits[componentType].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
