package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidTransition = errors.New("invalid_resource_transition")
	ErrStateConflict     = errors.New("resource_state_conflict")
	ErrResourceNotFound  = errors.New("resource_not_found")
)

// transitions is the explicit lifecycle table. ERRED is reachable from every
// non-terminal state; TERMINATED is terminal.
var transitions = map[State][]State{
	StateCreating:    {StateOK, StateErred, StateTerminated},
	StateOK:          {StateUpdating, StateTerminating, StateErred},
	StateUpdating:    {StateOK, StateErred},
	StateTerminating: {StateTerminated, StateOK, StateErred},
	StateErred:       {StateTerminating, StateTerminated},
}

// CanTransition reports whether from→to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// GuardedTransition moves a resource between states with a compare-and-swap
// on the current state. When two writers race, the loser observes zero
// affected rows and gets ErrStateConflict instead of silently applying.
func GuardedTransition(tx *gorm.DB, resourceID snowflake.ID, from, to State, now time.Time) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	result := tx.Model(&Resource{}).
		Where("id = ? AND state = ?", resourceID, from).
		Updates(map[string]any{"state": to, "updated_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}
