package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OutboxEvent describes a domain event to persist for external delivery
// (notifications, webhooks). Delivery mechanics live outside the core.
type OutboxEvent struct {
	OrgID     snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// Outbox inserts domain events into the marketplace_events table within the
// emitting transaction, so an event exists exactly when its state change
// committed.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
}

// NewOutbox builds the outbox writer.
func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID}
}

// Publish stores an event using the default connection.
func (o *Outbox) Publish(ctx context.Context, event OutboxEvent) error {
	return o.publish(ctx, o.db, event)
}

// PublishTx stores an event within an existing transaction.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event OutboxEvent) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event OutboxEvent) error {
	if o == nil || db == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	if event.OrgID == 0 {
		return errors.New("invalid_org_id")
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return errors.New("missing_event_type")
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	dedupe := strings.TrimSpace(event.DedupeKey)
	if dedupe == "" {
		dedupe = uuid.NewString()
	}

	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`INSERT INTO marketplace_events (id, org_id, event_type, payload, dedupe_key, published, created_at)
		 VALUES (?, ?, ?, ?, ?, false, ?)
		 ON CONFLICT (org_id, dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		event.OrgID,
		name,
		payload,
		dedupe,
		now,
	).Error
}
