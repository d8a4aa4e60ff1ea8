package events

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupOutbox(t *testing.T) (*Outbox, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.Exec(`CREATE TABLE marketplace_events (
		id BIGINT PRIMARY KEY,
		org_id BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		dedupe_key TEXT NOT NULL,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME,
		UNIQUE (org_id, dedupe_key)
	)`).Error
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	node, err := snowflake.NewNode(8)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return NewOutbox(db, node), db, node
}

func TestPublishDeduplicates(t *testing.T) {
	outbox, db, node := setupOutbox(t)
	ctx := context.Background()
	orgID := node.Generate()

	event := OutboxEvent{
		OrgID:     orgID,
		Type:      EventOrderApproved,
		Payload:   map[string]any{"order_id": "123"},
		DedupeKey: "order-decision-123",
	}
	if err := outbox.Publish(ctx, event); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := outbox.Publish(ctx, event); err != nil {
		t.Fatalf("replay publish: %v", err)
	}

	var count int64
	if err := db.Table("marketplace_events").Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("%d rows for one dedupe key, want 1", count)
	}

	// A different organization with the same key is a distinct event.
	event.OrgID = node.Generate()
	if err := outbox.Publish(ctx, event); err != nil {
		t.Fatalf("other org publish: %v", err)
	}
	if err := db.Table("marketplace_events").Count(&count).Error; err != nil {
		t.Fatalf("count all: %v", err)
	}
	if count != 2 {
		t.Errorf("%d rows total, want 2", count)
	}
}

func TestPublishValidatesEvent(t *testing.T) {
	outbox, db, node := setupOutbox(t)
	ctx := context.Background()

	if err := outbox.Publish(ctx, OutboxEvent{Type: "x"}); err == nil {
		t.Error("zero org accepted")
	}
	if err := outbox.Publish(ctx, OutboxEvent{OrgID: node.Generate(), Type: "  "}); err == nil {
		t.Error("blank event type accepted")
	}
	if err := outbox.PublishTx(ctx, nil, OutboxEvent{OrgID: node.Generate(), Type: "x"}); err == nil {
		t.Error("nil transaction accepted")
	}

	// An empty dedupe key gets a random one, so repeated publishes all land.
	orgID := node.Generate()
	for i := 0; i < 2; i++ {
		if err := outbox.Publish(ctx, OutboxEvent{OrgID: orgID, Type: "resource.created"}); err != nil {
			t.Fatalf("publish %d: %v", i+1, err)
		}
	}
	var count int64
	if err := db.Table("marketplace_events").Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("%d rows, want 2 distinct events", count)
	}
}
