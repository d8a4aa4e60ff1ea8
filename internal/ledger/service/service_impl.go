// Package service implements the ledger entry writer.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/mercat/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

func NewService(p ServiceParam) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

// CreateEntry posts a balanced entry. The unique source index makes the call
// idempotent: a replayed posting inserts nothing and returns nil.
func (s *Service) CreateEntry(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, sourceType string, sourceID snowflake.ID, occurredAt time.Time, lines []ledgerdomain.Line) error {
	if tx == nil {
		tx = s.db
	}
	if err := ledgerdomain.Validate(orgID, sourceType, sourceID, lines); err != nil {
		return err
	}

	now := time.Now().UTC()
	entryID := s.genID.Generate()
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (id, org_id, source_type, source_id, occurred_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_type, source_id) DO NOTHING`,
		entryID,
		orgID,
		sourceType,
		sourceID,
		occurredAt,
		now,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	for _, line := range lines {
		accountID, err := s.ensureAccount(ctx, tx, orgID, line.AccountCode, now)
		if err != nil {
			return err
		}
		err = tx.WithContext(ctx).Create(&ledgerdomain.EntryLine{
			ID:        s.genID.Generate(),
			EntryID:   entryID,
			AccountID: accountID,
			Direction: line.Direction,
			Amount:    line.Amount,
			CreatedAt: now,
		}).Error
		if err != nil {
			return err
		}
	}
	s.log.Debug("ledger entry posted",
		zap.String("source_type", sourceType),
		zap.String("source_id", sourceID.String()),
		zap.Int("lines", len(lines)),
	)
	return nil
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, code string, now time.Time) (snowflake.ID, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, ledgerdomain.ErrInvalidAccount
	}

	var account ledgerdomain.Account
	err := tx.WithContext(ctx).Where("org_id = ? AND code = ?", orgID, code).First(&account).Error
	if err == nil {
		return account.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_accounts (id, org_id, code, name, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, code) DO NOTHING`,
		s.genID.Generate(),
		orgID,
		code,
		accountName(code),
		now,
	).Error; err != nil {
		return 0, err
	}
	if err := tx.WithContext(ctx).Where("org_id = ? AND code = ?", orgID, code).First(&account).Error; err != nil {
		return 0, err
	}
	return account.ID, nil
}

func accountName(code string) string {
	switch code {
	case ledgerdomain.AccountCodeAccountsReceivable:
		return "Accounts Receivable"
	case ledgerdomain.AccountCodeRevenue:
		return "Revenue"
	case ledgerdomain.AccountCodeTaxPayable:
		return "Tax Payable"
	}
	return code
}
