// Package service implements the offering catalog operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	"github.com/smallbiznis/mercat/internal/plugin"
	"github.com/smallbiznis/mercat/pkg/db/option"
	"github.com/smallbiznis/mercat/pkg/db/pagination"
	"github.com/smallbiznis/mercat/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	registry     *plugin.Registry
	offeringrepo repository.Repository[offeringdomain.Offering]
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Registry *plugin.Registry
}

func NewService(p ServiceParam) offeringdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("offering.service"),

		genID:        p.GenID,
		registry:     p.Registry,
		offeringrepo: repository.ProvideStore[offeringdomain.Offering](p.DB),
	}
}

// Create registers a DRAFT offering. The offering type must have a plugin
// descriptor: an unprovisionable type is rejected at catalog time, not at the
// first order. Components declared by the descriptor are mandatory.
func (s *Service) Create(ctx context.Context, req offeringdomain.CreateOfferingRequest) (*offeringdomain.Offering, error) {
	providerID, err := parseID(req.ProviderID)
	if err != nil {
		return nil, offeringdomain.ErrInvalidProvider
	}
	offeringType := strings.TrimSpace(req.Type)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, offeringdomain.ErrInvalidOfferingID
	}

	descriptor, err := s.registry.Get(offeringType)
	if err != nil {
		return nil, err
	}

	billable := true
	if req.Billable != nil {
		billable = *req.Billable
	}

	now := time.Now().UTC()
	offering := &offeringdomain.Offering{
		ID:         s.genID.Generate(),
		ProviderID: providerID,
		Type:       offeringType,
		Name:       name,
		State:      offeringdomain.OfferingStateDraft,
		Billable:   billable,
		Shared:     req.Shared,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	declared := map[string]bool{}
	for _, comp := range req.Components {
		compType := strings.TrimSpace(comp.Type)
		if compType == "" || declared[compType] {
			return nil, offeringdomain.ErrInvalidComponent
		}
		if !validBillingType(comp.BillingType) {
			return nil, offeringdomain.ErrInvalidComponent
		}
		limitPeriod := comp.LimitPeriod
		if limitPeriod == "" {
			limitPeriod = offeringdomain.LimitPeriodTotal
		}
		declared[compType] = true
		offering.Components = append(offering.Components, offeringdomain.OfferingComponent{
			ID:          s.genID.Generate(),
			OfferingID:  offering.ID,
			Type:        compType,
			Name:        strings.TrimSpace(comp.Name),
			Unit:        strings.TrimSpace(comp.Unit),
			BillingType: comp.BillingType,
			LimitPeriod: limitPeriod,
			CreatedAt:   now,
		})
	}
	for _, spec := range descriptor.Components {
		if !declared[spec.Type] {
			return nil, fmt.Errorf("%w: %s", offeringdomain.ErrInvalidComponent, spec.Type)
		}
	}

	if err := s.db.WithContext(ctx).Create(offering).Error; err != nil {
		return nil, err
	}
	s.log.Info("offering created",
		zap.String("offering_id", offering.ID.String()),
		zap.String("type", offering.Type),
	)
	return offering, nil
}

// AddPlan attaches a priced plan. Every offering component must be priced,
// and no price may reference an undeclared component.
func (s *Service) AddPlan(ctx context.Context, req offeringdomain.AddPlanRequest) (*offeringdomain.Plan, error) {
	offeringID, err := parseID(req.OfferingID)
	if err != nil {
		return nil, offeringdomain.ErrInvalidOfferingID
	}
	if !validUnit(req.Unit) {
		return nil, offeringdomain.ErrInvalidPlanUnit
	}

	var offering offeringdomain.Offering
	err = s.db.WithContext(ctx).Preload("Components").First(&offering, offeringID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, offeringdomain.ErrOfferingNotFound
	}
	if err != nil {
		return nil, err
	}
	if offering.State == offeringdomain.OfferingStateArchived {
		return nil, offeringdomain.ErrOfferingArchived
	}

	declared := map[string]bool{}
	for _, comp := range offering.Components {
		declared[comp.Type] = true
	}

	now := time.Now().UTC()
	plan := &offeringdomain.Plan{
		ID:          s.genID.Generate(),
		OfferingID:  offering.ID,
		Name:        strings.TrimSpace(req.Name),
		Unit:        req.Unit,
		ArticleCode: strings.TrimSpace(req.ArticleCode),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	priced := map[string]bool{}
	for _, pc := range req.Components {
		compType := strings.TrimSpace(pc.ComponentType)
		if !declared[compType] {
			return nil, fmt.Errorf("%w: %s", offeringdomain.ErrUnknownComponentType, compType)
		}
		if priced[compType] {
			return nil, offeringdomain.ErrInvalidComponent
		}
		if pc.Price.IsNegative() {
			return nil, offeringdomain.ErrInvalidPrice
		}
		amount := pc.Amount
		if amount <= 0 {
			amount = 1
		}
		priced[compType] = true
		plan.Components = append(plan.Components, offeringdomain.PlanComponent{
			ID:            s.genID.Generate(),
			PlanID:        plan.ID,
			ComponentType: compType,
			Price:         pc.Price,
			Amount:        amount,
			CreatedAt:     now,
		})
	}
	for compType := range declared {
		if !priced[compType] {
			return nil, fmt.Errorf("%w: %s is unpriced", offeringdomain.ErrInvalidComponent, compType)
		}
	}

	if err := s.db.WithContext(ctx).Create(plan).Error; err != nil {
		return nil, err
	}
	return plan, nil
}

// Activate publishes a draft or paused offering.
func (s *Service) Activate(ctx context.Context, offeringID string) error {
	return s.transition(ctx, offeringID,
		[]offeringdomain.OfferingState{offeringdomain.OfferingStateDraft, offeringdomain.OfferingStatePaused},
		offeringdomain.OfferingStateActive,
		offeringdomain.ErrOfferingNotDraft,
	)
}

// Pause hides an active offering from new orders; existing resources keep
// billing.
func (s *Service) Pause(ctx context.Context, offeringID string) error {
	return s.transition(ctx, offeringID,
		[]offeringdomain.OfferingState{offeringdomain.OfferingStateActive},
		offeringdomain.OfferingStatePaused,
		offeringdomain.ErrOfferingNotActive,
	)
}

// Archive retires an offering permanently.
func (s *Service) Archive(ctx context.Context, offeringID string) error {
	return s.transition(ctx, offeringID,
		[]offeringdomain.OfferingState{
			offeringdomain.OfferingStateDraft,
			offeringdomain.OfferingStateActive,
			offeringdomain.OfferingStatePaused,
		},
		offeringdomain.OfferingStateArchived,
		offeringdomain.ErrOfferingArchived,
	)
}

func (s *Service) transition(ctx context.Context, offeringID string, from []offeringdomain.OfferingState, to offeringdomain.OfferingState, guardErr error) error {
	id, err := parseID(offeringID)
	if err != nil {
		return offeringdomain.ErrInvalidOfferingID
	}
	res := s.db.WithContext(ctx).Model(&offeringdomain.Offering{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(map[string]any{"state": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&offeringdomain.Offering{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return offeringdomain.ErrOfferingNotFound
		}
		return guardErr
	}
	return nil
}

func (s *Service) GetByID(ctx context.Context, offeringID string) (*offeringdomain.Offering, error) {
	id, err := parseID(offeringID)
	if err != nil {
		return nil, offeringdomain.ErrInvalidOfferingID
	}
	var offering offeringdomain.Offering
	err = s.db.WithContext(ctx).
		Preload("Components").
		Preload("Plans").
		Preload("Plans.Components").
		First(&offering, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, offeringdomain.ErrOfferingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &offering, nil
}

func (s *Service) List(ctx context.Context, req offeringdomain.ListOfferingRequest) (offeringdomain.ListOfferingResponse, error) {
	resp := offeringdomain.ListOfferingResponse{Offerings: []offeringdomain.Offering{}}

	filter := offeringdomain.Offering{State: offeringdomain.OfferingState(strings.TrimSpace(req.State))}
	if providerID := strings.TrimSpace(req.ProviderID); providerID != "" {
		id, err := parseID(providerID)
		if err != nil {
			return resp, offeringdomain.ErrInvalidProvider
		}
		filter.ProviderID = id
	}

	opts := []repository.Option{
		option.WithSortBy(option.QuerySortBy{Desc: true}),
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(req.PageSize),
		}),
	}
	offerings, err := s.offeringrepo.Find(ctx, &filter, opts...)
	if err != nil {
		return resp, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	info := pagination.BuildCursorPageInfo(offerings, pageSize, func(o *offeringdomain.Offering) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        o.ID.String(),
			CreatedAt: o.CreatedAt.Format(time.RFC3339Nano),
		})
		return token
	})
	if len(offerings) > int(pageSize) {
		offerings = offerings[:pageSize]
	}

	resp.PageInfo = *info
	for _, o := range offerings {
		resp.Offerings = append(resp.Offerings, *o)
	}
	return resp, nil
}

func validBillingType(bt offeringdomain.BillingType) bool {
	switch bt {
	case offeringdomain.BillingTypeFixed,
		offeringdomain.BillingTypeUsage,
		offeringdomain.BillingTypeOneTime,
		offeringdomain.BillingTypeOnPlanSwitch,
		offeringdomain.BillingTypeLimit:
		return true
	}
	return false
}

func validUnit(unit offeringdomain.BillingUnit) bool {
	switch unit {
	case offeringdomain.UnitDay,
		offeringdomain.UnitHalfMonth,
		offeringdomain.UnitMonth,
		offeringdomain.UnitQuantity:
		return true
	}
	return false
}

func parseID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty id")
	}
	return snowflake.ParseString(raw)
}
