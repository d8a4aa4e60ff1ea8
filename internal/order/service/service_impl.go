// Package service implements order submission, approval and execution.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mercat/internal/clock"
	"github.com/smallbiznis/mercat/internal/events"
	"github.com/smallbiznis/mercat/internal/observability/metrics"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	"github.com/smallbiznis/mercat/internal/order/processor"
	orgdomain "github.com/smallbiznis/mercat/internal/organization/domain"
	"github.com/smallbiznis/mercat/internal/plugin"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	"github.com/smallbiznis/mercat/pkg/db/option"
	"github.com/smallbiznis/mercat/pkg/db/pagination"
	"github.com/smallbiznis/mercat/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clk        clock.Clock
	registry   *plugin.Registry
	dispatcher *events.Dispatcher
	outbox     *events.Outbox
	orderrepo  repository.Repository[orderdomain.Order]
	metrics    *metrics.BillingMetrics
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Registry   *plugin.Registry
	Dispatcher *events.Dispatcher
	Outbox     *events.Outbox
}

func NewService(p ServiceParam) orderdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("order.service"),

		genID:      p.GenID,
		clk:        p.Clock,
		registry:   p.Registry,
		dispatcher: p.Dispatcher,
		outbox:     p.Outbox,
		orderrepo:  repository.ProvideStore[orderdomain.Order](p.DB),
		metrics:    metrics.Billing(),
	}
}

// Submit validates and persists a new order. Validation runs every item's
// processor before any row is written, so an order either enters the approval
// flow whole or is rejected synchronously.
func (s *Service) Submit(ctx context.Context, req orderdomain.SubmitOrderRequest) (*orderdomain.Order, error) {
	projectID, err := parseID(req.ProjectID)
	if err != nil {
		return nil, orderdomain.ErrInvalidProject
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return nil, processor.NewValidationError("created_by", "required")
	}
	if len(req.Items) == 0 {
		return nil, orderdomain.ErrEmptyOrder
	}

	var project orgdomain.Project
	if err := s.db.WithContext(ctx).First(&project, projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orgdomain.ErrProjectNotFound
		}
		return nil, err
	}

	now := s.clk.Now()
	order := &orderdomain.Order{
		ID:        s.genID.Generate(),
		OrgID:     project.OrgID,
		ProjectID: project.ID,
		CreatedBy: strings.TrimSpace(req.CreatedBy),
		State:     orderdomain.StateRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, itemReq := range req.Items {
		item, err := s.buildItem(ctx, order, itemReq, now)
		if err != nil {
			return nil, err
		}
		order.Items = append(order.Items, *item)
	}

	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}
	s.log.Info("order submitted",
		zap.String("order_id", order.ID.String()),
		zap.String("project_id", project.ID.String()),
		zap.Int("items", len(order.Items)),
	)
	return order, nil
}

func (s *Service) buildItem(ctx context.Context, order *orderdomain.Order, req orderdomain.SubmitItemRequest, now time.Time) (*orderdomain.OrderItem, error) {
	switch req.Type {
	case orderdomain.TypeCreate, orderdomain.TypeUpdate, orderdomain.TypeTerminate:
	default:
		return nil, orderdomain.ErrInvalidOrderType
	}

	offeringID, err := parseID(req.OfferingID)
	if err != nil {
		return nil, processor.NewValidationError("offering_id", "invalid")
	}
	var offering offeringdomain.Offering
	if err := s.db.WithContext(ctx).First(&offering, offeringID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, offeringdomain.ErrOfferingNotFound
		}
		return nil, err
	}

	// An unregistered offering type cannot be provisioned; fail at submission
	// rather than at execution.
	descriptor, err := s.registry.Get(offering.Type)
	if err != nil {
		return nil, err
	}

	item := &orderdomain.OrderItem{
		ID:         s.genID.Generate(),
		OrderID:    order.ID,
		Type:       req.Type,
		OfferingID: offering.ID,
		Name:       strings.TrimSpace(req.Name),
		Limits:     datatypes.JSONMap(req.Limits),
		Attributes: datatypes.JSONMap(req.Attributes),
		State:      orderdomain.StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	switch req.Type {
	case orderdomain.TypeCreate:
		if offering.State != offeringdomain.OfferingStateActive {
			return nil, processor.NewValidationError("offering_id", "offering_not_active")
		}
		if item.Name == "" {
			return nil, processor.NewValidationError("name", "required")
		}
		planID, err := parseID(req.PlanID)
		if err != nil {
			return nil, orderdomain.ErrInvalidPlan
		}
		if err := s.checkPlan(ctx, offering.ID, planID); err != nil {
			return nil, err
		}
		item.PlanID = planID

	case orderdomain.TypeUpdate:
		res, err := s.loadOrderableResource(ctx, order.ProjectID, req.ResourceID, offering.ID)
		if err != nil {
			return nil, err
		}
		if res.State != resourcedomain.StateOK {
			return nil, processor.NewValidationError("resource_id", "resource_not_ready")
		}
		if req.PlanID == "" && len(req.Limits) == 0 {
			return nil, processor.NewValidationError("plan_id", "nothing_to_update")
		}
		if req.PlanID != "" {
			planID, err := parseID(req.PlanID)
			if err != nil {
				return nil, orderdomain.ErrInvalidPlan
			}
			if err := s.checkPlan(ctx, offering.ID, planID); err != nil {
				return nil, err
			}
			item.PlanID = planID
		}
		if len(req.Limits) > 0 && !descriptor.CanUpdateLimits {
			return nil, orderdomain.ErrLimitsNotUpdatable
		}
		item.ResourceID = res.ID
		item.OldPlanID = res.PlanID
		item.OldLimits = res.Limits

	case orderdomain.TypeTerminate:
		res, err := s.loadOrderableResource(ctx, order.ProjectID, req.ResourceID, offering.ID)
		if err != nil {
			return nil, err
		}
		if res.State != resourcedomain.StateOK && res.State != resourcedomain.StateErred {
			return nil, processor.NewValidationError("resource_id", "resource_not_terminable")
		}
		item.ResourceID = res.ID
	}

	proc, err := s.registry.Processor(offering.Type, req.Type)
	if err != nil {
		return nil, err
	}
	if err := proc.Validate(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) checkPlan(ctx context.Context, offeringID, planID snowflake.ID) error {
	var plan offeringdomain.Plan
	err := s.db.WithContext(ctx).First(&plan, planID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return orderdomain.ErrInvalidPlan
	}
	if err != nil {
		return err
	}
	if plan.OfferingID != offeringID || plan.Archived {
		return orderdomain.ErrInvalidPlan
	}
	return nil
}

func (s *Service) loadOrderableResource(ctx context.Context, projectID snowflake.ID, rawResourceID string, offeringID snowflake.ID) (*resourcedomain.Resource, error) {
	resourceID, err := parseID(rawResourceID)
	if err != nil {
		return nil, orderdomain.ErrInvalidResourceID
	}
	var res resourcedomain.Resource
	err = s.db.WithContext(ctx).First(&res, resourceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, resourcedomain.ErrResourceNotFound
	}
	if err != nil {
		return nil, err
	}
	if res.ProjectID != projectID || res.OfferingID != offeringID {
		return nil, orderdomain.ErrInvalidResourceID
	}
	return &res, nil
}

// ApproveByConsumer records the consumer-side approval. The order activates
// once every required approval is present.
func (s *Service) ApproveByConsumer(ctx context.Context, orderID, actingUser string) error {
	return s.approve(ctx, orderID, actingUser, false)
}

// ApproveByProvider records the provider-side approval required for billable
// shared offerings.
func (s *Service) ApproveByProvider(ctx context.Context, orderID, actingUser string) error {
	return s.approve(ctx, orderID, actingUser, true)
}

func (s *Service) approve(ctx context.Context, orderID, actingUser string, byProvider bool) error {
	id, err := parseID(orderID)
	if err != nil {
		return orderdomain.ErrInvalidOrderID
	}
	if strings.TrimSpace(actingUser) == "" {
		return orderdomain.ErrApprovalMissing
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order orderdomain.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Items").
			First(&order, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return orderdomain.ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if order.State != orderdomain.StateRequested {
			return orderdomain.ErrOrderNotApprovable
		}

		now := s.clk.Now()
		if byProvider {
			order.ProviderApprovedBy = actingUser
			order.ProviderApprovedAt = &now
		} else {
			order.ConsumerApprovedBy = actingUser
			order.ConsumerApprovedAt = &now
		}

		approved := order.ConsumerApprovedBy != ""
		if approved {
			needsProvider, err := needsProviderApproval(tx, &order)
			if err != nil {
				return err
			}
			if needsProvider {
				approved = order.ProviderApprovedBy != ""
			}
		}
		if approved {
			order.State = orderdomain.StatePending
		}
		order.UpdatedAt = now
		if err := tx.Omit("Items").Save(&order).Error; err != nil {
			return err
		}
		if !approved {
			return nil
		}
		return s.publishDecision(ctx, tx, &order, true, actingUser, now)
	})
}

// needsProviderApproval reports whether the order touches a billable shared
// offering; those need sign-off from the provider as well as the consumer.
// Lookups run in the caller's transaction and any failure aborts the
// approval rather than waving the order through.
func needsProviderApproval(tx *gorm.DB, order *orderdomain.Order) (bool, error) {
	for i := range order.Items {
		var offering offeringdomain.Offering
		if err := tx.First(&offering, order.Items[i].OfferingID).Error; err != nil {
			return false, err
		}
		if offering.Billable && offering.Shared {
			return true, nil
		}
	}
	return false, nil
}

// Reject declines a requested order.
func (s *Service) Reject(ctx context.Context, orderID, actingUser, reason string) error {
	id, err := parseID(orderID)
	if err != nil {
		return orderdomain.ErrInvalidOrderID
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clk.Now()
		res := tx.Model(&orderdomain.Order{}).
			Where("id = ? AND state = ?", id, orderdomain.StateRequested).
			Updates(map[string]any{
				"state":      orderdomain.StateRejected,
				"error_msg":  reason,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.stateError(ctx, id, orderdomain.ErrOrderNotApprovable)
		}
		var order orderdomain.Order
		if err := tx.First(&order, id).Error; err != nil {
			return err
		}
		return s.publishDecision(ctx, tx, &order, false, actingUser, now)
	})
}

// Cancel withdraws an order before execution starts.
func (s *Service) Cancel(ctx context.Context, orderID, actingUser string) error {
	id, err := parseID(orderID)
	if err != nil {
		return orderdomain.ErrInvalidOrderID
	}
	res := s.db.WithContext(ctx).Model(&orderdomain.Order{}).
		Where("id = ? AND state IN ?", id, []orderdomain.State{
			orderdomain.StateRequested,
			orderdomain.StatePending,
		}).
		Updates(map[string]any{"state": orderdomain.StateCanceled, "updated_at": s.clk.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.stateError(ctx, id, orderdomain.ErrInvalidTransition)
	}
	return nil
}

func (s *Service) publishDecision(ctx context.Context, tx *gorm.DB, order *orderdomain.Order, approved bool, actingUser string, now time.Time) error {
	event := events.OrderDecision{
		OrderID:    order.ID,
		OrgID:      order.OrgID,
		Approved:   approved,
		ActingUser: actingUser,
		At:         now,
	}
	if err := s.dispatcher.Dispatch(ctx, tx, event); err != nil {
		return err
	}
	return s.outbox.PublishTx(ctx, tx, events.OutboxEvent{
		OrgID: order.OrgID,
		Type:  event.EventType(),
		Payload: map[string]any{
			"order_id":    order.ID.String(),
			"acting_user": actingUser,
			"approved":    approved,
		},
		DedupeKey: fmt.Sprintf("order-decision-%s", order.ID),
	})
}

// Execute claims a pending order and runs every item through its processor.
// Each item runs in its own transaction: a failed item never poisons its
// siblings, and a processor panic is captured as an ERRED item rather than a
// crashed worker.
func (s *Service) Execute(ctx context.Context, orderID, actingUser string) error {
	id, err := parseID(orderID)
	if err != nil {
		return orderdomain.ErrInvalidOrderID
	}

	res := s.db.WithContext(ctx).Model(&orderdomain.Order{}).
		Where("id = ? AND state = ?", id, orderdomain.StatePending).
		Updates(map[string]any{"state": orderdomain.StateExecuting, "updated_at": s.clk.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.stateError(ctx, id, orderdomain.ErrOrderNotPending)
	}

	var order orderdomain.Order
	if err := s.db.WithContext(ctx).Preload("Items").First(&order, id).Error; err != nil {
		return err
	}

	for i := range order.Items {
		if order.Items[i].State != orderdomain.StatePending {
			continue
		}
		s.executeItem(ctx, &order, &order.Items[i], actingUser)
	}
	return s.finalizeOrder(ctx, id)
}

func (s *Service) executeItem(ctx context.Context, order *orderdomain.Order, item *orderdomain.OrderItem, actingUser string) {
	now := s.clk.Now()
	err := s.db.WithContext(ctx).Model(&orderdomain.OrderItem{}).
		Where("id = ? AND state = ?", item.ID, orderdomain.StatePending).
		Updates(map[string]any{"state": orderdomain.StateExecuting, "updated_at": now}).Error
	if err != nil {
		s.log.Error("failed to claim order item", zap.String("item_id", item.ID.String()), zap.Error(err))
		return
	}
	item.State = orderdomain.StateExecuting

	var done bool
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) (err error) {
		defer func() {
			if r := recover(); r != nil {
				item.Traceback = string(debug.Stack())
				err = fmt.Errorf("processor panic: %v", r)
			}
		}()
		done, err = s.processItem(ctx, tx, order, item, actingUser, now)
		return err
	})
	if txErr != nil {
		s.failItemState(ctx, item, txErr.Error())
		s.metrics.IncOrderProcessed(string(item.Type), "erred")
		s.log.Error("order item failed",
			zap.String("item_id", item.ID.String()),
			zap.String("type", string(item.Type)),
			zap.Error(txErr),
		)
		return
	}
	if done {
		item.State = orderdomain.StateDone
		s.metrics.IncOrderProcessed(string(item.Type), "done")
	} else {
		s.metrics.IncOrderProcessed(string(item.Type), "pending")
	}
}

func (s *Service) processItem(ctx context.Context, tx *gorm.DB, order *orderdomain.Order, item *orderdomain.OrderItem, actingUser string, now time.Time) (bool, error) {
	var offering offeringdomain.Offering
	if err := tx.First(&offering, item.OfferingID).Error; err != nil {
		return false, err
	}
	proc, err := s.registry.Processor(offering.Type, item.Type)
	if err != nil {
		return false, err
	}

	switch item.Type {
	case orderdomain.TypeCreate:
		res := &resourcedomain.Resource{
			ID:         s.genID.Generate(),
			ProjectID:  order.ProjectID,
			OrgID:      order.OrgID,
			OfferingID: item.OfferingID,
			PlanID:     item.PlanID,
			Name:       item.Name,
			State:      resourcedomain.StateCreating,
			Limits:     item.Limits,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(res).Error; err != nil {
			return false, err
		}
		item.ResourceID = res.ID
		if err := tx.Model(&orderdomain.OrderItem{}).Where("id = ?", item.ID).
			Update("resource_id", res.ID).Error; err != nil {
			return false, err
		}

		outcome, err := proc.Process(ctx, tx, item, actingUser)
		if err != nil {
			return false, err
		}
		if !outcome.Scope.IsZero() {
			if err := s.saveScope(tx, res.ID, outcome.Scope); err != nil {
				return false, err
			}
			res.Scope = outcome.Scope
		}
		if !outcome.Done {
			return false, nil
		}
		return true, s.completeCreate(ctx, tx, res, item, now)

	case orderdomain.TypeUpdate:
		var res resourcedomain.Resource
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&res, item.ResourceID).Error; err != nil {
			return false, err
		}
		if err := resourcedomain.GuardedTransition(tx, res.ID, resourcedomain.StateOK, resourcedomain.StateUpdating, now); err != nil {
			return false, err
		}
		res.State = resourcedomain.StateUpdating

		outcome, err := proc.Process(ctx, tx, item, actingUser)
		if err != nil {
			return false, err
		}
		if !outcome.Done {
			return false, nil
		}
		return true, s.completeUpdate(ctx, tx, &res, item, now)

	case orderdomain.TypeTerminate:
		var res resourcedomain.Resource
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&res, item.ResourceID).Error; err != nil {
			return false, err
		}
		if err := resourcedomain.GuardedTransition(tx, res.ID, res.State, resourcedomain.StateTerminating, now); err != nil {
			return false, err
		}
		res.State = resourcedomain.StateTerminating

		outcome, err := proc.Process(ctx, tx, item, actingUser)
		if err != nil {
			return false, err
		}
		if !outcome.Done {
			return false, nil
		}
		return true, s.completeTerminate(ctx, tx, &res, item, now)
	}
	return false, orderdomain.ErrInvalidOrderType
}

// completeCreate flips the resource to OK and notifies observers, invoicing
// first among them, inside the same transaction.
func (s *Service) completeCreate(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, item *orderdomain.OrderItem, now time.Time) error {
	if err := resourcedomain.GuardedTransition(tx, res.ID, resourcedomain.StateCreating, resourcedomain.StateOK, now); err != nil {
		return err
	}
	res.State = resourcedomain.StateOK
	if err := s.dispatcher.Dispatch(ctx, tx, events.ResourceStateChanged{
		Resource:  res,
		Old:       resourcedomain.StateCreating,
		New:       resourcedomain.StateOK,
		OrderType: orderdomain.TypeCreate,
		At:        now,
	}); err != nil {
		return err
	}
	return s.markItemDone(tx, item.ID, now)
}

func (s *Service) completeUpdate(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, item *orderdomain.OrderItem, now time.Time) error {
	updates := map[string]any{"updated_at": now}
	planSwitched := item.PlanID != 0 && item.PlanID != res.PlanID
	oldPlanID := res.PlanID
	if planSwitched {
		updates["plan_id"] = item.PlanID
	}
	var limitChanges []events.LimitsChanged
	if len(item.Limits) > 0 {
		limitChanges = diffLimits(res, item.Limits, now)
		updates["limits"] = item.Limits
	}
	if err := tx.Model(&resourcedomain.Resource{}).Where("id = ?", res.ID).Updates(updates).Error; err != nil {
		return err
	}
	if planSwitched {
		res.PlanID = item.PlanID
	}
	if len(item.Limits) > 0 {
		res.Limits = item.Limits
	}

	if err := resourcedomain.GuardedTransition(tx, res.ID, resourcedomain.StateUpdating, resourcedomain.StateOK, now); err != nil {
		return err
	}
	res.State = resourcedomain.StateOK

	if planSwitched {
		if err := s.dispatcher.Dispatch(ctx, tx, events.PlanSwitched{
			Resource:  res,
			OldPlanID: oldPlanID,
			NewPlanID: item.PlanID,
			At:        now,
		}); err != nil {
			return err
		}
	}
	for _, change := range limitChanges {
		change.Resource = res
		if err := s.dispatcher.Dispatch(ctx, tx, change); err != nil {
			return err
		}
	}
	if err := s.dispatcher.Dispatch(ctx, tx, events.ResourceStateChanged{
		Resource:  res,
		Old:       resourcedomain.StateUpdating,
		New:       resourcedomain.StateOK,
		OrderType: orderdomain.TypeUpdate,
		At:        now,
	}); err != nil {
		return err
	}
	return s.markItemDone(tx, item.ID, now)
}

func (s *Service) completeTerminate(ctx context.Context, tx *gorm.DB, res *resourcedomain.Resource, item *orderdomain.OrderItem, now time.Time) error {
	if err := resourcedomain.GuardedTransition(tx, res.ID, resourcedomain.StateTerminating, resourcedomain.StateTerminated, now); err != nil {
		return err
	}
	old := res.State
	res.State = resourcedomain.StateTerminated
	if err := s.dispatcher.Dispatch(ctx, tx, events.ResourceStateChanged{
		Resource:  res,
		Old:       old,
		New:       resourcedomain.StateTerminated,
		OrderType: orderdomain.TypeTerminate,
		At:        now,
	}); err != nil {
		return err
	}
	return s.markItemDone(tx, item.ID, now)
}

// diffLimits emits one change per component whose quantity differs between
// the current and requested limits.
func diffLimits(res *resourcedomain.Resource, requested datatypes.JSONMap, now time.Time) []events.LimitsChanged {
	seen := map[string]bool{}
	var changes []events.LimitsChanged
	record := func(componentType string) {
		if seen[componentType] {
			return
		}
		seen[componentType] = true
		old := res.LimitQuantity(componentType)
		next := quantityOf(requested[componentType])
		if old != next {
			changes = append(changes, events.LimitsChanged{
				ComponentType: componentType,
				Old:           old,
				New:           next,
				At:            now,
			})
		}
	}
	for componentType := range res.Limits {
		record(componentType)
	}
	for componentType := range requested {
		record(componentType)
	}
	return changes
}

func quantityOf(v any) int64 {
	switch q := v.(type) {
	case float64:
		return int64(q)
	case int64:
		return q
	case int:
		return int64(q)
	default:
		return 0
	}
}

func (s *Service) markItemDone(tx *gorm.DB, itemID snowflake.ID, now time.Time) error {
	return tx.Model(&orderdomain.OrderItem{}).
		Where("id = ?", itemID).
		Updates(map[string]any{"state": orderdomain.StateDone, "updated_at": now}).Error
}

// failItemState marks the item ERRED and settles the resource. A failed
// create errs the resource; failed updates and terminates hand it back to OK,
// with the pre-order plan and limits restored for updates. The resource write
// is guarded on the in-flight state this item moved it into, so an item that
// lost the state race to a concurrent order never touches the winner's
// resource.
func (s *Service) failItemState(ctx context.Context, item *orderdomain.OrderItem, message string) {
	now := s.clk.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&orderdomain.OrderItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]any{
				"state":      orderdomain.StateErred,
				"error_msg":  message,
				"traceback":  item.Traceback,
				"updated_at": now,
			}).Error
		if err != nil {
			return err
		}
		if item.ResourceID == 0 {
			return nil
		}

		var pending resourcedomain.State
		updates := map[string]any{"updated_at": now}
		switch item.Type {
		case orderdomain.TypeCreate:
			pending = resourcedomain.StateCreating
			updates["state"] = resourcedomain.StateErred
			updates["error_msg"] = message
		case orderdomain.TypeUpdate:
			pending = resourcedomain.StateUpdating
			updates["state"] = resourcedomain.StateOK
			updates["plan_id"] = item.OldPlanID
			updates["limits"] = item.OldLimits
		case orderdomain.TypeTerminate:
			pending = resourcedomain.StateTerminating
			updates["state"] = resourcedomain.StateOK
		default:
			return nil
		}
		return tx.Model(&resourcedomain.Resource{}).
			Where("id = ? AND state = ?", item.ResourceID, pending).
			Updates(updates).Error
	})
	if err != nil {
		s.log.Error("failed to record item failure", zap.String("item_id", item.ID.String()), zap.Error(err))
		return
	}
	item.State = orderdomain.StateErred
	item.ErrorMsg = message
}

// finalizeOrder folds item states up to the order: any ERRED item errs the
// order, any still-executing item keeps it EXECUTING, all DONE completes it.
func (s *Service) finalizeOrder(ctx context.Context, orderID snowflake.ID) error {
	var items []orderdomain.OrderItem
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		return err
	}

	errorMsg := ""
	anyErred := false
	for i := range items {
		switch items[i].State {
		case orderdomain.StateErred:
			anyErred = true
			if errorMsg == "" {
				errorMsg = items[i].ErrorMsg
			}
		case orderdomain.StateExecuting, orderdomain.StatePending:
			// An in-flight async item keeps the order open; the stuck-order
			// sweep errs it if the backend never reports back.
			return nil
		}
	}
	state := orderdomain.StateDone
	if anyErred {
		state = orderdomain.StateErred
	}

	return s.db.WithContext(ctx).Model(&orderdomain.Order{}).
		Where("id = ? AND state = ?", orderID, orderdomain.StateExecuting).
		Updates(map[string]any{
			"state":      state,
			"error_msg":  errorMsg,
			"updated_at": s.clk.Now(),
		}).Error
}

// CompleteItem finishes an item whose backend completed asynchronously.
func (s *Service) CompleteItem(ctx context.Context, itemID string, scopeKind, scopeID string) error {
	id, err := parseID(itemID)
	if err != nil {
		return orderdomain.ErrInvalidOrderID
	}

	var orderID snowflake.ID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item orderdomain.OrderItem
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&item, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return orderdomain.ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if item.State != orderdomain.StateExecuting {
			return orderdomain.ErrInvalidTransition
		}
		orderID = item.OrderID

		var res resourcedomain.Resource
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&res, item.ResourceID).Error; err != nil {
			return err
		}
		if scopeKind != "" || scopeID != "" {
			scope := resourcedomain.ScopeRef{Kind: scopeKind, ID: scopeID}
			if err := s.saveScope(tx, res.ID, scope); err != nil {
				return err
			}
			res.Scope = scope
		}

		now := s.clk.Now()
		switch item.Type {
		case orderdomain.TypeCreate:
			return s.completeCreate(ctx, tx, &res, &item, now)
		case orderdomain.TypeUpdate:
			return s.completeUpdate(ctx, tx, &res, &item, now)
		case orderdomain.TypeTerminate:
			return s.completeTerminate(ctx, tx, &res, &item, now)
		}
		return orderdomain.ErrInvalidOrderType
	})
	if err != nil {
		return err
	}
	return s.finalizeOrder(ctx, orderID)
}

// FailItem errs an item whose backend reported an asynchronous failure.
func (s *Service) FailItem(ctx context.Context, itemID string, message string) error {
	id, err := parseID(itemID)
	if err != nil {
		return orderdomain.ErrInvalidOrderID
	}
	var item orderdomain.OrderItem
	err = s.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return orderdomain.ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if item.State != orderdomain.StateExecuting {
		return orderdomain.ErrInvalidTransition
	}

	s.failItemState(ctx, &item, message)
	s.metrics.IncOrderProcessed(string(item.Type), "erred")
	return s.finalizeOrder(ctx, item.OrderID)
}

func (s *Service) saveScope(tx *gorm.DB, resourceID snowflake.ID, scope resourcedomain.ScopeRef) error {
	return tx.Model(&resourcedomain.Resource{}).
		Where("id = ?", resourceID).
		Updates(map[string]any{"scope_kind": scope.Kind, "scope_id": scope.ID}).Error
}

func (s *Service) GetByID(ctx context.Context, orderID string) (*orderdomain.Order, error) {
	id, err := parseID(orderID)
	if err != nil {
		return nil, orderdomain.ErrInvalidOrderID
	}
	var order orderdomain.Order
	err = s.db.WithContext(ctx).Preload("Items").First(&order, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, orderdomain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Service) List(ctx context.Context, req orderdomain.ListOrderRequest) (orderdomain.ListOrderResponse, error) {
	resp := orderdomain.ListOrderResponse{Orders: []orderdomain.Order{}}

	filter := orderdomain.Order{State: orderdomain.State(strings.TrimSpace(req.State))}
	if projectID := strings.TrimSpace(req.ProjectID); projectID != "" {
		id, err := parseID(projectID)
		if err != nil {
			return resp, orderdomain.ErrInvalidProject
		}
		filter.ProjectID = id
	}

	opts := []repository.Option{
		option.WithSortBy(option.QuerySortBy{Desc: true}),
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(req.PageSize),
		}),
	}
	orders, err := s.orderrepo.Find(ctx, &filter, opts...)
	if err != nil {
		return resp, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	info := pagination.BuildCursorPageInfo(orders, pageSize, func(order *orderdomain.Order) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        order.ID.String(),
			CreatedAt: order.CreatedAt.Format(time.RFC3339Nano),
		})
		return token
	})
	if len(orders) > int(pageSize) {
		orders = orders[:pageSize]
	}

	resp.PageInfo = *info
	for _, order := range orders {
		resp.Orders = append(resp.Orders, *order)
	}
	return resp, nil
}

func (s *Service) stateError(ctx context.Context, id snowflake.ID, guardErr error) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&orderdomain.Order{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return orderdomain.ErrOrderNotFound
	}
	return guardErr
}

func parseID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty id")
	}
	return snowflake.ParseString(raw)
}
