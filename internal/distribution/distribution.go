// Package distribution groups cause allocations of recorded donations into
// outbound distributions to partner organisations and reports progress towards
// fundraising goals.
package distribution

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/donationledger/internal/allocation"
	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/money"
	"github.com/iurnickita/donationledger/internal/store"
)

type Aggregator interface {
	CreateGoal(ctx context.Context, goal GoalInput) (model.Goal, error)
	UpdateGoal(ctx context.Context, id string, goal GoalInput) (model.Goal, error)
	DeleteGoal(ctx context.Context, id string) error
	GetGoal(ctx context.Context, id string) (model.Goal, error)
	ListGoals(ctx context.Context) ([]model.Goal, error)
	GoalProgress(ctx context.Context, goalID string) (model.GoalProgress, error)

	CreateDistribution(ctx context.Context, distribution DistributionInput) (model.Distribution, error)
	GetDistribution(ctx context.Context, id string) (model.Distribution, error)
	ListDistributions(ctx context.Context, goalID string) ([]model.Distribution, error)
	Allocate(ctx context.Context, causeAllocationID string, distributionID string, cents int64) (model.Distribution, error)
	Deallocate(ctx context.Context, causeAllocationID string, distributionID string, cents int64) (model.Distribution, error)
	Remove(ctx context.Context, causeAllocationID string, distributionID string) (model.Distribution, error)
	MarkDelivered(ctx context.Context, distributionID string) (Delivery, error)

	ListUnallocated(ctx context.Context, filter model.UnallocatedFilter) ([]model.UnallocatedItem, error)
}

type GoalInput struct {
	Title  string
	Target money.Money
	Region string
}

type DistributionInput struct {
	PartnerName     string
	Currency        money.Currency
	TransactionDate time.Time
	GoalID          string
}

// Delivery - распределение после отметки о передаче и поступления, которые
// вместе с ним перешли в DELIVERED_TO_PARTNERS.
type Delivery struct {
	Distribution model.Distribution
	Advanced     []string
}

var (
	ErrTitleRequired   = failure.New(failure.KindInvalid, "goal title is required")
	ErrPartnerRequired = failure.New(failure.KindInvalid, "partner name is required")
	ErrInvalidTarget   = failure.New(failure.KindInvalid, "goal target must be positive")
)

const maxUnallocated = 500

type aggregator struct {
	store  store.Store
	policy *allocation.Policy
	zaplog *zap.Logger
	now    func() time.Time
}

func NewAggregator(store store.Store, policy *allocation.Policy, zaplog *zap.Logger) Aggregator {
	aggregator := aggregator{
		store:  store,
		policy: policy,
		zaplog: zaplog,
		now:    func() time.Time { return time.Now().UTC() },
	}
	return &aggregator
}

// Цели

func (aggregator *aggregator) goalFromInput(input GoalInput) (model.Goal, error) {
	goal := model.Goal{
		Title:  strings.TrimSpace(input.Title),
		Target: input.Target,
		Region: strings.ToUpper(strings.TrimSpace(input.Region)),
	}
	if goal.Title == "" {
		return model.Goal{}, ErrTitleRequired
	}
	if _, err := money.ParseCurrency(string(goal.Target.Currency)); err != nil {
		return model.Goal{}, err
	}
	if goal.Target.Cents <= 0 {
		return model.Goal{}, ErrInvalidTarget
	}
	if goal.Region != "" && !aggregator.policy.KnownRegion(goal.Region) {
		return model.Goal{}, allocation.ErrUnknownRegion
	}
	return goal, nil
}

func (aggregator *aggregator) CreateGoal(ctx context.Context, input GoalInput) (model.Goal, error) {
	goal, err := aggregator.goalFromInput(input)
	if err != nil {
		return model.Goal{}, err
	}
	goal.ID = uuid.NewString()
	goal.CreatedAt = aggregator.now()
	goal.UpdatedAt = goal.CreatedAt

	if err := aggregator.store.GoalCreate(ctx, goal); err != nil {
		return model.Goal{}, err
	}
	aggregator.zaplog.Info("goal created",
		zap.String("goal_id", goal.ID),
		zap.String("target", goal.Target.String()))
	return goal, nil
}

func (aggregator *aggregator) UpdateGoal(ctx context.Context, id string, input GoalInput) (model.Goal, error) {
	goal, err := aggregator.goalFromInput(input)
	if err != nil {
		return model.Goal{}, err
	}
	goal.ID = id
	goal.UpdatedAt = aggregator.now()

	if err := aggregator.store.GoalUpdate(ctx, goal); err != nil {
		return model.Goal{}, err
	}
	return aggregator.store.GoalGet(ctx, id)
}

func (aggregator *aggregator) DeleteGoal(ctx context.Context, id string) error {
	if err := aggregator.store.GoalDelete(ctx, id); err != nil {
		return err
	}
	aggregator.zaplog.Info("goal deleted", zap.String("goal_id", id))
	return nil
}

func (aggregator *aggregator) GetGoal(ctx context.Context, id string) (model.Goal, error) {
	return aggregator.store.GoalGet(ctx, id)
}

func (aggregator *aggregator) ListGoals(ctx context.Context) ([]model.Goal, error) {
	return aggregator.store.GoalList(ctx)
}

// GoalProgress каждый раз пересчитывается по распределениям цели.
func (aggregator *aggregator) GoalProgress(ctx context.Context, goalID string) (model.GoalProgress, error) {
	return aggregator.store.GoalProgress(ctx, goalID)
}

// Распределения

func (aggregator *aggregator) CreateDistribution(ctx context.Context, input DistributionInput) (model.Distribution, error) {
	partner := strings.TrimSpace(input.PartnerName)
	if partner == "" {
		return model.Distribution{}, ErrPartnerRequired
	}
	currency, err := money.ParseCurrency(string(input.Currency))
	if err != nil {
		return model.Distribution{}, err
	}
	distribution := model.Distribution{
		ID:              uuid.NewString(),
		PartnerName:     partner,
		Currency:        currency,
		TransactionDate: input.TransactionDate.UTC(),
		GoalID:          strings.TrimSpace(input.GoalID),
	}
	if distribution.TransactionDate.IsZero() {
		distribution.TransactionDate = aggregator.now()
	}

	if err := aggregator.store.DistributionCreate(ctx, distribution); err != nil {
		return model.Distribution{}, err
	}
	aggregator.zaplog.Info("distribution created",
		zap.String("distribution_id", distribution.ID),
		zap.String("partner", distribution.PartnerName),
		zap.String("goal_id", distribution.GoalID))
	return distribution, nil
}

func (aggregator *aggregator) GetDistribution(ctx context.Context, id string) (model.Distribution, error) {
	return aggregator.store.DistributionGet(ctx, id)
}

func (aggregator *aggregator) ListDistributions(ctx context.Context, goalID string) ([]model.Distribution, error) {
	return aggregator.store.DistributionList(ctx, goalID)
}

// Allocate переносит часть направления поступления в распределение. Остаток
// проверяется в той же транзакции, что и запись.
func (aggregator *aggregator) Allocate(ctx context.Context, causeAllocationID string, distributionID string, cents int64) (model.Distribution, error) {
	if cents <= 0 {
		return model.Distribution{}, store.ErrAmountIncorrect
	}
	if err := aggregator.store.DistributionAllocate(ctx, distributionID, causeAllocationID, cents); err != nil {
		return model.Distribution{}, aggregator.checked(err, causeAllocationID, distributionID)
	}
	aggregator.zaplog.Info("allocated to distribution",
		zap.String("distribution_id", distributionID),
		zap.String("cause_allocation_id", causeAllocationID),
		zap.Int64("cents", cents))
	return aggregator.store.DistributionGet(ctx, distributionID)
}

func (aggregator *aggregator) Deallocate(ctx context.Context, causeAllocationID string, distributionID string, cents int64) (model.Distribution, error) {
	if cents <= 0 {
		return model.Distribution{}, store.ErrAmountIncorrect
	}
	if err := aggregator.store.DistributionDeallocate(ctx, distributionID, causeAllocationID, cents); err != nil {
		return model.Distribution{}, aggregator.checked(err, causeAllocationID, distributionID)
	}
	aggregator.zaplog.Info("deallocated from distribution",
		zap.String("distribution_id", distributionID),
		zap.String("cause_allocation_id", causeAllocationID),
		zap.Int64("cents", cents))
	return aggregator.store.DistributionGet(ctx, distributionID)
}

func (aggregator *aggregator) Remove(ctx context.Context, causeAllocationID string, distributionID string) (model.Distribution, error) {
	if err := aggregator.store.DistributionRemove(ctx, distributionID, causeAllocationID); err != nil {
		return model.Distribution{}, aggregator.checked(err, causeAllocationID, distributionID)
	}
	aggregator.zaplog.Info("removed from distribution",
		zap.String("distribution_id", distributionID),
		zap.String("cause_allocation_id", causeAllocationID))
	return aggregator.store.DistributionGet(ctx, distributionID)
}

func (aggregator *aggregator) MarkDelivered(ctx context.Context, distributionID string) (Delivery, error) {
	advanced, err := aggregator.store.DistributionDeliver(ctx, distributionID, aggregator.now())
	if err != nil {
		return Delivery{}, err
	}
	distribution, err := aggregator.store.DistributionGet(ctx, distributionID)
	if err != nil {
		return Delivery{}, err
	}
	aggregator.zaplog.Info("distribution delivered",
		zap.String("distribution_id", distributionID),
		zap.String("amount", distribution.Amount().String()),
		zap.Strings("advanced_donations", advanced))
	return Delivery{Distribution: distribution, Advanced: advanced}, nil
}

// ListUnallocated: по дате поступления, затем id поступления и позиции.
func (aggregator *aggregator) ListUnallocated(ctx context.Context, filter model.UnallocatedFilter) ([]model.UnallocatedItem, error) {
	if filter.Limit <= 0 || filter.Limit > maxUnallocated {
		filter.Limit = maxUnallocated
	}
	filter.Cause = strings.ToLower(strings.Join(strings.Fields(filter.Cause), " "))
	filter.Region = strings.ToUpper(strings.TrimSpace(filter.Region))
	if filter.Currency != "" {
		currency, err := money.ParseCurrency(string(filter.Currency))
		if err != nil {
			return nil, err
		}
		filter.Currency = currency
	}
	return aggregator.store.DonationListUnallocated(ctx, filter)
}

func (aggregator *aggregator) checked(err error, causeAllocationID string, distributionID string) error {
	if failure.IsIntegrity(err) {
		aggregator.zaplog.Error("ledger integrity violation",
			zap.String("cause_allocation_id", causeAllocationID),
			zap.String("distribution_id", distributionID),
			zap.Error(err))
	}
	return err
}
