package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/money"
)

// memStore держит весь журнал в памяти под одним мьютексом. Используется без
// DSN и в тестах; семантика совпадает с Postgres-реализацией.
type memStore struct {
	mu sync.Mutex

	donations map[string]model.DonationEntry
	byKey     map[string]string
	byRef     map[string]string
	byReceipt map[int64]string
	causes    map[string]causeRef
	seq       int64

	goals         map[string]model.Goal
	distributions map[string]model.Distribution
	// distribution id -> cause allocation id -> cents
	allocated map[string]map[string]int64
}

type causeRef struct {
	donationID string
	position   int
}

func NewMemStore() Store {
	return &memStore{
		donations:     make(map[string]model.DonationEntry),
		byKey:         make(map[string]string),
		byRef:         make(map[string]string),
		byReceipt:     make(map[int64]string),
		causes:        make(map[string]causeRef),
		goals:         make(map[string]model.Goal),
		distributions: make(map[string]model.Distribution),
		allocated:     make(map[string]map[string]int64),
	}
}

func (s *memStore) Close() error { return nil }

func refKeys(ref model.ExternalRef) []string {
	var keys []string
	if ref.ChargeID != "" {
		keys = append(keys, "charge:"+ref.ChargeID)
	}
	if ref.BankTransactionID != "" {
		keys = append(keys, "bank:"+ref.BankTransactionID)
	}
	return keys
}

func cloneEntry(e model.DonationEntry) model.DonationEntry {
	e.Allocations = slices.Clone(e.Allocations)
	return e
}

func (s *memStore) DonationCreate(ctx context.Context, entry model.DonationEntry) (model.DonationEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.DonationEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byKey[entry.NaturalKey]; ok {
		return model.DonationEntry{}, ErrAlreadyExists
	}
	if _, ok := s.donations[entry.ID]; ok {
		return model.DonationEntry{}, ErrAlreadyExists
	}
	for _, k := range refKeys(entry.Ref) {
		if _, ok := s.byRef[k]; ok {
			return model.DonationEntry{}, ErrDuplicateRequest
		}
	}
	for _, a := range entry.Allocations {
		if _, ok := s.causes[a.ID]; ok {
			return model.DonationEntry{}, ErrDuplicateRequest
		}
		if a.AmountCents <= 0 {
			return model.DonationEntry{}, ErrAmountIncorrect
		}
	}
	if entry.AmountDonated.Cents < 0 || entry.AmountCharged.Cents < entry.AmountDonated.Cents {
		return model.DonationEntry{}, ErrAmountIncorrect
	}

	s.seq++
	entry.ReceiptSeq = s.seq
	entry = cloneEntry(entry)
	for i := range entry.Allocations {
		entry.Allocations[i].DonationID = entry.ID
		s.causes[entry.Allocations[i].ID] = causeRef{donationID: entry.ID, position: i}
	}
	s.donations[entry.ID] = entry
	s.byKey[entry.NaturalKey] = entry.ID
	s.byReceipt[entry.ReceiptSeq] = entry.ID
	for _, k := range refKeys(entry.Ref) {
		s.byRef[k] = entry.ID
	}
	return cloneEntry(entry), nil
}

func (s *memStore) DonationGet(ctx context.Context, id string) (model.DonationEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.DonationEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.donations[id]
	if !ok {
		return model.DonationEntry{}, ErrNoRows
	}
	return cloneEntry(entry), nil
}

func (s *memStore) DonationGetByKey(ctx context.Context, naturalKey string) (model.DonationEntry, error) {
	s.mu.Lock()
	id, ok := s.byKey[naturalKey]
	s.mu.Unlock()
	if !ok {
		return model.DonationEntry{}, ErrNoRows
	}
	return s.DonationGet(ctx, id)
}

func (s *memStore) DonationGetByReceipt(ctx context.Context, receiptSeq int64) (model.DonationEntry, error) {
	s.mu.Lock()
	id, ok := s.byReceipt[receiptSeq]
	s.mu.Unlock()
	if !ok {
		return model.DonationEntry{}, ErrNoRows
	}
	return s.DonationGet(ctx, id)
}

func (s *memStore) DonationSetStatus(ctx context.Context, id string, status model.DonationStatus) (model.DonationEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.DonationEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.donations[id]
	if !ok {
		return model.DonationEntry{}, ErrNoRows
	}
	if entry.Status.CanTransition(status) {
		entry.Status = status
		s.donations[id] = entry
		if status == model.DonationStatusFailed {
			s.releaseUndelivered(entry)
		}
	}
	if entry.Status != status {
		return cloneEntry(entry), fmt.Errorf("%w: %s -> %s", model.ErrStatusTransition, entry.Status, status)
	}
	return cloneEntry(entry), nil
}

// releaseUndelivered снимает разбивку поступления со всех непереданных
// распределений. Вызывается под мьютексом.
func (s *memStore) releaseUndelivered(entry model.DonationEntry) {
	for distributionID, lines := range s.allocated {
		if s.distributions[distributionID].Delivered() {
			continue
		}
		for _, a := range entry.Allocations {
			delete(lines, a.ID)
		}
	}
}

func (s *memStore) DonationMarkReceiptIssued(ctx context.Context, id string) (model.DonationEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.DonationEntry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.donations[id]
	if !ok {
		return model.DonationEntry{}, false, ErrNoRows
	}
	issued := !entry.ReceiptIssued && entry.Status != model.DonationStatusFailed
	if issued {
		entry.ReceiptIssued = true
		s.donations[id] = entry
	}
	return cloneEntry(entry), issued, nil
}

// causeAllocated - сумма по строке разбивки во всех распределениях.
func (s *memStore) causeAllocated(causeAllocationID string, deliveredOnly bool) int64 {
	var sum int64
	for distributionID, lines := range s.allocated {
		if deliveredOnly && !s.distributions[distributionID].Delivered() {
			continue
		}
		sum += lines[causeAllocationID]
	}
	return sum
}

func (s *memStore) causeAllocation(causeAllocationID string) (model.DonationEntry, model.CauseAllocation, bool) {
	ref, ok := s.causes[causeAllocationID]
	if !ok {
		return model.DonationEntry{}, model.CauseAllocation{}, false
	}
	entry := s.donations[ref.donationID]
	return entry, entry.Allocations[ref.position], true
}

func (s *memStore) DonationListUnallocated(ctx context.Context, filter model.UnallocatedFilter) ([]model.UnallocatedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []model.UnallocatedItem
	for _, entry := range s.donations {
		if entry.Status != model.DonationStatusProcessing {
			continue
		}
		if filter.Currency != "" && entry.AmountDonated.Currency != filter.Currency {
			continue
		}
		for _, a := range entry.Allocations {
			if filter.Cause != "" && a.Cause != filter.Cause {
				continue
			}
			if filter.Region != "" && a.Region != filter.Region {
				continue
			}
			remaining := a.AmountCents - s.causeAllocated(a.ID, false)
			if remaining <= 0 {
				continue
			}
			items = append(items, model.UnallocatedItem{
				DonationID:     entry.ID,
				Date:           entry.Date,
				Currency:       entry.AmountDonated.Currency,
				Allocation:     a,
				RemainingCents: remaining,
			})
		}
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.DonationID != b.DonationID {
			return a.DonationID < b.DonationID
		}
		return a.Allocation.Position < b.Allocation.Position
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *memStore) CauseAllocationRemaining(ctx context.Context, causeAllocationID string) (model.CauseAllocation, int64, error) {
	if err := ctx.Err(); err != nil {
		return model.CauseAllocation{}, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, a, ok := s.causeAllocation(causeAllocationID)
	if !ok {
		return model.CauseAllocation{}, 0, ErrNoRows
	}
	remaining := a.AmountCents - s.causeAllocated(a.ID, false)
	if remaining < 0 {
		return a, 0, failure.Integrity(fmt.Errorf("cause allocation %s over allocated by %d", a.ID, -remaining))
	}
	return a, remaining, nil
}

// Цели

func (s *memStore) GoalCreate(ctx context.Context, goal model.Goal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.goals[goal.ID]; ok {
		return ErrAlreadyExists
	}
	s.goals[goal.ID] = goal
	return nil
}

func (s *memStore) GoalGet(ctx context.Context, id string) (model.Goal, error) {
	if err := ctx.Err(); err != nil {
		return model.Goal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	goal, ok := s.goals[id]
	if !ok {
		return model.Goal{}, ErrNoRows
	}
	return goal, nil
}

func (s *memStore) GoalUpdate(ctx context.Context, goal model.Goal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.goals[goal.ID]
	if !ok {
		return ErrNoRows
	}
	if current.Target.Currency != goal.Target.Currency {
		return money.ErrCurrencyMismatch
	}
	current.Title = goal.Title
	current.Target = goal.Target
	current.UpdatedAt = goal.UpdatedAt
	s.goals[goal.ID] = current
	return nil
}

func (s *memStore) GoalDelete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.goals[id]; !ok {
		return ErrNoRows
	}
	for _, d := range s.distributions {
		if d.GoalID == id {
			return ErrGoalReferenced
		}
	}
	delete(s.goals, id)
	return nil
}

func (s *memStore) GoalList(ctx context.Context) ([]model.Goal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	goals := make([]model.Goal, 0, len(s.goals))
	for _, g := range s.goals {
		goals = append(goals, g)
	}
	sort.Slice(goals, func(i, j int) bool {
		if !goals[i].CreatedAt.Equal(goals[j].CreatedAt) {
			return goals[i].CreatedAt.Before(goals[j].CreatedAt)
		}
		return goals[i].ID < goals[j].ID
	})
	return goals, nil
}

func (s *memStore) GoalProgress(ctx context.Context, id string) (model.GoalProgress, error) {
	if err := ctx.Err(); err != nil {
		return model.GoalProgress{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	goal, ok := s.goals[id]
	if !ok {
		return model.GoalProgress{}, ErrNoRows
	}
	progress := model.GoalProgress{
		GoalID:         goal.ID,
		TotalTarget:    goal.Target,
		TotalAllocated: money.Zero(goal.Target.Currency),
	}
	for distributionID, d := range s.distributions {
		if d.GoalID != id {
			continue
		}
		for _, cents := range s.allocated[distributionID] {
			progress.TotalAllocated.Cents += cents
		}
	}
	return progress, nil
}

// Распределения

func (s *memStore) DistributionCreate(ctx context.Context, distribution model.Distribution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.distributions[distribution.ID]; ok {
		return ErrAlreadyExists
	}
	if distribution.GoalID != "" {
		goal, ok := s.goals[distribution.GoalID]
		if !ok {
			return fmt.Errorf("goal %s: %w", distribution.GoalID, ErrNoRows)
		}
		if goal.Target.Currency != distribution.Currency {
			return money.ErrCurrencyMismatch
		}
	}
	distribution.Allocations = nil
	distribution.DeliveredAt = nil
	s.distributions[distribution.ID] = distribution
	s.allocated[distribution.ID] = make(map[string]int64)
	return nil
}

func (s *memStore) DistributionGet(ctx context.Context, id string) (model.Distribution, error) {
	if err := ctx.Err(); err != nil {
		return model.Distribution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.distributions[id]
	if !ok {
		return model.Distribution{}, ErrNoRows
	}
	return s.withAllocations(d), nil
}

func (s *memStore) withAllocations(d model.Distribution) model.Distribution {
	type line struct {
		entry model.DonationEntry
		ca    model.CauseAllocation
		cents int64
	}
	var lines []line
	for caID, cents := range s.allocated[d.ID] {
		entry, ca, _ := s.causeAllocation(caID)
		lines = append(lines, line{entry: entry, ca: ca, cents: cents})
	}
	sort.Slice(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if !a.entry.Date.Equal(b.entry.Date) {
			return a.entry.Date.Before(b.entry.Date)
		}
		if a.entry.ID != b.entry.ID {
			return a.entry.ID < b.entry.ID
		}
		return a.ca.Position < b.ca.Position
	})

	d.Allocations = nil
	for _, l := range lines {
		d.Allocations = append(d.Allocations, model.DistributionAllocation{
			DonationID:        l.entry.ID,
			CauseAllocationID: l.ca.ID,
			AmountCents:       l.cents,
		})
	}
	if d.DeliveredAt != nil {
		at := *d.DeliveredAt
		d.DeliveredAt = &at
	}
	return d
}

func (s *memStore) DistributionList(ctx context.Context, goalID string) ([]model.Distribution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var distributions []model.Distribution
	for _, d := range s.distributions {
		if goalID != "" && d.GoalID != goalID {
			continue
		}
		distributions = append(distributions, s.withAllocations(d))
	}
	sort.Slice(distributions, func(i, j int) bool {
		a, b := distributions[i], distributions[j]
		if !a.TransactionDate.Equal(b.TransactionDate) {
			return a.TransactionDate.Before(b.TransactionDate)
		}
		return a.ID < b.ID
	})
	return distributions, nil
}

// checkAllocation - те же проверки, что и lockForAllocation в Postgres.
// Вызывается под мьютексом.
func (s *memStore) checkAllocation(distributionID string, causeAllocationID string, allocate bool) (amount int64, allocated int64, current int64, err error) {
	d, ok := s.distributions[distributionID]
	if !ok {
		return 0, 0, 0, fmt.Errorf("distribution %s: %w", distributionID, ErrNoRows)
	}
	if d.Delivered() {
		return 0, 0, 0, ErrDistributionDelivered
	}
	entry, ca, ok := s.causeAllocation(causeAllocationID)
	if !ok {
		return 0, 0, 0, fmt.Errorf("cause allocation %s: %w", causeAllocationID, ErrNoRows)
	}
	if entry.AmountDonated.Currency != d.Currency {
		return 0, 0, 0, money.ErrCurrencyMismatch
	}
	if allocate && entry.Status != model.DonationStatusProcessing {
		return 0, 0, 0, ErrDonationNotActive
	}
	allocated = s.causeAllocated(causeAllocationID, false)
	if allocated > ca.AmountCents {
		return 0, 0, 0, failure.Integrity(fmt.Errorf("cause allocation %s allocated %d beyond its %d",
			causeAllocationID, allocated, ca.AmountCents))
	}
	return ca.AmountCents, allocated, s.allocated[distributionID][causeAllocationID], nil
}

func (s *memStore) DistributionAllocate(ctx context.Context, distributionID string, causeAllocationID string, cents int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cents <= 0 {
		return ErrAmountIncorrect
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	amount, allocated, _, err := s.checkAllocation(distributionID, causeAllocationID, true)
	if err != nil {
		return err
	}
	remaining := amount - allocated
	if cents > remaining {
		return &OverAllocationError{CauseAllocationID: causeAllocationID, Requested: cents, Remaining: remaining}
	}
	s.allocated[distributionID][causeAllocationID] += cents
	return nil
}

func (s *memStore) DistributionDeallocate(ctx context.Context, distributionID string, causeAllocationID string, cents int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cents <= 0 {
		return ErrAmountIncorrect
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _, current, err := s.checkAllocation(distributionID, causeAllocationID, false)
	if err != nil {
		return err
	}
	if cents > current {
		return ErrDeallocationExceeds
	}
	if cents == current {
		delete(s.allocated[distributionID], causeAllocationID)
		return nil
	}
	s.allocated[distributionID][causeAllocationID] = current - cents
	return nil
}

func (s *memStore) DistributionRemove(ctx context.Context, distributionID string, causeAllocationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _, current, err := s.checkAllocation(distributionID, causeAllocationID, false)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("cause allocation %s in distribution %s: %w", causeAllocationID, distributionID, ErrNoRows)
	}
	delete(s.allocated[distributionID], causeAllocationID)
	return nil
}

func (s *memStore) DistributionDeliver(ctx context.Context, distributionID string, at time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.distributions[distributionID]
	if !ok {
		return nil, ErrNoRows
	}
	if d.Delivered() {
		return nil, ErrDistributionDelivered
	}
	if len(s.allocated[distributionID]) == 0 {
		return nil, ErrEmptyDistribution
	}

	touched := make(map[string]struct{})
	var failed []string
	for caID := range s.allocated[distributionID] {
		donationID := s.causes[caID].donationID
		if _, ok := touched[donationID]; ok {
			continue
		}
		touched[donationID] = struct{}{}
		if s.donations[donationID].Status == model.DonationStatusFailed {
			failed = append(failed, donationID)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return nil, fmt.Errorf("%w: %v", ErrFailedDonationHeld, failed)
	}
	d.DeliveredAt = &at
	s.distributions[distributionID] = d

	var advanced []string
	for donationID := range touched {
		entry := s.donations[donationID]
		if entry.Status != model.DonationStatusProcessing {
			continue
		}
		complete := true
		for _, a := range entry.Allocations {
			if s.causeAllocated(a.ID, true) < a.AmountCents {
				complete = false
				break
			}
		}
		if complete {
			entry.Status = model.DonationStatusDelivered
			s.donations[donationID] = entry
			advanced = append(advanced, donationID)
		}
	}
	sort.Strings(advanced)
	return advanced, nil
}
