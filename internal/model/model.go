package model

import (
	"fmt"
	"time"

	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/money"
)

// Поступления (пожертвования)

type DonationStatus string

const (
	DonationStatusProcessing = DonationStatus("PROCESSING")
	DonationStatusDelivered  = DonationStatus("DELIVERED_TO_PARTNERS")
	DonationStatusFailed     = DonationStatus("FAILED")
)

const (
	SourceStripe    = "stripe"
	SourceManual    = "manual"
	SourceETransfer = "etransfer"
)

var (
	ErrStatusTransition = failure.New(failure.KindConflict, "status transition not allowed")
	ErrUnknownStatus    = failure.New(failure.KindInvalid, "unknown donation status")
)

func ParseDonationStatus(s string) (DonationStatus, error) {
	switch status := DonationStatus(s); status {
	case DonationStatusProcessing, DonationStatusDelivered, DonationStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

func (s DonationStatus) Terminal() bool {
	return s == DonationStatusDelivered || s == DonationStatusFailed
}

// CanTransition: только вперёд, из терминального статуса выхода нет.
func (s DonationStatus) CanTransition(to DonationStatus) bool {
	return s == DonationStatusProcessing && to.Terminal()
}

type Address struct {
	Line       string `json:"line_address,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// Donor is a snapshot taken at donation time; later profile edits never touch it.
type Donor struct {
	FirstName          string  `json:"first_name"`
	MiddleName         string  `json:"middle_name,omitempty"`
	LastName           string  `json:"last_name"`
	Email              string  `json:"email"`
	Phone              string  `json:"phone,omitempty"`
	Address            Address `json:"address"`
	ProviderCustomerID string  `json:"provider_customer_id,omitempty"`
}

type ExternalRef struct {
	ChargeID             string
	PaymentIntentID      string
	BalanceTransactionID string
	BankTransactionID    string
}

type DonationEntry struct {
	ID            string
	NaturalKey    string
	Source        string
	Ref           ExternalRef
	Donor         Donor
	AmountDonated money.Money
	AmountCharged money.Money
	FeesCovered   money.Money
	ProcessorFee  money.Money
	Status        DonationStatus
	Date          time.Time
	CreatedAt     time.Time
	ReceiptSeq    int64
	// Квитанция выдается один раз и только за полученные деньги
	ReceiptIssued bool
	LiveMode      bool
	Allocations   []CauseAllocation
}

type CauseAllocation struct {
	ID          string
	DonationID  string
	Cause       string
	Region      string
	SubCause    string
	InHonorOf   string
	AmountCents int64
	Position    int
}

// CheckIntegrity проверяет инварианты записи, прочитанной из хранилища.
// Нарушение означает ошибку в данных, а не во входных параметрах.
func (e DonationEntry) CheckIntegrity() error {
	if e.AmountCharged.Cents < e.AmountDonated.Cents {
		return failure.Integrity(fmt.Errorf("donation %s: charged %d < donated %d",
			e.ID, e.AmountCharged.Cents, e.AmountDonated.Cents))
	}
	var sum int64
	for _, a := range e.Allocations {
		if a.DonationID != e.ID {
			return failure.Integrity(fmt.Errorf("donation %s: allocation %s belongs to %s",
				e.ID, a.ID, a.DonationID))
		}
		sum += a.AmountCents
	}
	if sum != e.AmountDonated.Cents {
		return failure.Integrity(fmt.Errorf("donation %s: allocations sum %d != donated %d",
			e.ID, sum, e.AmountDonated.Cents))
	}
	return nil
}

// Цели и распределения

type Goal struct {
	ID        string
	Title     string
	Target    money.Money
	Region    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Distribution struct {
	ID              string
	PartnerName     string
	Currency        money.Currency
	TransactionDate time.Time
	GoalID          string
	DeliveredAt     *time.Time
	Allocations     []DistributionAllocation
}

type DistributionAllocation struct {
	DonationID        string
	CauseAllocationID string
	AmountCents       int64
}

func (d Distribution) Delivered() bool {
	return d.DeliveredAt != nil
}

// Amount is always derived from the allocations, never stored.
func (d Distribution) Amount() money.Money {
	var sum int64
	for _, a := range d.Allocations {
		sum += a.AmountCents
	}
	return money.Money{Cents: sum, Currency: d.Currency}
}

type GoalProgress struct {
	GoalID         string
	TotalTarget    money.Money
	TotalAllocated money.Money
}

// UnallocatedItem is a cause allocation that still has money not assigned to any
// distribution.
type UnallocatedItem struct {
	DonationID     string
	Date           time.Time
	Currency       money.Currency
	Allocation     CauseAllocation
	RemainingCents int64
}

type UnallocatedFilter struct {
	Cause    string
	Region   string
	Currency money.Currency
	Limit    int
}
