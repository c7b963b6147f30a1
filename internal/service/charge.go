package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/iurnickita/donationledger/internal/allocation"
	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/money"
	"github.com/iurnickita/donationledger/internal/service/chargeprovider"
)

// Ключи metadata платежа, которые заполняет форма пожертвования
const (
	MetaDonationID      = "donationId"
	MetaAmountDonated   = "amountDonatedInCents"
	MetaFeesDonated     = "feesDonatedInCents"
	MetaCauses          = "causes"
	MetaDonorFirstName  = "donorFirstName"
	MetaDonorMiddleName = "donorMiddleName"
	MetaDonorLastName   = "donorLastName"
	MetaDonorEmail      = "donorEmail"
	MetaDonorPhone      = "donorPhoneNumber"
	MetaDonorAddress    = "donorAddressLineAddress"
	MetaDonorCity       = "donorAddressCity"
	MetaDonorState      = "donorAddressState"
	MetaDonorCountry    = "donorAddressCountry"
	MetaDonorPostalCode = "donorAddressPostalCode"
)

var (
	ErrMissingRequiredField = failure.New(failure.KindInvalid, "missing required field")
	ErrInvalidAmount        = failure.New(failure.KindInvalid, "invalid amount")
	ErrInvalidAllocation    = failure.New(failure.KindInvalid, "invalid allocation")
)

type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingRequiredField }

// causeLine - элемент JSON-массива в metadata["causes"].
type causeLine struct {
	Cause              string    `json:"cause"`
	Region             string    `json:"region"`
	SubCause           string    `json:"subCause"`
	InHonorOf          string    `json:"inHonorOf"`
	AmountDonatedCents flexCents `json:"amountDonatedCents"`
}

// flexCents принимает и число, и строку с числом.
type flexCents int64

func (c *flexCents) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: cents %s", ErrInvalidAmount, string(data))
	}
	*c = flexCents(n)
	return nil
}

// NaturalKey - ключ идемпотентности платежа: donationId из формы, если есть,
// иначе идентификатор charge.
func NaturalKey(chargeID string, metadata map[string]string) string {
	if id := strings.TrimSpace(metadata[MetaDonationID]); id != "" {
		return id
	}
	return chargeKey(chargeID)
}

func chargeKey(chargeID string) string {
	return "stripe:charge:" + chargeID
}

// EntryID детерминирован: повторная обработка дает тот же идентификатор.
func EntryID(naturalKey string, metadata map[string]string) string {
	if id := strings.TrimSpace(metadata[MetaDonationID]); id != "" {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(naturalKey)).String()
}

func allocationID(entryID string, position int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entryID+"/"+strconv.Itoa(position))).String()
}

// ParseCharge - единственное место, где читается metadata платежа. Дальше
// работаем только с типизированной записью.
func ParseCharge(details chargeprovider.ChargeDetails, policy *allocation.Policy) (model.DonationEntry, error) {
	if details.ChargeID == "" {
		return model.DonationEntry{}, &MissingFieldError{Field: "charge.id"}
	}
	currency, err := money.ParseCurrency(details.Currency)
	if err != nil {
		return model.DonationEntry{}, err
	}
	meta := details.Metadata

	// Суммы: списано = пожертвовано + покрытая донором комиссия
	charged, err := money.New(details.AmountCents, currency)
	if err != nil {
		return model.DonationEntry{}, fmt.Errorf("%w: charge amount %d", ErrInvalidAmount, details.AmountCents)
	}
	fees, feesSet, err := metaCents(meta, MetaFeesDonated)
	if err != nil {
		return model.DonationEntry{}, err
	}
	donated, donatedSet, err := metaCents(meta, MetaAmountDonated)
	if err != nil {
		return model.DonationEntry{}, err
	}
	switch {
	case donatedSet && feesSet:
		if donated+fees != charged.Cents {
			return model.DonationEntry{}, fmt.Errorf("%w: donated %d + fees %d != charged %d",
				ErrInvalidAmount, donated, fees, charged.Cents)
		}
	case donatedSet:
		fees = charged.Cents - donated
	default:
		donated = charged.Cents - fees
	}
	if donated < 0 || fees < 0 {
		return model.DonationEntry{}, fmt.Errorf("%w: donated %d, fees %d, charged %d",
			ErrInvalidAmount, donated, fees, charged.Cents)
	}

	// Разбивка по причинам
	raw := strings.TrimSpace(meta[MetaCauses])
	if raw == "" {
		return model.DonationEntry{}, &MissingFieldError{Field: MetaCauses}
	}
	var lines []causeLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return model.DonationEntry{}, fmt.Errorf("%w: causes: %w", ErrInvalidAllocation, err)
	}
	proposals := make([]allocation.Proposal, 0, len(lines))
	for _, l := range lines {
		proposals = append(proposals, allocation.Proposal{
			Cause:       l.Cause,
			Region:      l.Region,
			SubCause:    l.SubCause,
			InHonorOf:   l.InHonorOf,
			AmountCents: int64(l.AmountDonatedCents),
		})
	}

	key := NaturalKey(details.ChargeID, meta)
	status := model.DonationStatusProcessing
	if details.Status == chargeprovider.ChargeStatusFailed {
		status = model.DonationStatusFailed
	}

	entry := model.DonationEntry{
		ID:         EntryID(key, meta),
		NaturalKey: key,
		Source:     model.SourceStripe,
		Ref: model.ExternalRef{
			ChargeID:             details.ChargeID,
			PaymentIntentID:      details.PaymentIntentID,
			BalanceTransactionID: details.BalanceTransactionID,
		},
		AmountDonated: money.Money{Cents: donated, Currency: currency},
		AmountCharged: charged,
		FeesCovered:   money.Money{Cents: fees, Currency: currency},
		ProcessorFee:  money.Zero(currency),
		Status:        status,
		Date:          details.Created,
		LiveMode:      details.LiveMode,
	}
	if details.FeeCents > 0 {
		entry.ProcessorFee.Cents = details.FeeCents
	}
	entry.Donor, err = parseDonor(meta, details.Customer)
	if err != nil {
		return model.DonationEntry{}, err
	}

	entry.Allocations, err = validateAllocations(policy, entry.ID, entry.AmountDonated, proposals)
	if err != nil {
		return model.DonationEntry{}, err
	}
	if status == model.DonationStatusFailed {
		// неудачная попытка не занимает donationId: успешный повтор оплаты
		// запишется под ним
		entry = byChargeKey(entry)
	}
	return entry, nil
}

// byChargeKey переводит запись на ключ charge вместе с идентификаторами
// строк разбивки.
func byChargeKey(entry model.DonationEntry) model.DonationEntry {
	entry.NaturalKey = chargeKey(entry.Ref.ChargeID)
	entry.ID = EntryID(entry.NaturalKey, nil)
	allocations := make([]model.CauseAllocation, 0, len(entry.Allocations))
	for _, a := range entry.Allocations {
		a.ID = allocationID(entry.ID, a.Position)
		a.DonationID = entry.ID
		allocations = append(allocations, a)
	}
	entry.Allocations = allocations
	return entry
}

func validateAllocations(policy *allocation.Policy, entryID string, total money.Money, proposals []allocation.Proposal) ([]model.CauseAllocation, error) {
	set, err := policy.Validate(total, proposals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAllocation, err)
	}
	allocations := make([]model.CauseAllocation, 0, len(set.Lines))
	for i, line := range set.Lines {
		allocations = append(allocations, model.CauseAllocation{
			ID:          allocationID(entryID, i),
			DonationID:  entryID,
			Cause:       line.Cause,
			Region:      line.Region,
			SubCause:    line.SubCause,
			InHonorOf:   line.InHonorOf,
			AmountCents: line.AmountCents,
			Position:    i,
		})
	}
	return allocations, nil
}

func metaCents(meta map[string]string, key string) (int64, bool, error) {
	s, ok := meta[key]
	s = strings.TrimSpace(s)
	if !ok || s == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("%w: %s=%q", ErrInvalidAmount, key, s)
	}
	return n, true, nil
}

// parseDonor берет снимок донора из metadata; пустые поля дополняются
// профилем клиента у провайдера.
func parseDonor(meta map[string]string, customer chargeprovider.Customer) (model.Donor, error) {
	field := func(key string) string { return strings.TrimSpace(meta[key]) }

	donor := model.Donor{
		FirstName:  field(MetaDonorFirstName),
		MiddleName: field(MetaDonorMiddleName),
		LastName:   field(MetaDonorLastName),
		Email:      field(MetaDonorEmail),
		Phone:      field(MetaDonorPhone),
		Address: model.Address{
			Line:       field(MetaDonorAddress),
			City:       field(MetaDonorCity),
			State:      field(MetaDonorState),
			Country:    field(MetaDonorCountry),
			PostalCode: field(MetaDonorPostalCode),
		},
		ProviderCustomerID: customer.ID,
	}

	if donor.FirstName == "" && donor.LastName == "" {
		first, last, _ := strings.Cut(strings.TrimSpace(customer.Name), " ")
		donor.FirstName = first
		donor.LastName = strings.TrimSpace(last)
	}
	if donor.Email == "" {
		donor.Email = strings.TrimSpace(customer.Email)
	}
	if donor.Phone == "" {
		donor.Phone = strings.TrimSpace(customer.Phone)
	}
	if donor.Address == (model.Address{}) {
		a := customer.Address
		donor.Address = model.Address{
			Line:       strings.TrimSpace(strings.Join([]string{a.Line1, a.Line2}, " ")),
			City:       a.City,
			State:      a.State,
			Country:    a.Country,
			PostalCode: a.PostalCode,
		}
	}

	if donor.FirstName == "" {
		return model.Donor{}, &MissingFieldError{Field: MetaDonorFirstName}
	}
	if donor.Email == "" {
		return model.Donor{}, &MissingFieldError{Field: MetaDonorEmail}
	}
	return donor, nil
}
