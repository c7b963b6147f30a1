// Package service records incoming payments as donation ledger entries. Every
// path is idempotent on the payment's natural key, so webhook redeliveries and
// retried imports are safe.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/donationledger/internal/allocation"
	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/money"
	"github.com/iurnickita/donationledger/internal/notify"
	"github.com/iurnickita/donationledger/internal/receipt"
	"github.com/iurnickita/donationledger/internal/service/chargeprovider"
	"github.com/iurnickita/donationledger/internal/service/config"
	"github.com/iurnickita/donationledger/internal/store"
)

// Типы событий Stripe, которые приводят к записи поступления
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargePending   = "charge.pending"
	EventChargeFailed    = "charge.failed"
)

type PaymentEvent struct {
	ID       string
	Type     string
	ChargeID string
	// Metadata из тела webhook, если есть. Позволяет узнать повтор без
	// обращения к провайдеру.
	Metadata map[string]string
}

type ManualDonation struct {
	DonationID        string
	BankTransactionID string
	Donor             model.Donor
	Amount            money.Money
	Date              time.Time
	Causes            []allocation.Proposal
}

// Ingested - результат записи. Created == false означает повтор: запись уже
// была, квитанция не отправлялась.
type Ingested struct {
	Entry   model.DonationEntry
	Created bool
}

type Service interface {
	IngestPaymentEvent(ctx context.Context, event PaymentEvent) (Ingested, error)
	CreateManualDonation(ctx context.Context, donation ManualDonation) (Ingested, error)
	GetDonation(ctx context.Context, id string) (model.DonationEntry, error)
	ResendReceipt(ctx context.Context, donationID string) (model.DonationEntry, error)
	ResendReceiptByNumber(ctx context.Context, number string) (model.DonationEntry, error)
	QuoteCoveredFees(amount money.Money) (money.Money, error)
	Policy() *allocation.Policy
}

var ErrReceiptNotAvailable = failure.New(failure.KindConflict, "receipt is not available until the payment succeeds")

const defaultOperationTimeout = 10 * time.Second

type service struct {
	cfg      config.Config
	store    store.Store
	provider chargeprovider.ChargeProvider
	sink     notify.Sink
	policy   *allocation.Policy
	fees     money.FeeSchedule
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewService(cfg config.Config, store store.Store, provider chargeprovider.ChargeProvider, sink notify.Sink, zaplog *zap.Logger) (Service, error) {
	policy, err := allocation.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}

	service := service{
		cfg:      cfg,
		store:    store,
		provider: provider,
		sink:     sink,
		policy:   policy,
		fees:     money.FeeSchedule{RateBasisPoints: cfg.FeeRateBasisPoints, FixedCents: cfg.FeeFixedCents},
		zaplog:   zaplog,
		now:      func() time.Time { return time.Now().UTC() },
	}

	return &service, nil
}

func (service *service) Policy() *allocation.Policy {
	return service.policy
}

// op ограничивает по времени одно обращение к хранилищу или провайдеру.
func (service *service) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, service.cfg.OperationTimeout)
}

func (service *service) IngestPaymentEvent(ctx context.Context, event PaymentEvent) (Ingested, error) {
	if event.ChargeID == "" {
		return Ingested{}, &MissingFieldError{Field: "charge id"}
	}

	// Повтор определяется по metadata из тела события, провайдер не нужен
	if event.Metadata != nil {
		res, ok, _, err := service.replay(ctx, event.ChargeID, event.Metadata, eventChargeStatus(event.Type))
		if ok || err != nil {
			return res, err
		}
	}

	opCtx, cancel := service.op(ctx)
	details, err := service.provider.FetchChargeDetails(opCtx, event.ChargeID)
	cancel()
	if err != nil {
		return Ingested{}, err
	}

	res, ok, takenByFailure, err := service.replay(ctx, details.ChargeID, details.Metadata, details.Status)
	if ok || err != nil {
		return res, err
	}

	entry, err := ParseCharge(details, service.policy)
	if err != nil {
		service.zaplog.Info("charge rejected",
			zap.String("charge_id", details.ChargeID),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return Ingested{}, err
	}
	if takenByFailure && entry.Status == model.DonationStatusProcessing {
		// donationId занят неудачной попыткой другого платежа
		entry = byChargeKey(entry)
	}
	if details.FeeCents < 0 && entry.Status == model.DonationStatusProcessing {
		// balance transaction еще нет, оцениваем по тарифу
		if fee, err := service.fees.Fee(entry.AmountCharged); err == nil {
			entry.ProcessorFee = fee
		}
	}
	// за pending квитанция выдается, когда платеж пройдет
	entry.ReceiptIssued = entry.Status == model.DonationStatusProcessing &&
		details.Status == chargeprovider.ChargeStatusSucceeded

	return service.create(ctx, entry)
}

func eventChargeStatus(eventType string) string {
	switch eventType {
	case EventChargeSucceeded:
		return chargeprovider.ChargeStatusSucceeded
	case EventChargePending:
		return chargeprovider.ChargeStatusPending
	case EventChargeFailed:
		return chargeprovider.ChargeStatusFailed
	}
	return ""
}

// replay ищет уже записанное поступление этого платежа и доводит его статус
// до статуса charge. takenByFailure: donationId занят неудачной попыткой
// другого платежа.
func (service *service) replay(ctx context.Context, chargeID string, metadata map[string]string, chargeStatus string) (Ingested, bool, bool, error) {
	keys := []string{NaturalKey(chargeID, metadata)}
	if keys[0] != chargeKey(chargeID) {
		keys = append(keys, chargeKey(chargeID))
	}

	takenByFailure := false
	for _, key := range keys {
		opCtx, cancel := service.op(ctx)
		entry, err := service.store.DonationGetByKey(opCtx, key)
		cancel()
		if errors.Is(err, store.ErrNoRows) {
			continue
		}
		if err != nil {
			return Ingested{}, false, false, err
		}

		switch {
		case entry.Ref.ChargeID == chargeID:
			entry, err = service.advance(ctx, entry, chargeStatus)
			if err != nil {
				return Ingested{}, false, false, err
			}
		case entry.Source == model.SourceStripe:
			// тот же donationId, другой платеж
			if entry.Status == model.DonationStatusFailed {
				takenByFailure = true
				continue
			}
			if chargeStatus == chargeprovider.ChargeStatusFailed {
				continue
			}
			service.zaplog.Warn("second charge for a recorded donation",
				zap.String("donation_id", entry.ID),
				zap.String("recorded_charge_id", entry.Ref.ChargeID),
				zap.String("charge_id", chargeID))
		}

		if err := service.checked(entry); err != nil {
			return Ingested{}, false, false, err
		}
		return Ingested{Entry: entry}, true, false, nil
	}
	return Ingested{}, false, takenByFailure, nil
}

// advance применяет к записи новый статус ее charge.
func (service *service) advance(ctx context.Context, entry model.DonationEntry, chargeStatus string) (model.DonationEntry, error) {
	switch {
	case chargeStatus == chargeprovider.ChargeStatusFailed && entry.Status == model.DonationStatusProcessing:
		opCtx, cancel := service.op(ctx)
		failed, err := service.store.DonationSetStatus(opCtx, entry.ID, model.DonationStatusFailed)
		cancel()
		if err != nil {
			return model.DonationEntry{}, err
		}
		service.zaplog.Info("donation failed",
			zap.String("donation_id", failed.ID),
			zap.String("charge_id", failed.Ref.ChargeID))
		return failed, nil

	case chargeStatus == chargeprovider.ChargeStatusSucceeded && !entry.ReceiptIssued &&
		entry.Status != model.DonationStatusFailed:
		opCtx, cancel := service.op(ctx)
		marked, issued, err := service.store.DonationMarkReceiptIssued(opCtx, entry.ID)
		cancel()
		if err != nil {
			return model.DonationEntry{}, err
		}
		if issued {
			service.sendReceipt(ctx, marked)
		}
		return marked, nil
	}
	return entry, nil
}

// create записывает новое поступление. Проигравший гонку за ключ получает
// запись победителя.
func (service *service) create(ctx context.Context, entry model.DonationEntry) (Ingested, error) {
	entry.CreatedAt = service.now()
	if entry.Date.IsZero() {
		entry.Date = entry.CreatedAt
	}

	opCtx, cancel := service.op(ctx)
	created, err := service.store.DonationCreate(opCtx, entry)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			opCtx, cancel := service.op(ctx)
			winner, err := service.store.DonationGetByKey(opCtx, entry.NaturalKey)
			cancel()
			if err != nil {
				return Ingested{}, err
			}
			if err := service.checked(winner); err != nil {
				return Ingested{}, err
			}
			return Ingested{Entry: winner}, nil
		}
		return Ingested{}, err
	}

	service.zaplog.Info("donation recorded",
		zap.String("donation_id", created.ID),
		zap.String("source", created.Source),
		zap.String("status", string(created.Status)),
		zap.String("amount", created.AmountDonated.String()),
		zap.Int("allocations", len(created.Allocations)))

	if created.ReceiptIssued {
		service.sendReceipt(ctx, created)
	}
	return Ingested{Entry: created, Created: true}, nil
}

func (service *service) sendReceipt(ctx context.Context, entry model.DonationEntry) {
	if err := service.sink.SendReceipt(ctx, entry); err != nil {
		// запись уже сделана; квитанцию можно отправить повторно вручную
		service.zaplog.Error("receipt not queued",
			zap.String("donation_id", entry.ID),
			zap.Error(err))
	}
}

func (service *service) CreateManualDonation(ctx context.Context, donation ManualDonation) (Ingested, error) {
	if _, err := money.ParseCurrency(string(donation.Amount.Currency)); err != nil {
		return Ingested{}, err
	}
	if donation.Amount.Cents <= 0 {
		return Ingested{}, ErrInvalidAmount
	}
	donor := donation.Donor
	donor.FirstName = strings.TrimSpace(donor.FirstName)
	donor.LastName = strings.TrimSpace(donor.LastName)
	donor.Email = strings.TrimSpace(donor.Email)
	if donor.FirstName == "" {
		return Ingested{}, &MissingFieldError{Field: "donor.firstName"}
	}
	if donor.Email == "" {
		return Ingested{}, &MissingFieldError{Field: "donor.email"}
	}

	entry := model.DonationEntry{
		Source:        model.SourceManual,
		Donor:         donor,
		AmountDonated: donation.Amount,
		AmountCharged: donation.Amount,
		FeesCovered:   money.Zero(donation.Amount.Currency),
		ProcessorFee:  money.Zero(donation.Amount.Currency),
		Status:        model.DonationStatusProcessing,
		Date:          donation.Date.UTC(),
		// деньги уже на счету
		ReceiptIssued: true,
	}
	donationID := strings.TrimSpace(donation.DonationID)
	bankTxn := strings.TrimSpace(donation.BankTransactionID)
	switch {
	case donationID != "":
		entry.NaturalKey = donationID
		entry.ID = donationID
	case bankTxn != "":
		entry.NaturalKey = "etransfer:" + bankTxn
		entry.ID = EntryID(entry.NaturalKey, nil)
	default:
		// без внешнего ключа идемпотентности нет
		entry.ID = uuid.NewString()
		entry.NaturalKey = "manual:" + entry.ID
	}
	if bankTxn != "" {
		entry.Source = model.SourceETransfer
		entry.Ref.BankTransactionID = bankTxn
	}
	opCtx, cancel := service.op(ctx)
	existing, err := service.store.DonationGetByKey(opCtx, entry.NaturalKey)
	cancel()
	switch {
	case err == nil:
		if err := service.checked(existing); err != nil {
			return Ingested{}, err
		}
		return Ingested{Entry: existing}, nil
	case !errors.Is(err, store.ErrNoRows):
		return Ingested{}, err
	}

	entry.Allocations, err = validateAllocations(service.policy, entry.ID, entry.AmountDonated, donation.Causes)
	if err != nil {
		return Ingested{}, err
	}
	return service.create(ctx, entry)
}

func (service *service) GetDonation(ctx context.Context, id string) (model.DonationEntry, error) {
	opCtx, cancel := service.op(ctx)
	defer cancel()

	entry, err := service.store.DonationGet(opCtx, id)
	if err != nil {
		return model.DonationEntry{}, err
	}
	return entry, service.checked(entry)
}

func (service *service) ResendReceipt(ctx context.Context, donationID string) (model.DonationEntry, error) {
	entry, err := service.GetDonation(ctx, donationID)
	if err != nil {
		return model.DonationEntry{}, err
	}
	return entry, service.resend(ctx, entry)
}

func (service *service) ResendReceiptByNumber(ctx context.Context, number string) (model.DonationEntry, error) {
	seq, err := receipt.ParseNumber(number)
	if err != nil {
		return model.DonationEntry{}, err
	}

	opCtx, cancel := service.op(ctx)
	entry, err := service.store.DonationGetByReceipt(opCtx, seq)
	cancel()
	if err != nil {
		return model.DonationEntry{}, err
	}
	if err := service.checked(entry); err != nil {
		return model.DonationEntry{}, err
	}
	return entry, service.resend(ctx, entry)
}

func (service *service) resend(ctx context.Context, entry model.DonationEntry) error {
	if entry.Status == model.DonationStatusFailed || !entry.ReceiptIssued {
		return ErrReceiptNotAvailable
	}
	if err := service.sink.SendReceipt(ctx, entry); err != nil {
		return err
	}
	service.zaplog.Info("receipt resent",
		zap.String("donation_id", entry.ID),
		zap.String("receipt_number", receipt.Number(entry.ReceiptSeq)))
	return nil
}

// QuoteCoveredFees - сколько списать с донора, чтобы после комиссии осталась amount.
func (service *service) QuoteCoveredFees(amount money.Money) (money.Money, error) {
	if _, err := money.ParseCurrency(string(amount.Currency)); err != nil {
		return money.Money{}, err
	}
	if amount.Cents <= 0 {
		return money.Money{}, ErrInvalidAmount
	}
	return service.fees.GrossUp(amount)
}

// checked проверяет прочитанную запись. Нарушение - ошибка в данных,
// операция останавливается.
func (service *service) checked(entry model.DonationEntry) error {
	if err := entry.CheckIntegrity(); err != nil {
		service.zaplog.Error("ledger integrity violation",
			zap.String("donation_id", entry.ID),
			zap.String("natural_key", entry.NaturalKey),
			zap.Error(err))
		return err
	}
	return nil
}
