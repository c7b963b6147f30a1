package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iurnickita/donationledger/internal/allocation"
	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/money"
	"github.com/iurnickita/donationledger/internal/receipt"
	"github.com/iurnickita/donationledger/internal/service/chargeprovider"
	"github.com/iurnickita/donationledger/internal/service/config"
	"github.com/iurnickita/donationledger/internal/store"
)

type fakeProvider struct {
	mu      sync.Mutex
	charges map[string]chargeprovider.ChargeDetails
	calls   int32
	err     error
}

func (p *fakeProvider) FetchChargeDetails(ctx context.Context, chargeID string) (chargeprovider.ChargeDetails, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.err != nil {
		return chargeprovider.ChargeDetails{}, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	details, ok := p.charges[chargeID]
	if !ok {
		return chargeprovider.ChargeDetails{}, chargeprovider.ErrChargeNotFound
	}
	return details, nil
}

type fakeSink struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSink) SendReceipt(ctx context.Context, entry model.DonationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, entry.ID)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fixture struct {
	service  Service
	store    store.Store
	provider *fakeProvider
	sink     *fakeSink
}

func newFixture(t *testing.T, charges ...chargeprovider.ChargeDetails) fixture {
	f := fixture{
		store:    store.NewMemStore(),
		provider: &fakeProvider{charges: make(map[string]chargeprovider.ChargeDetails)},
		sink:     &fakeSink{},
	}
	for _, c := range charges {
		f.provider.charges[c.ChargeID] = c
	}
	svc, err := NewService(config.Config{FeeRateBasisPoints: 290, FeeFixedCents: 30}, f.store, f.provider, f.sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	f.service = svc
	return f
}

func charge(id string, amount int64, causes string) chargeprovider.ChargeDetails {
	return chargeprovider.ChargeDetails{
		ChargeID:             id,
		PaymentIntentID:      "pi_" + id,
		BalanceTransactionID: "txn_" + id,
		AmountCents:          amount,
		Currency:             "CAD",
		Created:              time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:               chargeprovider.ChargeStatusSucceeded,
		FeeCents:             320,
		Metadata: map[string]string{
			MetaCauses:         causes,
			MetaDonorFirstName: "Amina",
			MetaDonorLastName:  "Rahman",
			MetaDonorEmail:     "amina@example.org",
		},
	}
}

const splitCauses = `[{"cause":"orphans","region":"INDIA","amountDonatedCents":6000},{"cause":"education","region":"ANYWHERE","amountDonatedCents":"4000"}]`

func TestIngestAcceptsSplit(t *testing.T) {
	f := newFixture(t, charge("ch_a", 10000, splitCauses))

	res, err := f.service.IngestPaymentEvent(context.Background(), PaymentEvent{Type: EventChargeSucceeded, ChargeID: "ch_a"})
	require.NoError(t, err)
	assert.True(t, res.Created)

	entry := res.Entry
	assert.Equal(t, "stripe:charge:ch_a", entry.NaturalKey)
	assert.Equal(t, model.DonationStatusProcessing, entry.Status)
	assert.Equal(t, int64(10000), entry.AmountDonated.Cents)
	assert.Equal(t, int64(320), entry.ProcessorFee.Cents)
	require.Len(t, entry.Allocations, 2)
	assert.Equal(t, int64(6000), entry.Allocations[0].AmountCents)
	assert.Equal(t, "education", entry.Allocations[1].Cause)
	require.NoError(t, entry.CheckIntegrity())

	stored, err := f.store.DonationGet(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, stored.ID)
	assert.Equal(t, 1, f.sink.count())
}

func TestIngestRejectsMismatchWithoutPersisting(t *testing.T) {
	causes := `[{"cause":"orphans","region":"INDIA","amountDonatedCents":6000},{"cause":"education","region":"ANYWHERE","amountDonatedCents":3000}]`
	f := newFixture(t, charge("ch_b", 10000, causes))

	_, err := f.service.IngestPaymentEvent(context.Background(), PaymentEvent{ChargeID: "ch_b"})
	require.ErrorIs(t, err, ErrInvalidAllocation)
	require.ErrorIs(t, err, allocation.ErrAllocationMismatch)

	var mismatch *allocation.MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(10000), mismatch.Expected)
	assert.Equal(t, int64(9000), mismatch.Actual)
	assert.Equal(t, failure.KindInvalid, failure.KindOf(err))

	_, err = f.store.DonationGetByKey(context.Background(), "stripe:charge:ch_b")
	assert.ErrorIs(t, err, store.ErrNoRows)
	assert.Zero(t, f.sink.count())
}

func TestIngestReplayNotifiesOnce(t *testing.T) {
	f := newFixture(t, charge("ch_c", 10000, splitCauses))
	ctx := context.Background()

	first, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{ChargeID: "ch_c"})
	require.NoError(t, err)
	second, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{ChargeID: "ch_c"})
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, 1, f.sink.count())
}

func TestIngestReplayFromWebhookMetadataSkipsProvider(t *testing.T) {
	details := charge("ch_m", 10000, splitCauses)
	details.Metadata[MetaDonationID] = "don-42"
	f := newFixture(t, details)
	ctx := context.Background()

	event := PaymentEvent{ChargeID: "ch_m", Metadata: details.Metadata}
	first, err := f.service.IngestPaymentEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, "don-42", first.Entry.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.provider.calls))

	_, err = f.service.IngestPaymentEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.provider.calls))
	assert.Equal(t, 1, f.sink.count())
}

func TestIngestConcurrentDeliveriesNotifyOnce(t *testing.T) {
	f := newFixture(t, charge("ch_par", 10000, splitCauses))

	const deliveries = 10
	var wg sync.WaitGroup
	ids := make([]string, deliveries)
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.service.IngestPaymentEvent(context.Background(), PaymentEvent{ChargeID: "ch_par"})
			ids[i], errs[i] = res.Entry.ID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, f.sink.count())
}

func TestIngestRegionCauseConflict(t *testing.T) {
	causes := `[{"cause":"where most needed","region":"INDIA","amountDonatedCents":2500}]`
	f := newFixture(t, charge("ch_e", 2500, causes))

	_, err := f.service.IngestPaymentEvent(context.Background(), PaymentEvent{ChargeID: "ch_e"})
	assert.ErrorIs(t, err, allocation.ErrRegionCauseConflict)
}

func TestIngestFailedCharge(t *testing.T) {
	details := charge("ch_f", 5000, `[{"cause":"fidya","amountDonatedCents":5000}]`)
	details.Status = chargeprovider.ChargeStatusFailed
	details.Metadata[MetaDonationID] = "don-f"
	f := newFixture(t, details)
	ctx := context.Background()

	res, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargeFailed, ChargeID: "ch_f"})
	require.NoError(t, err)
	assert.Equal(t, model.DonationStatusFailed, res.Entry.Status)
	assert.Equal(t, "stripe:charge:ch_f", res.Entry.NaturalKey)
	assert.Zero(t, f.sink.count())

	// Успешная повторная оплата с тем же donationId записывается отдельно
	retry := charge("ch_f2", 5000, `[{"cause":"fidya","amountDonatedCents":5000}]`)
	retry.Metadata[MetaDonationID] = "don-f"
	f.provider.charges["ch_f2"] = retry

	ok, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargeSucceeded, ChargeID: "ch_f2"})
	require.NoError(t, err)
	assert.True(t, ok.Created)
	assert.Equal(t, "don-f", ok.Entry.ID)
	assert.Equal(t, model.DonationStatusProcessing, ok.Entry.Status)
	assert.Equal(t, 1, f.sink.count())
}

func TestIngestFailedAfterRecordedAdvancesStatus(t *testing.T) {
	details := charge("ch_g", 5000, `[{"cause":"quran","amountDonatedCents":5000}]`)
	details.Status = chargeprovider.ChargeStatusPending
	f := newFixture(t, details)
	ctx := context.Background()

	created, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargePending, ChargeID: "ch_g"})
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.False(t, created.Entry.ReceiptIssued)

	res, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargeFailed, ChargeID: "ch_g", Metadata: details.Metadata})
	require.NoError(t, err)
	assert.Equal(t, created.Entry.ID, res.Entry.ID)
	assert.Equal(t, model.DonationStatusFailed, res.Entry.Status)
	assert.False(t, res.Created)

	_, err = f.service.ResendReceipt(ctx, created.Entry.ID)
	assert.ErrorIs(t, err, ErrReceiptNotAvailable)
	assert.Zero(t, f.sink.count())
}

func TestIngestPendingReceiptOnSuccess(t *testing.T) {
	details := charge("ch_p", 7000, `[{"cause":"education","amountDonatedCents":7000}]`)
	details.Status = chargeprovider.ChargeStatusPending
	f := newFixture(t, details)
	ctx := context.Background()

	pending, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargePending, ChargeID: "ch_p"})
	require.NoError(t, err)
	assert.Equal(t, model.DonationStatusProcessing, pending.Entry.Status)
	assert.Zero(t, f.sink.count())

	_, err = f.service.ResendReceipt(ctx, pending.Entry.ID)
	assert.ErrorIs(t, err, ErrReceiptNotAvailable)

	f.provider.mu.Lock()
	details.Status = chargeprovider.ChargeStatusSucceeded
	f.provider.charges["ch_p"] = details
	f.provider.mu.Unlock()

	const deliveries = 5
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargeSucceeded, ChargeID: "ch_p"})
			assert.NoError(t, err)
			assert.False(t, res.Created)
			assert.True(t, res.Entry.ReceiptIssued)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.sink.count())

	// Повторная доставка через metadata тоже не шлет вторую квитанцию
	_, err = f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargeSucceeded, ChargeID: "ch_p", Metadata: details.Metadata})
	require.NoError(t, err)
	assert.Equal(t, 1, f.sink.count())

	_, err = f.service.ResendReceipt(ctx, pending.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.sink.count())
}

func TestIngestRetryAfterPendingChargeFailed(t *testing.T) {
	first := charge("ch_x", 5000, `[{"cause":"fidya","amountDonatedCents":5000}]`)
	first.Status = chargeprovider.ChargeStatusPending
	first.Metadata[MetaDonationID] = "don-r"
	retry := charge("ch_y", 5000, `[{"cause":"fidya","amountDonatedCents":5000}]`)
	retry.Metadata[MetaDonationID] = "don-r"
	f := newFixture(t, first, retry)
	ctx := context.Background()

	pending, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargePending, ChargeID: "ch_x"})
	require.NoError(t, err)
	assert.Equal(t, "don-r", pending.Entry.ID)

	failed, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargeFailed, ChargeID: "ch_x", Metadata: first.Metadata})
	require.NoError(t, err)
	assert.Equal(t, model.DonationStatusFailed, failed.Entry.Status)

	ok, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargeSucceeded, ChargeID: "ch_y"})
	require.NoError(t, err)
	assert.True(t, ok.Created)
	assert.NotEqual(t, "don-r", ok.Entry.ID)
	assert.Equal(t, "stripe:charge:ch_y", ok.Entry.NaturalKey)
	assert.Equal(t, "ch_y", ok.Entry.Ref.ChargeID)
	assert.Equal(t, model.DonationStatusProcessing, ok.Entry.Status)
	require.NoError(t, ok.Entry.CheckIntegrity())

	f.sink.mu.Lock()
	assert.Equal(t, []string{ok.Entry.ID}, f.sink.sent)
	f.sink.mu.Unlock()

	// Повторная доставка успешного платежа находит его запись
	again, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{Type: EventChargeSucceeded, ChargeID: "ch_y", Metadata: retry.Metadata})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, ok.Entry.ID, again.Entry.ID)

	// Неудачная попытка осталась как была
	stored, err := f.service.GetDonation(ctx, "don-r")
	require.NoError(t, err)
	assert.Equal(t, model.DonationStatusFailed, stored.Status)
	assert.Equal(t, "ch_x", stored.Ref.ChargeID)
	assert.Equal(t, 1, f.sink.count())
}

func TestIngestDonorFallsBackToCustomer(t *testing.T) {
	details := charge("ch_d", 1000, `[{"cause":"housing","amountDonatedCents":1000}]`)
	details.Metadata = map[string]string{MetaCauses: details.Metadata[MetaCauses]}
	details.Customer = chargeprovider.Customer{
		ID:      "cus_1",
		Name:    "Yusuf Ali Khan",
		Email:   "yusuf@example.org",
		Address: chargeprovider.Address{Line1: "5 Bay St", City: "Toronto", Country: "CA"},
	}
	f := newFixture(t, details)

	res, err := f.service.IngestPaymentEvent(context.Background(), PaymentEvent{ChargeID: "ch_d"})
	require.NoError(t, err)
	donor := res.Entry.Donor
	assert.Equal(t, "Yusuf", donor.FirstName)
	assert.Equal(t, "Ali Khan", donor.LastName)
	assert.Equal(t, "yusuf@example.org", donor.Email)
	assert.Equal(t, "5 Bay St", donor.Address.Line)
	assert.Equal(t, "cus_1", donor.ProviderCustomerID)
}

func TestIngestMissingFields(t *testing.T) {
	noCauses := charge("ch_n", 1000, "")
	noEmail := charge("ch_x", 1000, `[{"cause":"housing","amountDonatedCents":1000}]`)
	delete(noEmail.Metadata, MetaDonorEmail)
	f := newFixture(t, noCauses, noEmail)
	ctx := context.Background()

	_, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{ChargeID: "ch_n"})
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, MetaCauses, missing.Field)

	_, err = f.service.IngestPaymentEvent(ctx, PaymentEvent{ChargeID: "ch_x"})
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, MetaDonorEmail, missing.Field)
	assert.ErrorIs(t, err, ErrMissingRequiredField)

	_, err = f.service.IngestPaymentEvent(ctx, PaymentEvent{})
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestIngestProviderTransient(t *testing.T) {
	f := newFixture(t)
	f.provider.err = failure.Transient(context.DeadlineExceeded)

	_, err := f.service.IngestPaymentEvent(context.Background(), PaymentEvent{ChargeID: "ch_t"})
	assert.True(t, failure.IsTransient(err))
}

func TestParseChargeAmounts(t *testing.T) {
	policy := allocation.DefaultPolicy()
	causes := `[{"cause":"widows","amountDonatedCents":10000}]`

	details := charge("ch_fee", 10330, causes)
	details.Metadata[MetaAmountDonated] = "10000"
	entry, err := ParseCharge(details, policy)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), entry.AmountDonated.Cents)
	assert.Equal(t, int64(330), entry.FeesCovered.Cents)
	assert.Equal(t, int64(10330), entry.AmountCharged.Cents)

	details.Metadata[MetaFeesDonated] = "300"
	_, err = ParseCharge(details, policy)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	details.Metadata[MetaFeesDonated] = "330"
	_, err = ParseCharge(details, policy)
	assert.NoError(t, err)

	details.Metadata[MetaAmountDonated] = "ten dollars"
	_, err = ParseCharge(details, policy)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	bad := charge("ch_bad", 1000, `[{"cause":"widows","amountDonatedCents":"1O00"}]`)
	_, err = ParseCharge(bad, policy)
	assert.ErrorIs(t, err, ErrInvalidAllocation)

	usd := charge("ch_eur", 1000, `[{"cause":"widows","amountDonatedCents":1000}]`)
	usd.Currency = "EUR"
	_, err = ParseCharge(usd, policy)
	assert.ErrorIs(t, err, money.ErrUnsupportedCurrency)
}

func TestParseChargeDeterministicIDs(t *testing.T) {
	policy := allocation.DefaultPolicy()
	details := charge("ch_det", 10000, splitCauses)

	first, err := ParseCharge(details, policy)
	require.NoError(t, err)
	second, err := ParseCharge(details, policy)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Allocations, second.Allocations)
	assert.NotEqual(t, first.Allocations[0].ID, first.Allocations[1].ID)
}

func TestCreateManualDonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	donation := ManualDonation{
		BankTransactionID: "BT-1001",
		Donor:             model.Donor{FirstName: "Omar", LastName: "Said", Email: "omar@example.org"},
		Amount:            money.Money{Cents: 7500, Currency: money.CAD},
		Date:              time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Causes: []allocation.Proposal{
			{Cause: "sehme sadat", AmountCents: 5000},
			{Cause: "sehme imam", AmountCents: 2500},
		},
	}

	first, err := f.service.CreateManualDonation(ctx, donation)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, model.SourceETransfer, first.Entry.Source)
	assert.Equal(t, "etransfer:BT-1001", first.Entry.NaturalKey)
	assert.Equal(t, "INDIA", first.Entry.Allocations[0].Region)
	assert.Equal(t, "IRAQ", first.Entry.Allocations[1].Region)

	// повторный импорт той же банковской операции
	second, err := f.service.CreateManualDonation(ctx, donation)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, 1, f.sink.count())

	donation.BankTransactionID = ""
	donation.Donor.Email = ""
	_, err = f.service.CreateManualDonation(ctx, donation)
	assert.ErrorIs(t, err, ErrMissingRequiredField)

	donation.Donor.Email = "omar@example.org"
	donation.Amount.Cents = 0
	_, err = f.service.CreateManualDonation(ctx, donation)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestResendReceiptByNumber(t *testing.T) {
	f := newFixture(t, charge("ch_r", 10000, splitCauses))
	ctx := context.Background()

	res, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{ChargeID: "ch_r"})
	require.NoError(t, err)

	got, err := f.service.ResendReceiptByNumber(ctx, receipt.Number(res.Entry.ReceiptSeq))
	require.NoError(t, err)
	assert.Equal(t, res.Entry.ID, got.ID)
	assert.Equal(t, 2, f.sink.count())

	_, err = f.service.ResendReceiptByNumber(ctx, "19")
	assert.ErrorIs(t, err, receipt.ErrInvalidNumber)
}

func TestQuoteCoveredFees(t *testing.T) {
	f := newFixture(t)

	quote, err := f.service.QuoteCoveredFees(money.Money{Cents: 10000, Currency: money.CAD})
	require.NoError(t, err)
	assert.Equal(t, int64(10330), quote.Cents)

	_, err = f.service.QuoteCoveredFees(money.Money{Cents: 0, Currency: money.CAD})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// corruptStore отдает запись, у которой разбивка не сходится с суммой.
type corruptStore struct {
	store.Store
}

func (s corruptStore) DonationGet(ctx context.Context, id string) (model.DonationEntry, error) {
	entry, err := s.Store.DonationGet(ctx, id)
	if err == nil && len(entry.Allocations) > 0 {
		entry.Allocations[0].AmountCents++
	}
	return entry, err
}

func TestGetDonationIntegrityViolation(t *testing.T) {
	f := newFixture(t, charge("ch_i", 10000, splitCauses))
	ctx := context.Background()
	res, err := f.service.IngestPaymentEvent(ctx, PaymentEvent{ChargeID: "ch_i"})
	require.NoError(t, err)

	svc, err := NewService(config.Config{}, corruptStore{f.store}, f.provider, f.sink, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = svc.GetDonation(ctx, res.Entry.ID)
	assert.True(t, failure.IsIntegrity(err))
}
