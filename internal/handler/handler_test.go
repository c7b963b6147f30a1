package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iurnickita/donationledger/internal/allocation"
	"github.com/iurnickita/donationledger/internal/auth"
	"github.com/iurnickita/donationledger/internal/distribution"
	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/handler/config"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/service"
	"github.com/iurnickita/donationledger/internal/service/chargeprovider"
	serviceConfig "github.com/iurnickita/donationledger/internal/service/config"
	"github.com/iurnickita/donationledger/internal/store"
)

const (
	tokenSecret   = "test-secret"
	webhookSecret = "whsec_test"
)

type stubProvider struct {
	charges map[string]chargeprovider.ChargeDetails
	err     error
}

func (p *stubProvider) FetchChargeDetails(_ context.Context, chargeID string) (chargeprovider.ChargeDetails, error) {
	if p.err != nil {
		return chargeprovider.ChargeDetails{}, p.err
	}
	details, ok := p.charges[chargeID]
	if !ok {
		return chargeprovider.ChargeDetails{}, chargeprovider.ErrChargeNotFound
	}
	return details, nil
}

type nopSink struct{}

func (nopSink) SendReceipt(context.Context, model.DonationEntry) error { return nil }

type testServer struct {
	srv      *httptest.Server
	provider *stubProvider
	token    string
}

func newTestServer(t *testing.T) *testServer {
	zaplog := zaptest.NewLogger(t)
	st := store.NewMemStore()
	provider := &stubProvider{charges: map[string]chargeprovider.ChargeDetails{}}
	svc, err := service.NewService(serviceConfig.Config{FeeRateBasisPoints: 290, FeeFixedCents: 30}, st, provider, nopSink{}, zaplog)
	require.NoError(t, err)
	agg := distribution.NewAggregator(st, allocation.DefaultPolicy(), zaplog)

	cfg := config.Config{TokenSecret: tokenSecret, WebhookSecret: webhookSecret, RetryAfter: 7 * time.Second}
	a := auth.NewAuth(cfg)
	tokenString, err := a.IssueToken("treasurer")
	require.NoError(t, err)

	h := newHandler(cfg, a, svc, agg, zaplog)
	ts := &testServer{srv: httptest.NewServer(h.newRouter()), provider: provider, token: tokenString}
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func (ts *testServer) webhook(t *testing.T, payload []byte, signature string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/webhooks/stripe", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", signature)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func chargeEvent(eventType, chargeID string) []byte {
	return []byte(`{"id":"evt_` + chargeID + `","type":"` + eventType + `","data":{"object":{"id":"` + chargeID + `","object":"charge"}}}`)
}

func details(chargeID string, amount int64, causes string) chargeprovider.ChargeDetails {
	return chargeprovider.ChargeDetails{
		ChargeID:    chargeID,
		AmountCents: amount,
		Currency:    "cad",
		Created:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:      chargeprovider.ChargeStatusSucceeded,
		FeeCents:    -1,
		Metadata: map[string]string{
			service.MetaCauses:         causes,
			service.MetaDonorFirstName: "Amina",
			service.MetaDonorEmail:     "amina@example.org",
		},
	}
}

func TestStripeWebhook(t *testing.T) {
	ts := newTestServer(t)
	ts.provider.charges["ch_ok"] = details("ch_ok", 10000, `[{"cause":"orphans","region":"INDIA","amountDonatedCents":10000}]`)
	ts.provider.charges["ch_bad"] = details("ch_bad", 10000, `[{"cause":"orphans","amountDonatedCents":9000}]`)
	now := time.Now()

	payload := chargeEvent(service.EventChargeSucceeded, "ch_ok")
	resp, body := ts.webhook(t, payload, auth.SignatureHeader(webhookSecret, now, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got WebhookJSONResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.Created)
	assert.Equal(t, "PROCESSING", got.Status)

	// повторная доставка
	resp, body = ts.webhook(t, payload, auth.SignatureHeader(webhookSecret, now, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var replay WebhookJSONResponse
	require.NoError(t, json.Unmarshal(body, &replay))
	assert.False(t, replay.Created)
	assert.Equal(t, got.DonationID, replay.DonationID)

	resp, _ = ts.webhook(t, payload, auth.SignatureHeader("whsec_other", now, payload))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ignored := []byte(`{"id":"evt_x","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	resp, body = ts.webhook(t, ignored, auth.SignatureHeader(webhookSecret, now, ignored))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ignored":true`)

	bad := chargeEvent(service.EventChargeSucceeded, "ch_bad")
	resp, body = ts.webhook(t, bad, auth.SignatureHeader(webhookSecret, now, bad))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "allocation mismatch")
}

func TestStripeWebhookUnparseableFailedCharge(t *testing.T) {
	ts := newTestServer(t)
	declined := details("ch_declined", 2500, "")
	declined.Status = chargeprovider.ChargeStatusFailed
	ts.provider.charges["ch_declined"] = declined
	now := time.Now()

	// без causes отклоненный платеж не записывается, но доставка подтверждается
	payload := chargeEvent(service.EventChargeFailed, "ch_declined")
	resp, body := ts.webhook(t, payload, auth.SignatureHeader(webhookSecret, now, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got WebhookJSONResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.Received)
	assert.True(t, got.Ignored)
	assert.Empty(t, got.DonationID)

	// успешный платеж с теми же данными по-прежнему отклоняется
	declined.Status = chargeprovider.ChargeStatusSucceeded
	ts.provider.charges["ch_declined"] = declined
	payload = chargeEvent(service.EventChargeSucceeded, "ch_declined")
	resp, _ = ts.webhook(t, payload, auth.SignatureHeader(webhookSecret, now, payload))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestStripeWebhookTransient(t *testing.T) {
	ts := newTestServer(t)
	ts.provider.err = failure.Transient(errors.New("stripe down"))

	payload := chargeEvent(service.EventChargeSucceeded, "ch_t")
	resp, _ := ts.webhook(t, payload, auth.SignatureHeader(webhookSecret, time.Now(), payload))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "7", resp.Header.Get("Retry-After"))
}

func TestAdminRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.srv.Client().Get(ts.srv.URL + "/api/admin/goals")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestManualDonationAndDistribution(t *testing.T) {
	ts := newTestServer(t)

	donation := map[string]any{
		"bankTransactionId": "BT-77",
		"donor":             map[string]any{"first_name": "Omar", "email": "omar@example.org"},
		"amount":            "50.00",
		"currency":          "CAD",
		"date":              "2024-02-10",
		"causes":            []map[string]any{{"cause": "orphans", "region": "AFRICA", "amount": "50"}},
	}
	resp, body := ts.do(t, http.MethodPost, "/api/admin/donations", donation)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var entry DonationJSONResponse
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, int64(5000), entry.AmountDonated.Cents)
	assert.Equal(t, "etransfer", entry.Source)
	require.Len(t, entry.Allocations, 1)
	caID := entry.Allocations[0].ID

	resp, _ = ts.do(t, http.MethodPost, "/api/admin/donations", donation)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/admin/goals", map[string]any{"title": "Orphan care", "target": "1000", "currency": "CAD"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var goal GoalJSONResponse
	require.NoError(t, json.Unmarshal(body, &goal))

	var x, y DistributionJSONResponse
	resp, body = ts.do(t, http.MethodPost, "/api/admin/distributions", map[string]any{"partnerName": "Partner X", "currency": "CAD", "goalId": goal.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &x))
	resp, body = ts.do(t, http.MethodPost, "/api/admin/distributions", map[string]any{"partnerName": "Partner Y", "currency": "CAD"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &y))

	resp, body = ts.do(t, http.MethodPost, "/api/admin/distributions/"+x.ID+"/allocations", AllocationJSONRequest{CauseAllocationID: caID, AmountCents: 3000})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = ts.do(t, http.MethodPost, "/api/admin/distributions/"+y.ID+"/allocations", AllocationJSONRequest{CauseAllocationID: caID, AmountCents: 3000})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var conflict ErrorJSONResponse
	require.NoError(t, json.Unmarshal(body, &conflict))
	assert.Equal(t, "over_allocation", conflict.Error)
	require.NotNil(t, conflict.Remaining)
	assert.Equal(t, int64(2000), *conflict.Remaining)

	resp, body = ts.do(t, http.MethodGet, "/api/admin/goals/"+goal.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var progress GoalProgressJSONResponse
	require.NoError(t, json.Unmarshal(body, &progress))
	assert.Equal(t, int64(100000), progress.TotalTarget.Cents)
	assert.Equal(t, int64(3000), progress.TotalAllocated.Cents)

	resp, body = ts.do(t, http.MethodGet, "/api/admin/allocations/unallocated?cause=orphans", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var unallocated []UnallocatedJSONResponse
	require.NoError(t, json.Unmarshal(body, &unallocated))
	require.Len(t, unallocated, 1)
	assert.Equal(t, int64(2000), unallocated[0].RemainingCents)

	resp, _ = ts.do(t, http.MethodDelete, "/api/admin/goals/"+goal.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/admin/distributions/"+x.ID+"/deliver", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var delivered DistributionJSONResponse
	require.NoError(t, json.Unmarshal(body, &delivered))
	assert.NotNil(t, delivered.DeliveredAt)
	assert.Empty(t, delivered.Advanced)

	resp, _ = ts.do(t, http.MethodGet, "/api/admin/donations/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeeQuote(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/admin/fees/quote", FeeQuoteJSONRequest{Amount: "100", Currency: "CAD"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var quote FeeQuoteJSONResponse
	require.NoError(t, json.Unmarshal(body, &quote))
	assert.Equal(t, int64(10330), quote.Charged.Cents)
	assert.Equal(t, "3.30", quote.Fees.Display)

	resp, _ = ts.do(t, http.MethodPost, "/api/admin/fees/quote", FeeQuoteJSONRequest{Amount: "1.001", Currency: "CAD"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestWriteErrorKinds(t *testing.T) {
	h := newHandler(config.Config{}, nil, nil, nil, zaptest.NewLogger(t))

	tests := []struct {
		err      error
		wantCode int
		wantKind string
	}{
		{err: store.ErrNoRows, wantCode: http.StatusNotFound, wantKind: "not_found"},
		{err: store.ErrDistributionDelivered, wantCode: http.StatusConflict, wantKind: "conflict"},
		{err: allocation.ErrRegionCauseConflict, wantCode: http.StatusUnprocessableEntity, wantKind: "invalid"},
		{err: failure.Integrity(errors.New("sum mismatch")), wantCode: http.StatusInternalServerError, wantKind: "integrity"},
		{err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantKind: "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.wantKind, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			assert.Equal(t, tt.wantCode, w.Code)
			var resp ErrorJSONResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantKind, resp.Error)
		})
	}
}
