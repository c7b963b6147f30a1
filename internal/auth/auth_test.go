package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/donationledger/internal/handler/config"
)

func TestMiddleware(t *testing.T) {
	a := NewAuth(config.Config{TokenSecret: "secret"})
	tokenString, err := a.IssueToken("treasurer")
	require.NoError(t, err)

	var operator string
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		operator = r.Header.Get(HeaderOperatorKey)
	})

	tests := []struct {
		name     string
		prepare  func(r *http.Request)
		wantCode int
		wantOp   string
	}{
		{
			name:     "bearer",
			prepare:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tokenString) },
			wantCode: http.StatusOK,
			wantOp:   "treasurer",
		},
		{
			name:     "cookie",
			prepare:  func(r *http.Request) { r.AddCookie(&http.Cookie{Name: cookieToken, Value: tokenString}) },
			wantCode: http.StatusOK,
			wantOp:   "treasurer",
		},
		{
			name: "spoofed header without token",
			prepare: func(r *http.Request) {
				r.Header.Set(HeaderOperatorKey, "intruder")
			},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "garbage token",
			prepare:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc.def.ghi") },
			wantCode: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			operator = ""
			r := httptest.NewRequest(http.MethodGet, "/api/admin/goals", nil)
			tt.prepare(r)
			w := httptest.NewRecorder()
			h(w, r)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantOp, operator)
		})
	}
}

func TestVerifyWebhook(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := &auth{cfg: config.Config{WebhookSecret: "whsec_test", WebhookTolerance: 5 * time.Minute}, now: func() time.Time { return now }}
	payload := []byte(`{"id":"evt_1","type":"charge.succeeded"}`)

	require.NoError(t, a.VerifyWebhook(payload, SignatureHeader("whsec_test", now.Add(-time.Minute), payload)))

	// несколько подписей при ротации секрета
	rotated := SignatureHeader("whsec_old", now, payload) + ",v1=" + SignatureHeader("whsec_test", now, payload)[len("t=1700000000,v1="):]
	require.NoError(t, a.VerifyWebhook(payload, rotated))

	err := a.VerifyWebhook([]byte(`{"id":"evt_2"}`), SignatureHeader("whsec_test", now, payload))
	assert.ErrorIs(t, err, ErrBadSignature)

	err = a.VerifyWebhook(payload, SignatureHeader("whsec_test", now.Add(-10*time.Minute), payload))
	assert.ErrorIs(t, err, ErrSignatureExpired)

	err = a.VerifyWebhook(payload, "v1=deadbeef")
	assert.ErrorIs(t, err, ErrMalformedHeader)
	assert.True(t, IsAuthError(err))

	a.cfg.WebhookSecret = ""
	assert.ErrorIs(t, a.VerifyWebhook(payload, "t=1,v1=00"), ErrWebhookNotEnabled)
}
