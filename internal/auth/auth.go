package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/handler/config"
	"github.com/iurnickita/donationledger/internal/token"
)

type Auth interface {
	IssueToken(subject string) (string, error)
	Middleware(h http.HandlerFunc) http.HandlerFunc
	VerifyWebhook(payload []byte, signatureHeader string) error
}

const (
	HeaderOperatorKey = "X-Donationledger-Operator"
	cookieToken       = "donationledgerToken"

	defaultTokenTTL         = 12 * time.Hour
	defaultWebhookTolerance = 5 * time.Minute
)

var (
	ErrNoCredentials     = failure.New(failure.KindInvalid, "no credentials")
	ErrBadSignature      = failure.New(failure.KindInvalid, "webhook signature mismatch")
	ErrSignatureExpired  = failure.New(failure.KindInvalid, "webhook signature timestamp outside tolerance")
	ErrMalformedHeader   = failure.New(failure.KindInvalid, "malformed signature header")
	ErrWebhookNotEnabled = failure.New(failure.KindInvalid, "webhook secret is not configured")
)

type auth struct {
	cfg config.Config
	now func() time.Time
}

func NewAuth(cfg config.Config) Auth {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = defaultWebhookTolerance
	}
	return &auth{cfg: cfg, now: time.Now}
}

func (a *auth) IssueToken(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", ErrNoCredentials
	}
	return token.BuildJWTString(a.cfg.TokenSecret, subject, a.cfg.TokenTTL, a.now())
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// получение оператора
		operator, err := a.getOperator(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем
		r.Header.Set(HeaderOperatorKey, operator)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) getOperator(r *http.Request) (string, error) {
	// заголовок Authorization, затем куки
	var tokenString string
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		tokenString = strings.TrimSpace(bearer)
	} else {
		tokenCookie, err := r.Cookie(cookieToken)
		if err != nil {
			return "", ErrNoCredentials
		}
		tokenString = tokenCookie.Value
	}
	if tokenString == "" {
		return "", ErrNoCredentials
	}
	return token.GetSubject(a.cfg.TokenSecret, tokenString)
}

// VerifyWebhook проверяет заголовок Stripe-Signature: t=<unix>,v1=<hex>[,v1=...].
// Подпись - HMAC-SHA256 от "<t>.<тело>".
func (a *auth) VerifyWebhook(payload []byte, signatureHeader string) error {
	if a.cfg.WebhookSecret == "" {
		return ErrWebhookNotEnabled
	}

	var timestamp string
	var signatures [][]byte
	for _, part := range strings.Split(signatureHeader, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrMalformedHeader
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrMalformedHeader, timestamp)
	}

	expected := Sign(a.cfg.WebhookSecret, timestamp, payload)
	matched := false
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrBadSignature
	}

	age := a.now().Sub(time.Unix(unix, 0))
	if age > a.cfg.WebhookTolerance || age < -a.cfg.WebhookTolerance {
		return ErrSignatureExpired
	}
	return nil
}

func Sign(secret string, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureHeader собирает заголовок так же, как Stripe; нужен тестам и
// локальной отладке webhook.
func SignatureHeader(secret string, at time.Time, payload []byte) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(Sign(secret, timestamp, payload))
}

// IsAuthError - ошибка проверки токена или подписи, отвечаем 401.
func IsAuthError(err error) bool {
	for _, target := range []error{ErrNoCredentials, ErrBadSignature, ErrSignatureExpired, ErrMalformedHeader, token.ErrInvalidToken} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
