// Package chargeprovider reads charges from the Stripe REST API.
package chargeprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/service/config"
)

// Ответы Stripe API
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

type Customer struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Phone   string  `json:"phone"`
	Address Address `json:"address"`
}

type charge struct {
	ID                 string            `json:"id"`
	Amount             int64             `json:"amount"`
	AmountCaptured     int64             `json:"amount_captured"`
	Currency           string            `json:"currency"`
	Created            int64             `json:"created"`
	Status             string            `json:"status"`
	Paid               bool              `json:"paid"`
	Refunded           bool              `json:"refunded"`
	Metadata           map[string]string `json:"metadata"`
	Customer           string            `json:"customer"`
	PaymentIntent      string            `json:"payment_intent"`
	BalanceTransaction string            `json:"balance_transaction"`
	LiveMode           bool              `json:"livemode"`
	BillingDetails     Customer          `json:"billing_details"`
}

type balanceTransaction struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Fee      int64  `json:"fee"`
	Net      int64  `json:"net"`
	Currency string `json:"currency"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	ChargeStatusSucceeded = "succeeded"
	ChargeStatusPending   = "pending"
	ChargeStatusFailed    = "failed"
)

// ChargeDetails - все, что нужно для записи поступления, собранное из charge,
// customer и balance transaction.
type ChargeDetails struct {
	ChargeID             string
	PaymentIntentID      string
	BalanceTransactionID string
	AmountCents          int64
	Currency             string
	Created              time.Time
	Status               string
	Metadata             map[string]string
	Customer             Customer
	// FeeCents < 0, если balance transaction еще не создан
	FeeCents int64
	LiveMode bool
}

var (
	ErrChargeNotFound = failure.New(failure.KindNotFound, "charge not found")
	ErrUnauthorized   = failure.New(failure.KindUnknown, "charge provider rejected credentials")
	ErrBadResponse    = failure.New(failure.KindUnknown, "charge provider bad response")
	ErrUnavailable    = failure.New(failure.KindTransient, "charge provider unavailable")
)

type ChargeProvider interface {
	FetchChargeDetails(ctx context.Context, chargeID string) (ChargeDetails, error)
}

type chargeProvider struct {
	client *resty.Client
}

func NewChargeProvider(cfg config.Config) ChargeProvider {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.ProviderAddr, "/")).
		SetAuthToken(cfg.ProviderKey).
		SetHeader("Accept", "application/json").
		SetError(&apiError{})
	if cfg.ProviderTimeout > 0 {
		client.SetTimeout(cfg.ProviderTimeout)
	}
	if cfg.ProviderRetries > 0 {
		client.SetRetryCount(cfg.ProviderRetries).
			SetRetryWaitTime(200 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
			})
	}
	return &chargeProvider{client: client}
}

func (provider *chargeProvider) FetchChargeDetails(ctx context.Context, chargeID string) (ChargeDetails, error) {
	var ch charge
	if err := provider.get(ctx, "/v1/charges/"+chargeID, &ch); err != nil {
		return ChargeDetails{}, fmt.Errorf("charge %s: %w", chargeID, err)
	}

	details := ChargeDetails{
		ChargeID:             ch.ID,
		PaymentIntentID:      ch.PaymentIntent,
		BalanceTransactionID: ch.BalanceTransaction,
		AmountCents:          ch.AmountCaptured,
		Currency:             strings.ToUpper(ch.Currency),
		Created:              time.Unix(ch.Created, 0).UTC(),
		Status:               ch.Status,
		Metadata:             ch.Metadata,
		Customer:             ch.BillingDetails,
		FeeCents:             -1,
		LiveMode:             ch.LiveMode,
	}
	if details.AmountCents == 0 && ch.Status != ChargeStatusSucceeded {
		details.AmountCents = ch.Amount
	}

	// Клиент и комиссия независимы, запрашиваем параллельно
	g, gctx := errgroup.WithContext(ctx)
	if ch.Customer != "" {
		g.Go(func() error {
			var customer Customer
			if err := provider.get(gctx, "/v1/customers/"+ch.Customer, &customer); err != nil {
				return fmt.Errorf("customer %s: %w", ch.Customer, err)
			}
			details.Customer = mergeCustomer(customer, ch.BillingDetails)
			return nil
		})
	}
	if ch.BalanceTransaction != "" {
		g.Go(func() error {
			var txn balanceTransaction
			if err := provider.get(gctx, "/v1/balance_transactions/"+ch.BalanceTransaction, &txn); err != nil {
				return fmt.Errorf("balance transaction %s: %w", ch.BalanceTransaction, err)
			}
			details.FeeCents = txn.Fee
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ChargeDetails{}, err
	}
	return details, nil
}

// mergeCustomer дополняет профиль клиента данными из платежа.
func mergeCustomer(customer Customer, billing Customer) Customer {
	if customer.Name == "" {
		customer.Name = billing.Name
	}
	if customer.Email == "" {
		customer.Email = billing.Email
	}
	if customer.Phone == "" {
		customer.Phone = billing.Phone
	}
	if customer.Address == (Address{}) {
		customer.Address = billing.Address
	}
	return customer
}

func (provider *chargeProvider) get(ctx context.Context, path string, result any) error {
	resp, err := provider.client.R().
		SetContext(ctx).
		SetResult(result).
		Get(path)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		// сетевые ошибки и таймауты повторяемы
		return failure.Transient(err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return ErrChargeNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		if e, ok := resp.Error().(*apiError); ok && e.Error.Message != "" {
			return fmt.Errorf("%w: status %d: %s", ErrBadResponse, code, e.Error.Message)
		}
		return fmt.Errorf("%w: status %d", ErrBadResponse, code)
	}
}
