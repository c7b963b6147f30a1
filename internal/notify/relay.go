package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/notify/config"
	"github.com/iurnickita/donationledger/internal/receipt"
)

var ErrRelayRejected = failure.New(failure.KindUnknown, "mail relay rejected receipt")

// Запрос к почтовому шлюзу
type relayMessage struct {
	ReceiptNumber string `json:"receipt_number"`
	DonationID    string `json:"donation_id"`
	To            string `json:"to"`
	Name          string `json:"name"`
	Subject       string `json:"subject"`
	Text          string `json:"text"`
}

// RelaySender отправляет квитанцию через HTTP почтовый шлюз.
type RelaySender struct {
	client *resty.Client
}

func NewRelaySender(cfg config.Config) *RelaySender {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RelayAddr, "/")).
		SetHeader("Content-Type", "application/json")
	if cfg.RelayToken != "" {
		client.SetAuthToken(cfg.RelayToken)
	}
	if cfg.RelayTimeout > 0 {
		client.SetTimeout(cfg.RelayTimeout)
	}
	if cfg.RelayRetries > 0 {
		client.SetRetryCount(cfg.RelayRetries).
			SetRetryWaitTime(500 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			})
	}
	return &RelaySender{client: client}
}

func (s *RelaySender) Name() string { return "relay" }

func (s *RelaySender) Deliver(ctx context.Context, entry model.DonationEntry) error {
	text, err := receipt.Render(entry)
	if err != nil {
		return err
	}
	number := receipt.Number(entry.ReceiptSeq)

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", entry.ID).
		SetBody(relayMessage{
			ReceiptNumber: number,
			DonationID:    entry.ID,
			To:            entry.Donor.Email,
			Name:          strings.TrimSpace(entry.Donor.FirstName + " " + entry.Donor.LastName),
			Subject:       "Your donation receipt " + number,
			Text:          string(text),
		}).
		Post("/v1/messages")
	if err != nil {
		return failure.Transient(err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", ErrRelayRejected, resp.StatusCode())
	}
	return nil
}
