// Package etransfer imports bank e-transfer donations from the CSV export the
// treasurer reconciles each week. Rows are idempotent on the bank transaction
// id, so a file can be imported again after a partial failure.
package etransfer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/donationledger/internal/allocation"
	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/money"
	"github.com/iurnickita/donationledger/internal/service"
)

var (
	ErrMissingColumn = failure.New(failure.KindInvalid, "missing column")
	ErrBadCauses     = failure.New(failure.KindInvalid, "causes must be cause:region:amount;...")
	ErrBadDate       = failure.New(failure.KindInvalid, "bad date")
)

var columns = []string{"transaction_id", "date", "amount", "currency", "first_name", "last_name", "email", "causes"}

type Importer interface {
	Import(ctx context.Context, r io.Reader) (Report, error)
}

type RowError struct {
	Line          int
	TransactionID string
	Err           error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d (%s): %v", e.Line, e.TransactionID, e.Err)
}

type Report struct {
	Rows     int
	Created  int
	Replayed int
	Failed   []RowError
}

type importer struct {
	service service.Service
	zaplog  *zap.Logger
}

func NewImporter(service service.Service, zaplog *zap.Logger) Importer {
	return &importer{service: service, zaplog: zaplog}
}

// Import обрабатывает файл построчно. Ошибочные строки попадают в отчет,
// временная ошибка хранилища прерывает импорт.
func (importer *importer) Import(ctx context.Context, r io.Reader) (Report, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return Report{}, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range columns {
		if _, ok := index[name]; !ok {
			return Report{}, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}

	var report Report
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, err
		}
		line, _ := reader.FieldPos(0)
		report.Rows++

		field := func(name string) string {
			i := index[name]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		txn := field("transaction_id")

		donation, err := parseRow(field)
		if err == nil {
			var res service.Ingested
			res, err = importer.service.CreateManualDonation(ctx, donation)
			if err == nil {
				if res.Created {
					report.Created++
				} else {
					report.Replayed++
				}
				continue
			}
			if failure.IsTransient(err) || ctx.Err() != nil {
				return report, fmt.Errorf("line %d: %w", line, err)
			}
		}

		importer.zaplog.Warn("e-transfer row rejected",
			zap.Int("line", line),
			zap.String("transaction_id", txn),
			zap.Error(err))
		report.Failed = append(report.Failed, RowError{Line: line, TransactionID: txn, Err: err})
	}

	importer.zaplog.Info("e-transfer import finished",
		zap.Int("rows", report.Rows),
		zap.Int("created", report.Created),
		zap.Int("replayed", report.Replayed),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

func parseRow(field func(string) string) (service.ManualDonation, error) {
	txn := field("transaction_id")
	if txn == "" {
		return service.ManualDonation{}, fmt.Errorf("%w: transaction_id", service.ErrMissingRequiredField)
	}
	currency, err := money.ParseCurrency(field("currency"))
	if err != nil {
		return service.ManualDonation{}, err
	}
	amount, err := money.ParseDollars(field("amount"), currency)
	if err != nil {
		return service.ManualDonation{}, err
	}
	date, err := time.Parse(time.DateOnly, field("date"))
	if err != nil {
		return service.ManualDonation{}, fmt.Errorf("%w: %q", ErrBadDate, field("date"))
	}
	causes, err := ParseCauses(field("causes"), currency)
	if err != nil {
		return service.ManualDonation{}, err
	}

	return service.ManualDonation{
		BankTransactionID: txn,
		Donor: model.Donor{
			FirstName: field("first_name"),
			LastName:  field("last_name"),
			Email:     field("email"),
		},
		Amount: amount,
		Date:   date,
		Causes: causes,
	}, nil
}

// ParseCauses разбирает "orphans:INDIA:60.00;education::40". Регион можно не
// указывать, тогда его подставит политика направлений.
func ParseCauses(s string, currency money.Currency) ([]allocation.Proposal, error) {
	var proposals []allocation.Proposal
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrBadCauses, part)
		}
		amount, err := money.ParseDollars(fields[2], currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrBadCauses, part, err)
		}
		proposals = append(proposals, allocation.Proposal{
			Cause:       strings.TrimSpace(fields[0]),
			Region:      strings.TrimSpace(fields[1]),
			AmountCents: amount.Cents,
		})
	}
	if len(proposals) == 0 {
		return nil, &service.MissingFieldError{Field: "causes"}
	}
	return proposals, nil
}
