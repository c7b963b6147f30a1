// Package receipt numbers and renders tax receipts for donation entries.
package receipt

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"github.com/theplant/luhn"

	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/money"
)

var ErrInvalidNumber = failure.New(failure.KindInvalid, "invalid receipt number")

// Number - порядковый номер записи с контрольной цифрой Луна.
func Number(seq int64) string {
	return strconv.FormatInt(seq, 10) + strconv.Itoa(luhn.CalculateLuhn(int(seq)))
}

// ParseNumber проверяет контрольную цифру и возвращает порядковый номер.
func ParseNumber(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 || n > math.MaxInt64/10 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	if !luhn.Valid(int(n)) {
		return 0, fmt.Errorf("%w: %q check digit", ErrInvalidNumber, s)
	}
	seq := n / 10
	if seq == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return seq, nil
}

var textTemplate = template.Must(template.New("receipt").Funcs(template.FuncMap{
	"dollars": money.Dollars,
}).Parse(`Official donation receipt {{.Number}}

Donor:    {{.Entry.Donor.FirstName}}{{with .Entry.Donor.MiddleName}} {{.}}{{end}} {{.Entry.Donor.LastName}}
Email:    {{.Entry.Donor.Email}}
{{- with .Entry.Donor.Address}}{{if .Line}}
Address:  {{.Line}}, {{.City}} {{.State}} {{.PostalCode}} {{.Country}}{{end}}{{end}}
Date:     {{.Entry.Date.Format "2006-01-02"}}
Donated:  {{dollars .Entry.AmountDonated.Cents}} {{.Entry.AmountDonated.Currency}}
{{- if .Entry.FeesCovered.Cents}}
Fees covered: {{dollars .Entry.FeesCovered.Cents}} {{.Entry.FeesCovered.Currency}}{{end}}

Allocations:
{{- range .Entry.Allocations}}
  {{.Cause}} ({{.Region}}){{with .SubCause}} / {{.}}{{end}}: {{dollars .AmountCents}}{{with .InHonorOf}}, in honor of {{.}}{{end}}
{{- end}}
`))

// Render печатает текст квитанции.
func Render(entry model.DonationEntry) ([]byte, error) {
	var buf bytes.Buffer
	err := textTemplate.Execute(&buf, struct {
		Number string
		Entry  model.DonationEntry
	}{Number: Number(entry.ReceiptSeq), Entry: entry})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
