package receipt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/money"
)

func TestNumberRoundTrip(t *testing.T) {
	assert.Equal(t, "18", Number(1))
	assert.Equal(t, "79927398713", Number(7992739871))

	for _, seq := range []int64{1, 9, 10, 42, 1000, 123456789} {
		seq := seq
		got, err := ParseNumber(Number(seq))
		require.NoError(t, err)
		assert.Equal(t, seq, got)
	}
}

func TestParseNumberRejects(t *testing.T) {
	for _, s := range []string{"", "7", "19", "abc", "-18", "79927398710", "08"} {
		_, err := ParseNumber(s)
		assert.ErrorIs(t, err, ErrInvalidNumber, s)
	}
}

func TestRender(t *testing.T) {
	entry := model.DonationEntry{
		ReceiptSeq: 1,
		Donor: model.Donor{
			FirstName: "Amina",
			LastName:  "Rahman",
			Email:     "amina@example.org",
			Address:   model.Address{Line: "1 King St", City: "Toronto", State: "ON", Country: "CA", PostalCode: "M5H"},
		},
		Date:          time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		AmountDonated: money.Money{Cents: 10000, Currency: money.CAD},
		FeesCovered:   money.Money{Cents: 330, Currency: money.CAD},
		Allocations: []model.CauseAllocation{
			{Cause: "orphans", Region: "INDIA", AmountCents: 6000, InHonorOf: "Fatima"},
			{Cause: "education", Region: "ANYWHERE", AmountCents: 4000},
		},
	}

	out, err := Render(entry)
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "receipt 18")
	assert.Contains(t, text, "Donated:  100.00 CAD")
	assert.Contains(t, text, "Fees covered: 3.30 CAD")
	assert.Contains(t, text, "orphans (INDIA): 60.00, in honor of Fatima")
	assert.Contains(t, text, "Address:  1 King St, Toronto ON M5H CA")
}
