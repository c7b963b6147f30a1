package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iurnickita/donationledger/internal/allocation"
	"github.com/iurnickita/donationledger/internal/distribution"
	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/money"
	"github.com/iurnickita/donationledger/internal/receipt"
	"github.com/iurnickita/donationledger/internal/service"
)

// Суммы в ответах - в центах; во входящих запросах оператор пишет доллары.

var ErrBadDate = failure.New(failure.KindInvalid, "date must be YYYY-MM-DD or RFC 3339")

type MoneyJSON struct {
	Cents    int64  `json:"cents"`
	Currency string `json:"currency"`
	Display  string `json:"display"`
}

func moneyJSON(m money.Money) MoneyJSON {
	return MoneyJSON{Cents: m.Cents, Currency: string(m.Currency), Display: money.Dollars(m.Cents)}
}

type CauseAllocationJSON struct {
	ID          string `json:"id"`
	Cause       string `json:"cause"`
	Region      string `json:"region"`
	SubCause    string `json:"subCause,omitempty"`
	InHonorOf   string `json:"inHonorOf,omitempty"`
	AmountCents int64  `json:"amountCents"`
	Position    int    `json:"position"`
}

type DonationJSONResponse struct {
	ID            string                `json:"id"`
	ReceiptNumber string                `json:"receiptNumber"`
	ReceiptIssued bool                  `json:"receiptIssued"`
	Source        string                `json:"source"`
	Status        string                `json:"status"`
	Donor         model.Donor           `json:"donor"`
	AmountDonated MoneyJSON             `json:"amountDonated"`
	AmountCharged MoneyJSON             `json:"amountCharged"`
	FeesCovered   MoneyJSON             `json:"feesCovered"`
	ProcessorFee  MoneyJSON             `json:"processorFee"`
	ChargeID      string                `json:"chargeId,omitempty"`
	BankTxnID     string                `json:"bankTransactionId,omitempty"`
	Date          time.Time             `json:"date"`
	CreatedAt     time.Time             `json:"createdAt"`
	Allocations   []CauseAllocationJSON `json:"allocations"`
}

func donationJSON(e model.DonationEntry) DonationJSONResponse {
	resp := DonationJSONResponse{
		ID:            e.ID,
		ReceiptNumber: receipt.Number(e.ReceiptSeq),
		ReceiptIssued: e.ReceiptIssued,
		Source:        e.Source,
		Status:        string(e.Status),
		Donor:         e.Donor,
		AmountDonated: moneyJSON(e.AmountDonated),
		AmountCharged: moneyJSON(e.AmountCharged),
		FeesCovered:   moneyJSON(e.FeesCovered),
		ProcessorFee:  moneyJSON(e.ProcessorFee),
		ChargeID:      e.Ref.ChargeID,
		BankTxnID:     e.Ref.BankTransactionID,
		Date:          e.Date,
		CreatedAt:     e.CreatedAt,
		Allocations:   make([]CauseAllocationJSON, 0, len(e.Allocations)),
	}
	for _, a := range e.Allocations {
		resp.Allocations = append(resp.Allocations, CauseAllocationJSON{
			ID:          a.ID,
			Cause:       a.Cause,
			Region:      a.Region,
			SubCause:    a.SubCause,
			InHonorOf:   a.InHonorOf,
			AmountCents: a.AmountCents,
			Position:    a.Position,
		})
	}
	return resp
}

// Поступления

type PostDonationJSONRequest struct {
	DonationID        string      `json:"donationId"`
	BankTransactionID string      `json:"bankTransactionId"`
	Donor             model.Donor `json:"donor"`
	Amount            string      `json:"amount"`
	Currency          string      `json:"currency"`
	Date              string      `json:"date"`
	Causes            []struct {
		Cause     string `json:"cause"`
		Region    string `json:"region"`
		SubCause  string `json:"subCause"`
		InHonorOf string `json:"inHonorOf"`
		Amount    string `json:"amount"`
	} `json:"causes"`
}

func (h *handler) PostDonation(w http.ResponseWriter, r *http.Request) {
	var req PostDonationJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := money.ParseDollars(req.Amount, currency)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	donation := service.ManualDonation{
		DonationID:        req.DonationID,
		BankTransactionID: req.BankTransactionID,
		Donor:             req.Donor,
		Amount:            amount,
		Date:              date,
	}
	for i, c := range req.Causes {
		cents, err := money.ParseDollars(c.Amount, currency)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("cause %d: %w", i, err))
			return
		}
		donation.Causes = append(donation.Causes, allocation.Proposal{
			Cause:       c.Cause,
			Region:      c.Region,
			SubCause:    c.SubCause,
			InHonorOf:   c.InHonorOf,
			AmountCents: cents.Cents,
		})
	}

	res, err := h.service.CreateManualDonation(r.Context(), donation)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if !res.Created {
		code = http.StatusOK
	}
	h.writeJSON(w, code, donationJSON(res.Entry))
}

func (h *handler) GetDonation(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.GetDonation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, donationJSON(entry))
}

func (h *handler) PostResendReceipt(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.ResendReceipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, donationJSON(entry))
}

func (h *handler) PostResendReceiptByNumber(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.ResendReceiptByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, donationJSON(entry))
}

type UnallocatedJSONResponse struct {
	DonationID     string              `json:"donationId"`
	Date           time.Time           `json:"date"`
	Currency       string              `json:"currency"`
	Allocation     CauseAllocationJSON `json:"allocation"`
	RemainingCents int64               `json:"remainingCents"`
}

func (h *handler) GetUnallocated(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := model.UnallocatedFilter{
		Cause:    query.Get("cause"),
		Region:   query.Get("region"),
		Currency: money.Currency(query.Get("currency")),
	}
	if s := query.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			h.writeBadRequest(w, err)
			return
		}
		filter.Limit = limit
	}

	items, err := h.aggregator.ListUnallocated(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]UnallocatedJSONResponse, 0, len(items))
	for _, item := range items {
		a := item.Allocation
		resp = append(resp, UnallocatedJSONResponse{
			DonationID: item.DonationID,
			Date:       item.Date,
			Currency:   string(item.Currency),
			Allocation: CauseAllocationJSON{
				ID:          a.ID,
				Cause:       a.Cause,
				Region:      a.Region,
				SubCause:    a.SubCause,
				InHonorOf:   a.InHonorOf,
				AmountCents: a.AmountCents,
				Position:    a.Position,
			},
			RemainingCents: item.RemainingCents,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type FeeQuoteJSONRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type FeeQuoteJSONResponse struct {
	Donated MoneyJSON `json:"donated"`
	Charged MoneyJSON `json:"charged"`
	Fees    MoneyJSON `json:"fees"`
}

func (h *handler) PostFeeQuote(w http.ResponseWriter, r *http.Request) {
	var req FeeQuoteJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	donated, err := money.ParseDollars(req.Amount, currency)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	charged, err := h.service.QuoteCoveredFees(donated)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fees, err := charged.Subtract(donated)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, FeeQuoteJSONResponse{
		Donated: moneyJSON(donated),
		Charged: moneyJSON(charged),
		Fees:    moneyJSON(fees),
	})
}

// Цели

type GoalJSONRequest struct {
	Title    string `json:"title"`
	Target   string `json:"target"`
	Currency string `json:"currency"`
	Region   string `json:"region"`
}

type GoalJSONResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Target    MoneyJSON `json:"target"`
	Region    string    `json:"region,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func goalJSON(g model.Goal) GoalJSONResponse {
	return GoalJSONResponse{
		ID:        g.ID,
		Title:     g.Title,
		Target:    moneyJSON(g.Target),
		Region:    g.Region,
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
}

func (h *handler) readGoal(w http.ResponseWriter, r *http.Request) (distribution.GoalInput, bool) {
	var req GoalJSONRequest
	if !h.readJSON(w, r, &req) {
		return distribution.GoalInput{}, false
	}
	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		h.writeError(w, r, err)
		return distribution.GoalInput{}, false
	}
	target, err := money.ParseDollars(req.Target, currency)
	if err != nil {
		h.writeError(w, r, err)
		return distribution.GoalInput{}, false
	}
	return distribution.GoalInput{Title: req.Title, Target: target, Region: req.Region}, true
}

func (h *handler) PostGoal(w http.ResponseWriter, r *http.Request) {
	input, ok := h.readGoal(w, r)
	if !ok {
		return
	}
	goal, err := h.aggregator.CreateGoal(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, goalJSON(goal))
}

func (h *handler) PutGoal(w http.ResponseWriter, r *http.Request) {
	input, ok := h.readGoal(w, r)
	if !ok {
		return
	}
	goal, err := h.aggregator.UpdateGoal(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, goalJSON(goal))
}

func (h *handler) GetGoal(w http.ResponseWriter, r *http.Request) {
	goal, err := h.aggregator.GetGoal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, goalJSON(goal))
}

func (h *handler) GetGoals(w http.ResponseWriter, r *http.Request) {
	goals, err := h.aggregator.ListGoals(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]GoalJSONResponse, 0, len(goals))
	for _, g := range goals {
		resp = append(resp, goalJSON(g))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) DeleteGoal(w http.ResponseWriter, r *http.Request) {
	if err := h.aggregator.DeleteGoal(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type GoalProgressJSONResponse struct {
	GoalID         string    `json:"goalId"`
	TotalTarget    MoneyJSON `json:"totalTarget"`
	TotalAllocated MoneyJSON `json:"totalAllocated"`
}

func (h *handler) GetGoalProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.aggregator.GoalProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, GoalProgressJSONResponse{
		GoalID:         progress.GoalID,
		TotalTarget:    moneyJSON(progress.TotalTarget),
		TotalAllocated: moneyJSON(progress.TotalAllocated),
	})
}

// Распределения

type DistributionJSONRequest struct {
	PartnerName     string `json:"partnerName"`
	Currency        string `json:"currency"`
	TransactionDate string `json:"transactionDate"`
	GoalID          string `json:"goalId"`
}

type DistributionAllocationJSON struct {
	DonationID        string `json:"donationId"`
	CauseAllocationID string `json:"causeAllocationId"`
	AmountCents       int64  `json:"amountCents"`
}

type DistributionJSONResponse struct {
	ID              string                       `json:"id"`
	PartnerName     string                       `json:"partnerName"`
	TransactionDate time.Time                    `json:"transactionDate"`
	GoalID          string                       `json:"goalId,omitempty"`
	Amount          MoneyJSON                    `json:"amount"`
	DeliveredAt     *time.Time                   `json:"deliveredAt,omitempty"`
	Allocations     []DistributionAllocationJSON `json:"allocations"`
	Advanced        []string                     `json:"advancedDonations,omitempty"`
}

func distributionJSON(d model.Distribution) DistributionJSONResponse {
	resp := DistributionJSONResponse{
		ID:              d.ID,
		PartnerName:     d.PartnerName,
		TransactionDate: d.TransactionDate,
		GoalID:          d.GoalID,
		Amount:          moneyJSON(d.Amount()),
		DeliveredAt:     d.DeliveredAt,
		Allocations:     make([]DistributionAllocationJSON, 0, len(d.Allocations)),
	}
	for _, a := range d.Allocations {
		resp.Allocations = append(resp.Allocations, DistributionAllocationJSON(a))
	}
	return resp
}

func (h *handler) PostDistribution(w http.ResponseWriter, r *http.Request) {
	var req DistributionJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	date, err := parseDate(req.TransactionDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := h.aggregator.CreateDistribution(r.Context(), distribution.DistributionInput{
		PartnerName:     req.PartnerName,
		Currency:        money.Currency(req.Currency),
		TransactionDate: date,
		GoalID:          req.GoalID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, distributionJSON(d))
}

func (h *handler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	d, err := h.aggregator.GetDistribution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, distributionJSON(d))
}

func (h *handler) GetDistributions(w http.ResponseWriter, r *http.Request) {
	list, err := h.aggregator.ListDistributions(r.Context(), r.URL.Query().Get("goal"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]DistributionJSONResponse, 0, len(list))
	for _, d := range list {
		resp = append(resp, distributionJSON(d))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type AllocationJSONRequest struct {
	CauseAllocationID string `json:"causeAllocationId"`
	AmountCents       int64  `json:"amountCents"`
}

func (h *handler) PostAllocation(w http.ResponseWriter, r *http.Request) {
	var req AllocationJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	d, err := h.aggregator.Allocate(r.Context(), req.CauseAllocationID, chi.URLParam(r, "id"), req.AmountCents)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, distributionJSON(d))
}

func (h *handler) PostDeallocation(w http.ResponseWriter, r *http.Request) {
	var req AllocationJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	d, err := h.aggregator.Deallocate(r.Context(), chi.URLParam(r, "allocationID"), chi.URLParam(r, "id"), req.AmountCents)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, distributionJSON(d))
}

func (h *handler) DeleteAllocation(w http.ResponseWriter, r *http.Request) {
	d, err := h.aggregator.Remove(r.Context(), chi.URLParam(r, "allocationID"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, distributionJSON(d))
}

func (h *handler) PostDeliver(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.aggregator.MarkDelivered(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := distributionJSON(delivery.Distribution)
	resp.Advanced = delivery.Advanced
	h.writeJSON(w, http.StatusOK, resp)
}

// parseDate: пусто - нулевое время, дальше подставит сервис.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, s)
	}
	return t, nil
}
