package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iurnickita/donationledger/internal/auth"
	"github.com/iurnickita/donationledger/internal/distribution"
	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/handler/config"
	"github.com/iurnickita/donationledger/internal/logger"
	"github.com/iurnickita/donationledger/internal/service"
	"github.com/iurnickita/donationledger/internal/store"
)

const (
	maxBodyBytes           = 1 << 20
	defaultRetryAfter      = 5 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

// Serve обслуживает API до отмены ctx, затем дожидается активных запросов.
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, aggregator distribution.Aggregator, zaplog *zap.Logger) error {
	h := newHandler(cfg, auth, service, aggregator, zaplog)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h.newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("listening", zap.String("addr", cfg.ServerAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	cfg        config.Config
	auth       auth.Auth
	service    service.Service
	aggregator distribution.Aggregator
	zaplog     *zap.Logger
}

func newHandler(cfg config.Config, auth auth.Auth, service service.Service, aggregator distribution.Aggregator, zaplog *zap.Logger) *handler {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = defaultRetryAfter
	}
	return &handler{
		cfg:        cfg,
		auth:       auth,
		service:    service,
		aggregator: aggregator,
		zaplog:     zaplog,
	}
}

func (h *handler) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware(h.zaplog, auth.HeaderOperatorKey))
	r.Use(middleware.Compress(5, "application/json", "text/plain"))

	r.Post("/api/webhooks/stripe", h.PostStripeWebhook)

	a := h.auth.Middleware
	r.Route("/api/admin", func(r chi.Router) {
		r.Post("/donations", a(h.PostDonation))
		r.Get("/donations/{id}", a(h.GetDonation))
		r.Post("/donations/{id}/receipt", a(h.PostResendReceipt))
		r.Post("/receipts/{number}", a(h.PostResendReceiptByNumber))
		r.Get("/allocations/unallocated", a(h.GetUnallocated))
		r.Post("/fees/quote", a(h.PostFeeQuote))

		r.Post("/goals", a(h.PostGoal))
		r.Get("/goals", a(h.GetGoals))
		r.Get("/goals/{id}", a(h.GetGoal))
		r.Put("/goals/{id}", a(h.PutGoal))
		r.Delete("/goals/{id}", a(h.DeleteGoal))
		r.Get("/goals/{id}/progress", a(h.GetGoalProgress))

		r.Post("/distributions", a(h.PostDistribution))
		r.Get("/distributions", a(h.GetDistributions))
		r.Get("/distributions/{id}", a(h.GetDistribution))
		r.Post("/distributions/{id}/allocations", a(h.PostAllocation))
		r.Post("/distributions/{id}/allocations/{allocationID}/deallocate", a(h.PostDeallocation))
		r.Delete("/distributions/{id}/allocations/{allocationID}", a(h.DeleteAllocation))
		r.Post("/distributions/{id}/deliver", a(h.PostDeliver))
	})

	return r
}

type ErrorJSONResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Remaining *int64 `json:"remainingCents,omitempty"`
}

// writeError переводит класс ошибки в HTTP-ответ.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorJSONResponse{Message: err.Error()}
	var code int

	switch failure.KindOf(err) {
	case failure.KindInvalid:
		resp.Error, code = "invalid", http.StatusUnprocessableEntity
	case failure.KindConflict:
		resp.Error, code = "conflict", http.StatusConflict
		var over *store.OverAllocationError
		if errors.As(err, &over) {
			resp.Error = "over_allocation"
			resp.Remaining = &over.Remaining
		}
	case failure.KindNotFound:
		resp.Error, code = "not_found", http.StatusNotFound
	case failure.KindTransient:
		resp.Error, code = "unavailable", http.StatusServiceUnavailable
		w.Header().Set("Retry-After", strconv.Itoa(int(h.cfg.RetryAfter.Seconds())))
	case failure.KindIntegrity:
		// подробности только в логе
		resp.Error, code = "integrity", http.StatusInternalServerError
		resp.Message = "ledger integrity violation"
		h.zaplog.Error("integrity error served",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	default:
		resp.Error, code = "internal", http.StatusInternalServerError
		resp.Message = http.StatusText(code)
		h.zaplog.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	h.writeJSON(w, code, resp)
}

func (h *handler) writeBadRequest(w http.ResponseWriter, err error) {
	h.writeJSON(w, http.StatusBadRequest, ErrorJSONResponse{Error: "bad_request", Message: err.Error()})
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

func (h *handler) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeBadRequest(w, err)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.writeBadRequest(w, err)
		return false
	}
	return true
}

// Stripe webhook

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Object   string            `json:"object"`
			Status   string            `json:"status"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

type WebhookJSONResponse struct {
	Received   bool   `json:"received"`
	Ignored    bool   `json:"ignored,omitempty"`
	DonationID string `json:"donationId,omitempty"`
	Created    bool   `json:"created,omitempty"`
	Status     string `json:"status,omitempty"`
}

func (h *handler) PostStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeBadRequest(w, err)
		return
	}
	if err := h.auth.VerifyWebhook(payload, r.Header.Get("Stripe-Signature")); err != nil {
		if auth.IsAuthError(err) {
			h.writeJSON(w, http.StatusUnauthorized, ErrorJSONResponse{Error: "signature", Message: err.Error()})
			return
		}
		h.writeError(w, r, err)
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.writeBadRequest(w, err)
		return
	}

	switch event.Type {
	case service.EventChargeSucceeded, service.EventChargePending, service.EventChargeFailed:
	default:
		// остальные события подтверждаем и не обрабатываем
		h.writeJSON(w, http.StatusOK, WebhookJSONResponse{Received: true, Ignored: true})
		return
	}

	res, err := h.service.IngestPaymentEvent(r.Context(), service.PaymentEvent{
		ID:       event.ID,
		Type:     event.Type,
		ChargeID: event.Data.Object.ID,
		Metadata: event.Data.Object.Metadata,
	})
	if err != nil {
		if event.Type == service.EventChargeFailed && failure.KindOf(err) == failure.KindInvalid {
			// денег не было, записывать нечего; повторная доставка ничего не изменит
			h.zaplog.Warn("failed charge not recorded",
				zap.String("event_id", event.ID),
				zap.String("charge_id", event.Data.Object.ID),
				zap.Error(err))
			h.writeJSON(w, http.StatusOK, WebhookJSONResponse{Received: true, Ignored: true})
			return
		}
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, WebhookJSONResponse{
		Received:   true,
		DonationID: res.Entry.ID,
		Created:    res.Created,
		Status:     string(res.Entry.Status),
	})
}
