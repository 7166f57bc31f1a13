package cron

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/services/billing"
)

// SweepRunner runs one billing sweep
type SweepRunner interface {
	RunOnce(ctx context.Context) (*billing.TickResult, error)
}

// BillingHandler exposes a manual trigger for the recurring billing sweep,
// for external schedulers and operators
type BillingHandler struct {
	runner     SweepRunner
	logger     *zap.Logger
	cronSecret string // Secret token for authenticating cron requests
	timeout    time.Duration
}

// NewBillingHandler creates a new billing cron handler. timeout bounds one
// triggered sweep; zero means no bound beyond the request context.
func NewBillingHandler(runner SweepRunner, logger *zap.Logger, cronSecret string, timeout time.Duration) *BillingHandler {
	return &BillingHandler{
		runner:     runner,
		logger:     logger,
		cronSecret: cronSecret,
		timeout:    timeout,
	}
}

// ProcessBillingResponse represents the response from billing processing
type ProcessBillingResponse struct {
	*billing.TickResult
	ProcessedAt string `json:"processed_at"`
	Success     bool   `json:"success"`
}

// Routes registers the cron endpoints on mux
func (h *BillingHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/cron/process-billing", h.ProcessBilling)
	mux.HandleFunc("/cron/health", h.HealthCheck)
}

// ProcessBilling handles POST /cron/process-billing
func (h *BillingHandler) ProcessBilling(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Billing cron job triggered",
		zap.String("method", r.Method),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
	)

	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return
	}

	if !h.authenticateRequest(r) {
		h.logger.Warn("Unauthorized cron request", zap.String("remote_addr", r.RemoteAddr))
		h.respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// the sweep must not stop half way when the caller hangs up
	ctx := context.WithoutCancel(r.Context())
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.runner.RunOnce(ctx)
	if errors.Is(err, billing.ErrTickInProgress) {
		h.respondError(w, http.StatusConflict, "a billing sweep is already running")
		return
	}
	if err != nil {
		h.logger.Error("Billing sweep failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "billing sweep failed")
		return
	}

	resp := ProcessBillingResponse{
		TickResult:  result,
		Success:     result.Failed == 0 && len(result.Errors) == 0,
		ProcessedAt: time.Now().UTC().Format(time.RFC3339),
	}

	h.logger.Info("Billing processing completed",
		zap.Int("due", result.Due),
		zap.Int("processed", result.Processed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("canceled", result.Canceled),
		zap.Int("skipped", result.Skipped),
	)

	status := http.StatusOK
	if !resp.Success {
		// 206 indicates partial success
		status = http.StatusPartialContent
	}
	h.respondJSON(w, status, resp)
}

// authenticateRequest accepts the shared secret in X-Cron-Secret or as a bearer token
func (h *BillingHandler) authenticateRequest(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}

	if secret := r.Header.Get("X-Cron-Secret"); secret != "" {
		return constantTimeEqual(secret, h.cronSecret)
	}

	return constantTimeEqual(r.Header.Get("Authorization"), "Bearer "+h.cronSecret)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (h *BillingHandler) respondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *BillingHandler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// HealthCheck handles GET /cron/health for monitoring
func (h *BillingHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
