package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (g *Gateway) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var req credits.PreflightRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		g.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.EstimatedCost != nil && req.EstimatedCost.IsNegative() {
		g.writeError(w, http.StatusBadRequest, "estimated_cost must not be negative")
		return
	}

	// A denial is a decision, not a request error.
	g.writeJSON(w, http.StatusOK, g.deps.Gate.Preflight(r.Context(), req))
}

func (g *Gateway) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req credits.SettleRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AccountID) == "" || strings.TrimSpace(req.Model) == "" {
		g.writeError(w, http.StatusBadRequest, "account_id and model are required")
		return
	}
	if req.PromptTokens < 0 || req.CompletionTokens < 0 || req.CacheReadTokens < 0 || req.CacheWriteTokens < 0 {
		g.writeError(w, http.StatusBadRequest, "token counts must not be negative")
		return
	}

	res, err := g.deps.Gate.Settle(r.Context(), req)
	if err != nil {
		g.writeDomainError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	bal, err := g.deps.Ledger.Read(r.Context(), accountID)
	if err != nil {
		g.writeDomainError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, bal)
}

func (g *Gateway) handleLedger(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			g.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := g.deps.Ledger.History(r.Context(), accountID, limit)
	if err != nil {
		g.writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"entries":    entries,
	})
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	res, err := g.deps.Refresh.MaybeRefresh(r.Context(), accountID, force)
	if err != nil {
		g.writeDomainError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

type creditCheckoutRequest struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type subscriptionCheckoutRequest struct {
	AccountID string      `json:"account_id"`
	Tier      models.Tier `json:"tier"`
}

type accountRequest struct {
	AccountID string `json:"account_id"`
}

type checkoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

func (g *Gateway) providerAvailable(w http.ResponseWriter) bool {
	if g.deps.Billing == nil {
		g.writeError(w, http.StatusServiceUnavailable, "payment provider not configured")
		return false
	}
	return true
}

func (g *Gateway) handleCreditCheckout(w http.ResponseWriter, r *http.Request) {
	if !g.providerAvailable(w) {
		return
	}
	var req creditCheckoutRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		g.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if !g.allowCheckout(w, r, req.AccountID) {
		return
	}

	session, err := g.deps.Billing.StartCreditPurchase(r.Context(), req.AccountID, req.Amount)
	if err != nil {
		g.writeDomainError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, checkoutResponse{SessionID: session.ID, URL: session.URL})
}

func (g *Gateway) handleSubscriptionCheckout(w http.ResponseWriter, r *http.Request) {
	if !g.providerAvailable(w) {
		return
	}
	var req subscriptionCheckoutRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AccountID) == "" || req.Tier == "" {
		g.writeError(w, http.StatusBadRequest, "account_id and tier are required")
		return
	}
	if !g.allowCheckout(w, r, req.AccountID) {
		return
	}

	session, err := g.deps.Billing.StartSubscription(r.Context(), req.AccountID, req.Tier)
	if err != nil {
		g.writeDomainError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, checkoutResponse{SessionID: session.ID, URL: session.URL})
}

func (g *Gateway) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	if !g.providerAvailable(w) {
		return
	}
	var req accountRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		g.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if !g.allowCheckout(w, r, req.AccountID) {
		return
	}

	if err := g.deps.Billing.CancelSubscription(r.Context(), req.AccountID); err != nil {
		g.writeDomainError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_at_period_end"})
}

func (g *Gateway) handlePortal(w http.ResponseWriter, r *http.Request) {
	if !g.providerAvailable(w) {
		return
	}
	var req accountRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		g.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if !g.allowCheckout(w, r, req.AccountID) {
		return
	}

	url, err := g.deps.Billing.PortalURL(r.Context(), req.AccountID)
	if err != nil {
		g.writeDomainError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type adjustRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (g *Gateway) handleAdjust(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var req adjustRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		g.writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	total, err := g.deps.Ledger.Adjust(r.Context(), accountID, req.Amount, req.Description, map[string]any{
		"source":     "admin",
		"request_id": middleware.GetReqID(r.Context()),
	})
	if err != nil {
		g.writeDomainError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"new_total":  total,
	})
}

func (g *Gateway) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if g.deps.Reconciler == nil {
		g.writeError(w, http.StatusServiceUnavailable, "reconciliation not configured")
		return
	}

	report, err := g.deps.Reconciler.Run(r.Context())
	if err != nil {
		g.logger.Warn("reconciliation run interrupted", zap.Error(err))
		g.writeError(w, http.StatusServiceUnavailable, "reconciliation interrupted")
		return
	}

	var itemErrors []string
	for _, s := range report.Sweeps {
		for _, e := range s.Errors {
			itemErrors = append(itemErrors, e.Error())
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"report": report,
		"errors": itemErrors,
	})
}
