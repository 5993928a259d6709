package routes

import (
	"context"
	"net/http"
	"time"

	"paychat/ledger"
	"paychat/storage"
)

func (a *api) attempts(w http.ResponseWriter, r *http.Request) {
	if l, ok := a.readLedger(w, r); ok {
		writeJSON(w, http.StatusOK, l)
	}
}

// cost answers [native, token] per attempt.
func (a *api) cost(w http.ResponseWriter, r *http.Request) {
	if l, ok := a.readLedger(w, r); ok {
		writeJSON(w, http.StatusOK, []float64{l.CostPerAttempt, l.TokenCostPerAttempt})
	}
}

func (a *api) contractAddress(w http.ResponseWriter, r *http.Request) {
	if l, ok := a.readLedger(w, r); ok {
		writeJSON(w, http.StatusOK, l.ContractAddress)
	}
}

type statsResponse struct {
	TotalAttempts       int64   `json:"totalAttempts"`
	CostPerAttempt      float64 `json:"costPerAttempt"`
	TokenCostPerAttempt float64 `json:"tokenCostPerAttempt"`
	ContractAddress     string  `json:"contractAddress"`
	TreasuryAddress     string  `json:"treasuryAddress"`
	TreasuryLamports    uint64  `json:"treasuryLamports"`
	TreasuryBalance     float64 `json:"treasuryBalance"`
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	l, ok := a.readLedger(w, r)
	if !ok {
		return
	}
	if a.balances == nil || a.treasury == "" {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "Treasury balance is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	lamports, err := a.balances.GetBalance(ctx, a.treasury)
	if err != nil {
		a.logger.Error("treasury balance lookup failed", "treasury", a.treasury, "error", err)
		writeError(w, http.StatusBadGateway, "Ledger unavailable", "Failed to fetch treasury balance")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TotalAttempts:       l.TotalAttempts,
		CostPerAttempt:      l.CostPerAttempt,
		TokenCostPerAttempt: l.TokenCostPerAttempt,
		ContractAddress:     l.ContractAddress,
		TreasuryAddress:     a.treasury,
		TreasuryLamports:    lamports,
		TreasuryBalance:     float64(lamports) / ledger.LamportsPerUnit,
	})
}

func (a *api) incrementAttempt(w http.ResponseWriter, r *http.Request) {
	l, err := a.store.IncrementAttempts(r.Context())
	if err != nil {
		a.logger.Error("increment attempts failed", "error", err)
		writeInternalError(w, "Failed to update attempts")
		return
	}
	a.logger.Info("attempt counter incremented by admin", "total_attempts", l.TotalAttempts)
	writeJSON(w, http.StatusOK, l)
}

func (a *api) updatePricing(w http.ResponseWriter, r *http.Request) {
	var update storage.PricingUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, http.StatusBadRequest, "Validation error", "Malformed request body")
		return
	}
	if update.CostPerAttempt == nil && update.TokenCostPerAttempt == nil && update.ContractAddress == nil {
		writeValidation(w, "No pricing fields supplied", nil)
		return
	}
	if fields := a.validate.Struct(update); fields != nil {
		writeValidation(w, "Missing or invalid fields", fields)
		return
	}
	l, err := a.store.UpdatePricing(r.Context(), update)
	if err != nil {
		a.logger.Error("update pricing failed", "error", err)
		writeInternalError(w, "Failed to update pricing")
		return
	}
	a.logger.Info("pricing updated",
		"cost_per_attempt", l.CostPerAttempt,
		"token_cost_per_attempt", l.TokenCostPerAttempt,
		"contract_address", l.ContractAddress,
	)
	writeJSON(w, http.StatusOK, l)
}

func (a *api) readLedger(w http.ResponseWriter, r *http.Request) (storage.AttemptLedger, bool) {
	l, err := a.store.ReadOrInitAttempts(r.Context())
	if err != nil {
		a.logger.Error("read attempt ledger failed", "error", err)
		writeInternalError(w, "Failed to fetch payment stats")
		return storage.AttemptLedger{}, false
	}
	return l, true
}
