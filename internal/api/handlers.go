// Package api provides the HTTP handlers for pool operations and queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/cover-engine/internal/custody"
	"github.com/atmx/cover-engine/internal/engine"
	"github.com/atmx/cover-engine/internal/model"
)

// Crediter mints balance into participant accounts. Only development
// ledgers expose it.
type Crediter interface {
	Credit(ctx context.Context, account, asset string, amount uint64) error
}

// Service handles pool requests.
type Service struct {
	engine *engine.Engine
	faucet Crediter // nil disables POST /faucet
}

// NewService creates a new pool service. Pass nil for faucet unless the
// ledger is a development ledger.
func NewService(eng *engine.Engine, faucet Crediter) *Service {
	return &Service{engine: eng, faucet: faucet}
}

// Mount registers the pool routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Get("/pools", s.ListPools)
	r.Post("/pools", s.InitializePool)
	r.Route("/pools/{poolID}", func(r chi.Router) {
		r.Get("/", s.GetPool)
		r.Post("/stake", s.Stake)
		r.Post("/withdraw", s.Withdraw)
		r.Get("/stakes/{account}", s.GetStake)
		r.Get("/policies", s.ListPolicies)
		r.Post("/policies", s.BuyProtection)
		r.Get("/policies/{account}", s.GetPolicy)
		r.Post("/policies/{account}/claim", s.Claim)
		r.Post("/policies/{account}/release", s.Release)
		r.Get("/activity", s.GetActivity)
	})
	if s.faucet != nil {
		r.Post("/faucet", s.Faucet)
	}
}

// --- Request types ---

// InitializePoolRequest is the JSON body for pool creation.
type InitializePoolRequest struct {
	PoolID       uint64 `json:"pool_id"`
	Asset        string `json:"asset"`
	PremiumRate  uint16 `json:"premium_rate"`  // basis points
	ThresholdMax uint16 `json:"threshold_max"` // basis points
}

// CollateralRequest is the JSON body for stake and withdraw.
type CollateralRequest struct {
	Underwriter string `json:"underwriter"`
	Amount      uint64 `json:"amount"`
}

// BuyRequest is the JSON body for POST /pools/{poolID}/policies.
type BuyRequest struct {
	Buyer          string `json:"buyer"`
	Threshold      uint16 `json:"threshold"`
	CoverageAmount uint64 `json:"coverage_amount"`
	Duration       int64  `json:"duration"` // seconds
}

// ClaimRequest is the JSON body for a claim.
type ClaimRequest struct {
	Threshold uint16 `json:"threshold"`
}

// FaucetRequest is the JSON body for POST /faucet.
type FaucetRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
}

// --- HTTP Handlers ---

// InitializePool handles POST /api/v1/pools
func (s *Service) InitializePool(w http.ResponseWriter, r *http.Request) {
	var req InitializePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rcpt, err := s.engine.InitializePool(r.Context(), engine.InitializePoolParams{
		PoolID:       req.PoolID,
		Asset:        req.Asset,
		PremiumRate:  req.PremiumRate,
		ThresholdMax: req.ThresholdMax,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rcpt)
}

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.engine.Pools(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

// GetPool handles GET /api/v1/pools/{poolID}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	poolID, ok := parsePoolID(w, r)
	if !ok {
		return
	}
	pool, err := s.engine.Pool(r.Context(), poolID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// Stake handles POST /api/v1/pools/{poolID}/stake
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	poolID, ok := parsePoolID(w, r)
	if !ok {
		return
	}
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rcpt, err := s.engine.StakeCollateral(r.Context(), engine.StakeParams{
		PoolID:      poolID,
		Underwriter: req.Underwriter,
		Amount:      req.Amount,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// Withdraw handles POST /api/v1/pools/{poolID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	poolID, ok := parsePoolID(w, r)
	if !ok {
		return
	}
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rcpt, err := s.engine.WithdrawCollateral(r.Context(), engine.WithdrawParams{
		PoolID:      poolID,
		Underwriter: req.Underwriter,
		Amount:      req.Amount,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// GetStake handles GET /api/v1/pools/{poolID}/stakes/{account}
func (s *Service) GetStake(w http.ResponseWriter, r *http.Request) {
	poolID, ok := parsePoolID(w, r)
	if !ok {
		return
	}
	stake, err := s.engine.Stake(r.Context(), poolID, chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stake)
}

// BuyProtection handles POST /api/v1/pools/{poolID}/policies
func (s *Service) BuyProtection(w http.ResponseWriter, r *http.Request) {
	poolID, ok := parsePoolID(w, r)
	if !ok {
		return
	}
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rcpt, err := s.engine.BuyProtection(r.Context(), engine.BuyParams{
		PoolID:         poolID,
		Buyer:          req.Buyer,
		Threshold:      req.Threshold,
		CoverageAmount: req.CoverageAmount,
		Duration:       req.Duration,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rcpt)
}

// ListPolicies handles GET /api/v1/pools/{poolID}/policies
func (s *Service) ListPolicies(w http.ResponseWriter, r *http.Request) {
	poolID, ok := parsePoolID(w, r)
	if !ok {
		return
	}
	policies, err := s.engine.Policies(r.Context(), poolID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if policies == nil {
		policies = []model.Policy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

// GetPolicy handles GET /api/v1/pools/{poolID}/policies/{account}
func (s *Service) GetPolicy(w http.ResponseWriter, r *http.Request) {
	poolID, ok := parsePoolID(w, r)
	if !ok {
		return
	}
	policy, err := s.engine.Policy(r.Context(), poolID, chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// Claim handles POST /api/v1/pools/{poolID}/policies/{account}/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	poolID, ok := parsePoolID(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rcpt, err := s.engine.ClaimProtection(r.Context(), engine.ClaimParams{
		PoolID:    poolID,
		Buyer:     chi.URLParam(r, "account"),
		Threshold: req.Threshold,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// Release handles POST /api/v1/pools/{poolID}/policies/{account}/release
func (s *Service) Release(w http.ResponseWriter, r *http.Request) {
	poolID, ok := parsePoolID(w, r)
	if !ok {
		return
	}
	rcpt, err := s.engine.ReleaseExpired(r.Context(), poolID, chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// GetActivity handles GET /api/v1/pools/{poolID}/activity
// Returns the pool's committed operations, oldest first.
func (s *Service) GetActivity(w http.ResponseWriter, r *http.Request) {
	poolID, ok := parsePoolID(w, r)
	if !ok {
		return
	}
	entries, err := s.engine.Activity(r.Context(), poolID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.Activity{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Faucet handles POST /api/v1/faucet
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" || req.Asset == "" || req.Amount == 0 {
		writeError(w, "account, asset and a positive amount are required", http.StatusBadRequest)
		return
	}
	if custody.IsVault(req.Account) {
		writeError(w, "vault accounts cannot be credited", http.StatusBadRequest)
		return
	}

	if err := s.faucet.Credit(r.Context(), req.Account, req.Asset, req.Amount); err != nil {
		slog.Error("faucet credit failed", "account", req.Account, "err", err)
		writeError(w, "credit failed", http.StatusInternalServerError)
		return
	}
	slog.Info("faucet credit", "account", req.Account, "asset", req.Asset, "amount", req.Amount)
	writeJSON(w, http.StatusOK, req)
}

func parsePoolID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "poolID"), 10, 64)
	if err != nil {
		writeError(w, "pool id must be an unsigned integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyExists), errors.Is(err, engine.ErrPolicyActive):
		return http.StatusConflict
	case errors.Is(err, engine.ErrSharesZero),
		errors.Is(err, engine.ErrInsufficientUnlockedShares),
		errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, engine.ErrOverflow),
		errors.Is(err, engine.ErrPoolInsolvent),
		errors.Is(err, engine.ErrTransferFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("pool operation failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	slog.Warn("pool operation rejected", "method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
