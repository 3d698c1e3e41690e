// Package api exposes the round engine over HTTP. Authentication happens
// upstream; the caller's identity arrives in the X-User-ID header.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/hilo-engine/internal/bet"
	"github.com/atmx/hilo-engine/internal/model"
	"github.com/atmx/hilo-engine/internal/payout"
	"github.com/atmx/hilo-engine/internal/store"
	"github.com/atmx/hilo-engine/internal/wallet"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

// RoundSource reports the round the engine is currently driving.
type RoundSource interface {
	Current() *model.Round
}

// Service serves the HTTP API.
type Service struct {
	store   store.Store
	rounds  RoundSource
	bets    *bet.Ledger
	wallets *wallet.Ledger
	payouts *payout.Provider
}

// NewService creates the API service.
func NewService(st store.Store, rounds RoundSource, bets *bet.Ledger, wallets *wallet.Ledger, payouts *payout.Provider) *Service {
	return &Service{
		store:   st,
		rounds:  rounds,
		bets:    bets,
		wallets: wallets,
		payouts: payouts,
	}
}

// Routes mounts the API handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/bets", s.PlaceBet)
	r.Get("/rounds/current", s.CurrentRound)
	r.Get("/rounds/{roundID}", s.GetRound)
	r.Get("/wallets/{userID}", s.GetWallet)
	r.Get("/payouts", s.GetPayouts)
}

// PlaceBet handles POST /api/v1/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeError(w, "missing "+UserHeader, http.StatusUnauthorized)
		return
	}

	var req bet.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	placement, err := s.bets.PlaceBet(r.Context(), userID, req)
	if err != nil {
		status := betErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("place bet failed", "user", userID, "round_id", req.RoundID, "err", err)
			writeError(w, "internal error", status)
			return
		}
		writeError(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusCreated, placement)
}

// CurrentRound handles GET /api/v1/rounds/current
func (s *Service) CurrentRound(w http.ResponseWriter, r *http.Request) {
	cur := s.rounds.Current()
	if cur == nil {
		writeError(w, "no active round", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// GetRound handles GET /api/v1/rounds/{roundID}
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roundID"), 10, 64)
	if err != nil {
		writeError(w, "invalid round id", http.StatusBadRequest)
		return
	}

	round, err := s.store.GetRound(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get round failed", "round_id", id, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// GetWallet handles GET /api/v1/wallets/{userID}. Users may only read
// their own wallet.
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if caller := r.Header.Get(UserHeader); caller != userID {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}

	wal, err := s.wallets.GetOrCreate(r.Context(), userID)
	if err != nil {
		slog.Error("get wallet failed", "user", userID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

// GetPayouts handles GET /api/v1/payouts
func (s *Service) GetPayouts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.payouts.Current())
}

func betErrorStatus(err error) int {
	switch {
	case errors.Is(err, bet.ErrAmountOutOfRange),
		errors.Is(err, bet.ErrInvalidBetShape),
		errors.Is(err, bet.ErrInvalidSelection):
		return http.StatusBadRequest
	case errors.Is(err, bet.ErrRoundNotFound):
		return http.StatusNotFound
	case errors.Is(err, bet.ErrRoundNotBetting),
		errors.Is(err, bet.ErrBettingClosed),
		errors.Is(err, bet.ErrInsufficientBalance),
		errors.Is(err, bet.ErrStakeLimit):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
