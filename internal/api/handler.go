// Package api exposes the wagering engine over HTTP. Handlers decode plain
// JSON, call the engine and map its typed errors to status codes.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/totalizator/wager-engine/internal/model"
	"github.com/totalizator/wager-engine/internal/wager"
)

// Handler serves the ledger endpoints.
type Handler struct {
	engine *wager.Engine
}

// NewHandler creates the HTTP surface for an engine.
func NewHandler(engine *wager.Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes mounts every endpoint on r. hub may be nil.
func (h *Handler) Routes(r chi.Router, hub *Hub) {
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	r.Post("/bets", h.PlaceBet)
	r.Get("/bets/{betID}", h.GetBet)
	r.Post("/bets/{betID}/cancel", h.CancelBet)

	r.Get("/users/{userID}/bets", h.ListBetsForUser)
	r.Get("/users/{userID}/balance", h.GetBalance)
	r.Post("/users/{userID}/deposit", h.Deposit)

	r.Get("/bet-types", h.ListBetTypes)

	r.Get("/competitions", h.ListCompetitions)
	r.Post("/competitions", h.CreateCompetition)
	r.Get("/competitions/{competitionID}", h.GetCompetition)
	r.Get("/competitions/{competitionID}/bets", h.ListBetsForCompetition)
	r.Get("/competitions/{competitionID}/odds", h.GetOdds)
	r.Put("/competitions/{competitionID}/odds", h.SetOdds)
	r.Post("/competitions/{competitionID}/start", h.StartCompetition)
	r.Post("/competitions/{competitionID}/finish", h.FinishCompetition)
	r.Post("/competitions/{competitionID}/cancel", h.CancelCompetition)
	r.Post("/competitions/{competitionID}/settle", h.SettleCompetition)
}

// --- Request/Response types ---

// FinishRequest is the JSON body for POST /competitions/{id}/finish.
type FinishRequest struct {
	Score1 *int `json:"score1"`
	Score2 *int `json:"score2"`
}

// DepositRequest is the JSON body for POST /users/{id}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// SetOddsRequest is the JSON body for PUT /competitions/{id}/odds, keyed by
// bet type name.
type SetOddsRequest struct {
	Multipliers map[model.BetTypeName]decimal.Decimal `json:"multipliers"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Bets ---

// PlaceBet handles POST /api/v1/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req wager.PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	bet, err := h.engine.PlaceBet(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// GetBet handles GET /api/v1/bets/{betID}
func (h *Handler) GetBet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "betID")
	if !ok {
		return
	}
	bet, err := h.engine.GetBet(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

// CancelBet handles POST /api/v1/bets/{betID}/cancel
func (h *Handler) CancelBet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "betID")
	if !ok {
		return
	}
	cancelled, err := h.engine.CancelBet(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// ListBetsForUser handles GET /api/v1/users/{userID}/bets
func (h *Handler) ListBetsForUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	bets, err := h.engine.ListBetsForUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(bets))
}

// --- Users ---

// GetBalance handles GET /api/v1/users/{userID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	user, err := h.engine.GetBalance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Deposit handles POST /api/v1/users/{userID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	user, err := h.engine.Deposit(r.Context(), id, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListBetTypes handles GET /api/v1/bet-types
func (h *Handler) ListBetTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.engine.ListBetTypes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(types))
}

// --- Competitions ---

// ListCompetitions handles GET /api/v1/competitions?status=SCHEDULED
func (h *Handler) ListCompetitions(w http.ResponseWriter, r *http.Request) {
	status := model.CompetitionStatus(r.URL.Query().Get("status"))
	comps, err := h.engine.ListCompetitions(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(comps))
}

// CreateCompetition handles POST /api/v1/competitions
func (h *Handler) CreateCompetition(w http.ResponseWriter, r *http.Request) {
	var req wager.NewCompetition
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	comp, err := h.engine.CreateCompetition(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comp)
}

// GetCompetition handles GET /api/v1/competitions/{competitionID}
func (h *Handler) GetCompetition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "competitionID")
	if !ok {
		return
	}
	comp, err := h.engine.GetCompetition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comp)
}

// ListBetsForCompetition handles GET /api/v1/competitions/{competitionID}/bets
func (h *Handler) ListBetsForCompetition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "competitionID")
	if !ok {
		return
	}
	bets, err := h.engine.ListBetsForCompetition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(bets))
}

// GetOdds handles GET /api/v1/competitions/{competitionID}/odds
func (h *Handler) GetOdds(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "competitionID")
	if !ok {
		return
	}
	odds, err := h.engine.GetOdds(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(odds))
}

// SetOdds handles PUT /api/v1/competitions/{competitionID}/odds
func (h *Handler) SetOdds(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "competitionID")
	if !ok {
		return
	}
	var req SetOddsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	odds, err := h.engine.SetOdds(r.Context(), id, req.Multipliers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, odds)
}

// StartCompetition handles POST /api/v1/competitions/{competitionID}/start
func (h *Handler) StartCompetition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "competitionID")
	if !ok {
		return
	}
	comp, err := h.engine.StartCompetition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comp)
}

// FinishCompetition handles POST /api/v1/competitions/{competitionID}/finish
func (h *Handler) FinishCompetition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "competitionID")
	if !ok {
		return
	}
	var req FinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Score1 == nil || req.Score2 == nil {
		writeBadRequest(w, "score1 and score2 are required")
		return
	}
	comp, err := h.engine.FinishCompetition(r.Context(), id, *req.Score1, *req.Score2)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comp)
}

// CancelCompetition handles POST /api/v1/competitions/{competitionID}/cancel
func (h *Handler) CancelCompetition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "competitionID")
	if !ok {
		return
	}
	refunded, err := h.engine.CancelCompetition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"refunded": refunded})
}

// SettleCompetition handles POST /api/v1/competitions/{competitionID}/settle
func (h *Handler) SettleCompetition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "competitionID")
	if !ok {
		return
	}
	settled, err := h.engine.SettleCompetition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"settled": settled})
}

// --- Helpers ---

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "invalid "+param)
		return 0, false
	}
	return id, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(k wager.Kind) int {
	switch k {
	case wager.KindValidation:
		return http.StatusBadRequest
	case wager.KindNotFound:
		return http.StatusNotFound
	case wager.KindBusinessRule:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, err error) {
	we := wager.AsError(err)
	msg := we.Error()
	if we.Kind == wager.KindStorage {
		// Driver details stay in the logs.
		msg = "storage unavailable, retry later"
	}
	writeJSON(w, statusFor(we.Kind), ErrorResponse{Error: msg, Code: string(we.Code)})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "bad_request"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
