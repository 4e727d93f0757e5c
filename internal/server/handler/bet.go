package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/service"
)

// BetService places bets.
type BetService interface {
	PlaceBet(ctx context.Context, req service.PlaceBetRequest) (domain.Bet, error)
}

// BettorReader serves bettor statistics and history.
type BettorReader interface {
	GetBettor(ctx context.Context, id string) (domain.Bettor, error)
	ListBettorBets(ctx context.Context, id string, opts domain.ListOpts) ([]domain.Bet, error)
}

// BetHandler serves bet placement and bettor reads.
type BetHandler struct {
	bets    BetService
	bettors BettorReader
	logger  *slog.Logger
}

func NewBetHandler(bets BetService, bettors BettorReader, logger *slog.Logger) *BetHandler {
	return &BetHandler{bets: bets, bettors: bettors, logger: logHandler(logger, "bet")}
}

type placeBetRequest struct {
	BettorID   string          `json:"bettor_id"`
	Position   string          `json:"position"`
	Amount     decimal.Decimal `json:"amount"`
	PaymentRef string          `json:"payment_ref"`
}

// PlaceBet records a bet against the market's pools. Bets are final.
// POST /api/markets/{id}/bets
func (h *BetHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	bet, err := h.bets.PlaceBet(r.Context(), service.PlaceBetRequest{
		MarketID:   pathParam(r, "id"),
		BettorID:   req.BettorID,
		Position:   domain.Position(strings.ToUpper(strings.TrimSpace(req.Position))),
		Amount:     req.Amount,
		PaymentRef: req.PaymentRef,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// GetBettor returns aggregate statistics for a bettor.
// GET /api/bettors/{id}
func (h *BetHandler) GetBettor(w http.ResponseWriter, r *http.Request) {
	b, err := h.bettors.GetBettor(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ListBettorBets returns a bettor's bets, newest first.
// GET /api/bettors/{id}/bets?limit=50&offset=0
func (h *BetHandler) ListBettorBets(w http.ResponseWriter, r *http.Request) {
	bets, err := h.bettors.ListBettorBets(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if bets == nil {
		bets = []domain.Bet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": bets})
}
