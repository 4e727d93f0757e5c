package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/service"
)

// ResolutionService drives markets to an outcome.
type ResolutionService interface {
	ResolveMarket(ctx context.Context, id string) (domain.Market, error)
	ArbitrateMarket(ctx context.Context, id string, outcome domain.Outcome) (domain.Market, error)
	DisputeMarket(ctx context.Context, id, reason string) (domain.Market, error)
	CastVote(ctx context.Context, req service.CastVoteRequest) (domain.Vote, error)
	ListVotes(ctx context.Context, marketID string) ([]domain.Vote, error)
	ListOracleLogs(ctx context.Context, marketID string) ([]domain.OracleLog, error)
}

// SettlementService applies payouts.
type SettlementService interface {
	SettleMarket(ctx context.Context, id string) (domain.SettlementSummary, error)
}

// ResolutionHandler serves resolution, voting and settlement endpoints.
type ResolutionHandler struct {
	resolution ResolutionService
	settlement SettlementService
	logger     *slog.Logger
}

func NewResolutionHandler(resolution ResolutionService, settlement SettlementService, logger *slog.Logger) *ResolutionHandler {
	return &ResolutionHandler{
		resolution: resolution,
		settlement: settlement,
		logger:     logHandler(logger, "resolution"),
	}
}

// writeResolved writes the market, or for an already settled market a 409
// that carries the recorded outcome.
func (h *ResolutionHandler) writeResolved(w http.ResponseWriter, r *http.Request, m domain.Market, err error) {
	if errors.Is(err, domain.ErrAlreadySettled) && m.Outcome != nil {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:   err.Error(),
			Code:    domain.CodeOf(err),
			Outcome: string(*m.Outcome),
		})
		return
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Resolve locks an expired market if needed and asks its resolution method
// for an outcome.
// POST /api/markets/{id}/resolve
func (h *ResolutionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	m, err := h.resolution.ResolveMarket(r.Context(), pathParam(r, "id"))
	h.writeResolved(w, r, m, err)
}

type arbitrateRequest struct {
	Outcome string `json:"outcome"`
}

// Arbitrate settles a disputed or manual market with an operator's outcome.
// POST /api/markets/{id}/arbitrate
func (h *ResolutionHandler) Arbitrate(w http.ResponseWriter, r *http.Request) {
	var req arbitrateRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	outcome := domain.Outcome(strings.ToUpper(strings.TrimSpace(req.Outcome)))
	m, err := h.resolution.ArbitrateMarket(r.Context(), pathParam(r, "id"), outcome)
	h.writeResolved(w, r, m, err)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

// Dispute moves a locked market to disputed.
// POST /api/markets/{id}/dispute
func (h *ResolutionHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	m, err := h.resolution.DisputeMarket(r.Context(), pathParam(r, "id"), strings.TrimSpace(req.Reason))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type castVoteRequest struct {
	VoterID string          `json:"voter_id"`
	Outcome string          `json:"outcome"`
	Stake   decimal.Decimal `json:"stake"`
}

// CastVote records a stake-weighted vote on a community market.
// POST /api/markets/{id}/votes
func (h *ResolutionHandler) CastVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	v, err := h.resolution.CastVote(r.Context(), service.CastVoteRequest{
		MarketID: pathParam(r, "id"),
		VoterID:  req.VoterID,
		Outcome:  domain.Outcome(strings.ToUpper(strings.TrimSpace(req.Outcome))),
		Stake:    req.Stake,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListVotes returns a market's votes.
// GET /api/markets/{id}/votes
func (h *ResolutionHandler) ListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := h.resolution.ListVotes(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if votes == nil {
		votes = []domain.Vote{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"votes": votes})
}

// ListOracleLogs returns every oracle query made for a market.
// GET /api/markets/{id}/oracle-logs
func (h *ResolutionHandler) ListOracleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.resolution.ListOracleLogs(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if logs == nil {
		logs = []domain.OracleLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"oracle_logs": logs})
}

// Settle applies payouts for a settled market. Repeating it is harmless.
// POST /api/markets/{id}/settle
func (h *ResolutionHandler) Settle(w http.ResponseWriter, r *http.Request) {
	summary, err := h.settlement.SettleMarket(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
