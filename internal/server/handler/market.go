package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/service"
)

// MarketService defines the methods that the market handler requires from the
// service layer.
type MarketService interface {
	CreateMarket(ctx context.Context, req service.CreateMarketRequest) (domain.Market, error)
	GetMarketWithBets(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error)
	Quote(ctx context.Context, id string, pos domain.Position, amount decimal.Decimal) (domain.Quote, error)
	Stats(ctx context.Context) (domain.MarketStats, error)
}

// ExpiryLocker locks markets whose expiration has passed.
type ExpiryLocker interface {
	LockExpiredMarkets(ctx context.Context) (int, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	locker  ExpiryLocker
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, locker ExpiryLocker, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		locker:  locker,
		logger:  logHandler(logger, "market"),
	}
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets filtered by status and platform.
// GET /api/markets?status=open&platform=telegram&chat_id=&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.MarketFilter{
		Status:   domain.MarketStatus(strings.ToLower(q.Get("status"))),
		Platform: q.Get("platform"),
		ChatID:   q.Get("chat_id"),
		ListOpts: parseListOpts(r),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		badRequest(w, "unknown status "+q.Get("status"))
		return
	}

	markets, err := h.markets.ListMarkets(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}

type createMarketRequest struct {
	Question        string                `json:"question"`
	CreatorID       string                `json:"creator_id"`
	ExpiresAt       time.Time             `json:"expires_at"`
	ResolutionType  domain.ResolutionType `json:"resolution_type"`
	OracleSource    string                `json:"oracle_source,omitempty"`
	OracleCondition string                `json:"oracle_condition,omitempty"`
	Platform        string                `json:"platform,omitempty"`
	ChatID          string                `json:"chat_id,omitempty"`
}

// CreateMarket opens a new market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), service.CreateMarketRequest{
		Question:        req.Question,
		CreatorID:       req.CreatorID,
		ExpiresAt:       req.ExpiresAt,
		ResolutionType:  domain.ResolutionType(strings.ToLower(string(req.ResolutionType))),
		OracleSource:    req.OracleSource,
		OracleCondition: req.OracleCondition,
		Platform:        req.Platform,
		ChatID:          req.ChatID,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket returns a market with its bets and pools.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.GetMarketWithBets(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if m.Bets == nil {
		m.Bets = []domain.Bet{}
	}
	writeJSON(w, http.StatusOK, m)
}

// Quote prices a prospective bet without placing it.
// GET /api/markets/{id}/quote?position=YES&amount=1.5
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := domain.ParseAmount(q.Get("amount"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	pos := domain.Position(strings.ToUpper(q.Get("position")))

	quote, err := h.markets.Quote(r.Context(), pathParam(r, "id"), pos, amount)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// Stats returns total volume, open market and bet counts.
// GET /api/stats
func (h *MarketHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.markets.Stats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// LockExpired locks every open market past its expiration.
// POST /api/markets/lock-expired
func (h *MarketHandler) LockExpired(w http.ResponseWriter, r *http.Request) {
	n, err := h.locker.LockExpiredMarkets(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}
