// Package api serves the indexed entities and snapshot series over a
// read-only HTTP API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/options-indexer/internal/ident"
	"github.com/atmx/options-indexer/internal/metrics"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/period"
	"github.com/atmx/options-indexer/internal/store"
	"github.com/atmx/options-indexer/internal/trade"
)

const (
	defaultLimit = 500
	maxLimit     = 5000
)

// Handler serves read requests against the store.
type Handler struct {
	st  *store.Store
	hub *trade.WSHub // optional
	log *slog.Logger
}

// NewHandler creates a handler. Pass nil for hub to disable /api/v1/ws.
func NewHandler(st *store.Store, hub *trade.WSHub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{st: st, hub: hub, log: logger}
}

// Router builds the chi router with the service middleware stack.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"options-indexer"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; kept outside the request timeout.
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/markets", h.ListMarkets)
			r.Get("/markets/{marketID}", h.GetMarket)
			r.Get("/markets/{marketID}/candles", h.GetCandles)
			r.Get("/markets/{marketID}/volume", h.GetMarketVolume)
			r.Get("/markets/{marketID}/greeks", h.GetMarketGreeks)
			r.Get("/markets/{marketID}/total-value", h.GetMarketTotalValue)
			r.Get("/boards/{boardID}", h.GetBoard)
			r.Get("/strikes/{strikeID}", h.GetStrike)
			r.Get("/options/{optionID}", h.GetOption)
			r.Get("/options/{optionID}/volume", h.GetOptionVolume)
			r.Get("/positions/{marketID}/{positionID}", h.GetPosition)
			r.Get("/pools/{poolID}", h.GetPool)
			r.Get("/pools/{poolID}/pending-liquidity", h.GetPendingLiquidity)
			r.Get("/pools/{poolID}/providers/{user}", h.GetProvider)
		})
	})
	return r
}

// ListMarkets handles GET /api/v1/markets
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.st.Markets.List(r.Context(), "")
	if err != nil {
		h.internal(w, "failed to list markets", err)
		return
	}
	writeJSON(w, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, ok := load(h, w, r, h.st.Markets, chi.URLParam(r, "marketID"), "market")
	if !ok {
		return
	}
	writeJSON(w, m)
}

// GetCandles handles GET /api/v1/markets/{marketID}/candles?period=&limit=
func (h *Handler) GetCandles(w http.ResponseWriter, r *http.Request) {
	series(h, w, r, h.st.SpotPrices, chi.URLParam(r, "marketID"), func(s model.SpotPriceSnapshot) int64 { return s.Timestamp })
}

// GetMarketVolume handles GET /api/v1/markets/{marketID}/volume. Without a
// period it returns the latest bucket.
func (h *Handler) GetMarketVolume(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if r.URL.Query().Has("period") {
		series(h, w, r, h.st.MarketVolumeAndFees, marketID, func(s model.MarketVolumeAndFeesSnapshot) int64 { return s.Timestamp })
		return
	}
	m, ok := load(h, w, r, h.st.Markets, marketID, "market")
	if !ok {
		return
	}
	latestOf(h, w, r, h.st.MarketVolumeAndFees, m.LatestVolumeAndFees)
}

// GetMarketGreeks handles GET /api/v1/markets/{marketID}/greeks. Without a
// period it returns the latest bucket.
func (h *Handler) GetMarketGreeks(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if r.URL.Query().Has("period") {
		series(h, w, r, h.st.MarketGreeks, marketID, func(s model.MarketGreeksSnapshot) int64 { return s.Timestamp })
		return
	}
	m, ok := load(h, w, r, h.st.Markets, marketID, "market")
	if !ok {
		return
	}
	latestOf(h, w, r, h.st.MarketGreeks, m.LatestGreeks)
}

// GetMarketTotalValue handles GET /api/v1/markets/{marketID}/total-value.
// Without a period it returns the latest bucket.
func (h *Handler) GetMarketTotalValue(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if r.URL.Query().Has("period") {
		series(h, w, r, h.st.MarketTotalValue, marketID, func(s model.MarketTotalValueSnapshot) int64 { return s.Timestamp })
		return
	}
	m, ok := load(h, w, r, h.st.Markets, marketID, "market")
	if !ok {
		return
	}
	latestOf(h, w, r, h.st.MarketTotalValue, m.LatestTotalValue)
}

// BoardResponse is a board with its base IV history.
type BoardResponse struct {
	Board  *model.Board                `json:"board"`
	BaseIV []model.BoardBaseIVSnapshot `json:"base_iv"`
}

// GetBoard handles GET /api/v1/boards/{boardID}?period=
func (h *Handler) GetBoard(w http.ResponseWriter, r *http.Request) {
	b, ok := load(h, w, r, h.st.Boards, chi.URLParam(r, "boardID"), "board")
	if !ok {
		return
	}
	p, limit, ok := seriesParams(w, r)
	if !ok {
		return
	}
	ivs, err := listSeries(r, h.st.BoardBaseIV, b.ID, p, limit, func(s model.BoardBaseIVSnapshot) int64 { return s.Timestamp })
	if err != nil {
		h.internal(w, "failed to load base iv", err)
		return
	}
	writeJSON(w, BoardResponse{Board: b, BaseIV: ivs})
}

// StrikeResponse is a strike with its latest IV and greeks.
type StrikeResponse struct {
	Strike *model.Strike                    `json:"strike"`
	Greeks *model.StrikeIVAndGreeksSnapshot `json:"iv_and_greeks,omitempty"`
}

// GetStrike handles GET /api/v1/strikes/{strikeID}
func (h *Handler) GetStrike(w http.ResponseWriter, r *http.Request) {
	s, ok := load(h, w, r, h.st.Strikes, chi.URLParam(r, "strikeID"), "strike")
	if !ok {
		return
	}
	g, err := findLatest(r, h.st.StrikeIVAndGreeks, s.LatestStrikeIVAndGreeks)
	if err != nil {
		h.internal(w, "failed to load strike greeks", err)
		return
	}
	writeJSON(w, StrikeResponse{Strike: s, Greeks: g})
}

// OptionResponse is an option with its latest price, greeks and volume.
type OptionResponse struct {
	Option *model.Option                       `json:"option"`
	Price  *model.OptionPriceAndGreeksSnapshot `json:"price_and_greeks,omitempty"`
	Volume *model.OptionVolumeSnapshot         `json:"volume,omitempty"`
}

// GetOption handles GET /api/v1/options/{optionID}
func (h *Handler) GetOption(w http.ResponseWriter, r *http.Request) {
	o, ok := load(h, w, r, h.st.Options, chi.URLParam(r, "optionID"), "option")
	if !ok {
		return
	}
	price, err := findLatest(r, h.st.OptionPriceAndGreeks, o.LatestOptionPriceAndGreeks)
	if err != nil {
		h.internal(w, "failed to load option price", err)
		return
	}
	vol, err := findLatest(r, h.st.OptionVolume, o.LatestOptionVolume)
	if err != nil {
		h.internal(w, "failed to load option volume", err)
		return
	}
	writeJSON(w, OptionResponse{Option: o, Price: price, Volume: vol})
}

// GetOptionVolume handles GET /api/v1/options/{optionID}/volume?period=
func (h *Handler) GetOptionVolume(w http.ResponseWriter, r *http.Request) {
	series(h, w, r, h.st.OptionVolume, chi.URLParam(r, "optionID"), func(s model.OptionVolumeSnapshot) int64 { return s.Timestamp })
}

// PositionResponse is a position with its trade, collateral and settlement
// history.
type PositionResponse struct {
	Position          *model.Position          `json:"position"`
	Trades            []model.Trade            `json:"trades"`
	CollateralUpdates []model.CollateralUpdate `json:"collateral_updates"`
	Settles           []model.Settle           `json:"settles"`
}

// GetPosition handles GET /api/v1/positions/{marketID}/{positionID}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	positionID, err := strconv.ParseInt(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	id := ident.Position(chi.URLParam(r, "marketID"), positionID)
	pos, ok := load(h, w, r, h.st.Positions, id, "position")
	if !ok {
		return
	}

	ctx := r.Context()
	prefix := pos.ID + "-"
	trades, err := h.st.Trades.List(ctx, prefix)
	if err != nil {
		h.internal(w, "failed to load trades", err)
		return
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].BlockNumber < trades[j].BlockNumber })
	updates, err := h.st.CollateralUpdates.List(ctx, prefix)
	if err != nil {
		h.internal(w, "failed to load collateral updates", err)
		return
	}
	sort.SliceStable(updates, func(i, j int) bool { return updates[i].BlockNumber < updates[j].BlockNumber })
	settles, err := h.st.Settles.List(ctx, prefix)
	if err != nil {
		h.internal(w, "failed to load settlements", err)
		return
	}

	writeJSON(w, PositionResponse{Position: pos, Trades: trades, CollateralUpdates: updates, Settles: settles})
}

// PoolResponse is a pool with its open queue entries, latest pending
// liquidity and circuit breaker history.
type PoolResponse struct {
	Pool             *model.Pool                         `json:"pool"`
	PendingActions   []model.PendingAction               `json:"pending_actions"`
	PendingLiquidity *model.PoolPendingLiquiditySnapshot `json:"pending_liquidity,omitempty"`
	CircuitBreakers  []model.CircuitBreaker              `json:"circuit_breakers"`
}

// GetPool handles GET /api/v1/pools/{poolID}
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, ok := load(h, w, r, h.st.Pools, chi.URLParam(r, "poolID"), "pool")
	if !ok {
		return
	}

	ctx := r.Context()
	prefix := pool.ID + "-"
	actions, err := h.st.PendingActions.List(ctx, prefix)
	if err != nil {
		h.internal(w, "failed to load pending actions", err)
		return
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Timestamp < actions[j].Timestamp })
	pending, err := findLatest(r, h.st.PendingLiquidity, pool.LatestPendingLiquidity)
	if err != nil {
		h.internal(w, "failed to load pending liquidity", err)
		return
	}
	breakers, err := h.st.CircuitBreakers.List(ctx, prefix)
	if err != nil {
		h.internal(w, "failed to load circuit breakers", err)
		return
	}
	sort.SliceStable(breakers, func(i, j int) bool { return breakers[i].BlockNumber < breakers[j].BlockNumber })

	writeJSON(w, PoolResponse{Pool: pool, PendingActions: actions, PendingLiquidity: pending, CircuitBreakers: breakers})
}

// GetPendingLiquidity handles GET /api/v1/pools/{poolID}/pending-liquidity?period=
func (h *Handler) GetPendingLiquidity(w http.ResponseWriter, r *http.Request) {
	series(h, w, r, h.st.PendingLiquidity, chi.URLParam(r, "poolID"), func(s model.PoolPendingLiquiditySnapshot) int64 { return s.Timestamp })
}

// ProviderResponse is one liquidity provider's totals and processed actions.
type ProviderResponse struct {
	Liquidity *model.LPUserLiquidity `json:"liquidity"`
	Actions   []model.LPAction       `json:"actions"`
}

// GetProvider handles GET /api/v1/pools/{poolID}/providers/{user}
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if !common.IsHexAddress(user) {
		writeError(w, "invalid user address", http.StatusBadRequest)
		return
	}
	id := ident.LPUserLiquidity(chi.URLParam(r, "poolID"), common.HexToAddress(user))
	lp, ok := load(h, w, r, h.st.LPUserLiquidity, id, "liquidity provider")
	if !ok {
		return
	}
	actions, err := h.st.LPActions.List(r.Context(), lp.ID+"-")
	if err != nil {
		h.internal(w, "failed to load lp actions", err)
		return
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].BlockNumber < actions[j].BlockNumber })
	writeJSON(w, ProviderResponse{Liquidity: lp, Actions: actions})
}

// load fetches one entity, answering 404 or 500 itself when it fails.
func load[T any](h *Handler, w http.ResponseWriter, r *http.Request, repo store.Repository[T], id, what string) (*T, bool) {
	v, err := repo.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.internal(w, "failed to load "+what, err)
		return nil, false
	}
	return v, true
}

// findLatest follows a latest-snapshot pointer; an unset pointer is nil.
func findLatest[T any](r *http.Request, repo store.Repository[T], id string) (*T, error) {
	if id == "" {
		return nil, nil
	}
	return repo.Get(r.Context(), id)
}

// latestOf writes the snapshot a latest pointer refers to, or 404 when the
// series is still empty.
func latestOf[T any](h *Handler, w http.ResponseWriter, r *http.Request, repo store.Repository[T], id string) {
	if id == "" {
		writeError(w, "no snapshot recorded", http.StatusNotFound)
		return
	}
	v, ok := load(h, w, r, repo, id, "snapshot")
	if !ok {
		return
	}
	writeJSON(w, v)
}

// series writes the buckets of subject for the requested period, oldest
// first.
func series[T any](h *Handler, w http.ResponseWriter, r *http.Request, repo store.Repository[T], subject string, ts func(T) int64) {
	p, limit, ok := seriesParams(w, r)
	if !ok {
		return
	}
	out, err := listSeries(r, repo, subject, p, limit, ts)
	if err != nil {
		h.internal(w, "failed to load "+repo.Kind(), err)
		return
	}
	writeJSON(w, out)
}

// listSeries returns the last limit buckets of subject for period p,
// ordered by bucket timestamp.
func listSeries[T any](r *http.Request, repo store.Repository[T], subject string, p int64, limit int, ts func(T) int64) ([]T, error) {
	out, err := repo.List(r.Context(), subject+"-"+strconv.FormatInt(p, 10)+"-")
	if err != nil {
		return nil, err
	}
	// Ids sort as strings, not by bucket index.
	sort.SliceStable(out, func(i, j int) bool { return ts(out[i]) < ts(out[j]) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// seriesParams reads ?period= (seconds, default one hour) and ?limit=.
func seriesParams(w http.ResponseWriter, r *http.Request) (int64, int, bool) {
	p := period.Hour
	if v := r.URL.Query().Get("period"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, "period must be a positive number of seconds", http.StatusBadRequest)
			return 0, 0, false
		}
		p = n
	}
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return 0, 0, false
		}
		limit = min(n, maxLimit)
	}
	return p, limit, true
}

func (h *Handler) internal(w http.ResponseWriter, message string, err error) {
	h.log.Error(message, "err", err)
	writeError(w, message, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
