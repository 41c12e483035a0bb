// Package api serves a read-only monitor of the virtual exchange: REST
// snapshots of markets, books, market data and balances, and a WebSocket
// feed of exchange notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simex/pkg/app/core/account"
	"github.com/uhyunpark/simex/pkg/app/core/market"
	"github.com/uhyunpark/simex/pkg/backtest"
	"github.com/uhyunpark/simex/pkg/exchange"
)

const (
	defaultDepth   = 20
	defaultHistory = 100
	maxHistory     = 10000
)

// Accounts is the balance view exposed under /api/v1/balances.
type Accounts interface {
	Balances() map[string]decimal.Decimal
	Positions() []account.Position
}

// Reports is the archive exposed under /api/v1/reports.
type Reports interface {
	Recent(limit int) ([]backtest.Report, error)
	Load(runID string) (backtest.Report, error)
}

type Option func(*Server)

func WithAccounts(a Accounts) Option { return func(s *Server) { s.accounts = a } }

func WithReports(r Reports) Option { return func(s *Server) { s.reports = r } }

func WithLogger(logger *zap.Logger) Option { return func(s *Server) { s.logger = logger } }

// WithAllowedOrigins sets the CORS origins. Defaults to local dashboards.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// Server handles REST API and WebSocket connections
type Server struct {
	exchange *exchange.VirtualExchange
	accounts Accounts
	reports  Reports
	router   *mux.Router
	hub      *Hub
	logger   *zap.Logger
	origins  []string
	ctx      context.Context
}

func NewServer(ex *exchange.VirtualExchange, opts ...Option) *Server {
	s := &Server{
		exchange: ex,
		router:   mux.NewRouter(),
		logger:   zap.NewNop(),
		origins:  []string{"http://localhost:3000", "http://localhost:3001"},
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger.Named("ws"))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/stats", s.handleGetStats).Methods("GET")
	api.HandleFunc("/markets/{symbol}/ticker", s.handleGetTicker).Methods("GET")
	api.HandleFunc("/markets/{symbol}/history", s.handleGetHistory).Methods("GET")

	// Account endpoints
	api.HandleFunc("/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/positions", s.handleGetPositions).Methods("GET")

	// Backtest archive
	api.HandleFunc("/reports", s.handleGetReports).Methods("GET")
	api.HandleFunc("/reports/{id}", s.handleGetReport).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// RunHub starts the WebSocket hub; it stops with ctx.
func (s *Server) RunHub(ctx context.Context) {
	s.ctx = ctx
	go s.hub.Run(ctx)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.RunHub(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api_server_starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func marketInfo(m market.Market) MarketInfo {
	return MarketInfo{
		Symbol:      m.Symbol,
		BaseAsset:   m.BaseAsset,
		QuoteAsset:  m.QuoteAsset,
		Status:      m.Status.String(),
		TickSize:    m.TickSize,
		LotSize:     m.LotSize,
		TakerFeeBps: m.TakerFeeBps,
		MakerFeeBps: m.MakerFeeBps,
		Registered:  true,
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	response := []MarketInfo{}
	seen := map[string]bool{}
	if reg := s.exchange.Registry(); reg != nil {
		for _, m := range reg.ListMarkets() {
			response = append(response, marketInfo(m))
			seen[m.Symbol] = true
		}
	}
	for _, sym := range s.knownSymbols() {
		if seen[sym] {
			continue
		}
		info := MarketInfo{Symbol: sym}
		if base, quote, ok := market.SplitSymbol(sym); ok {
			info.BaseAsset, info.QuoteAsset = base, quote
		}
		response = append(response, info)
	}
	respondJSON(w, response)
}

// knownSymbols lists symbols with a book or market data.
func (s *Server) knownSymbols() []string {
	seen := map[string]bool{}
	var out []string
	for _, sym := range append(s.exchange.Symbols(), s.exchange.MarketData().Symbols()...) {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}

func (s *Server) known(symbol string) bool {
	if reg := s.exchange.Registry(); reg != nil && reg.Exists(symbol) {
		return true
	}
	if s.exchange.OrderBook(symbol) != nil {
		return true
	}
	_, ok := s.exchange.MarketData().Latest(symbol)
	return ok
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if !s.known(symbol) {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}
	depth, err := queryInt(r, "depth", defaultDepth, 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid depth", err.Error())
		return
	}

	response := OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      []PriceLevel{},
		Asks:      []PriceLevel{},
		Timestamp: s.exchange.Now().UnixMilli(),
	}
	if book := s.exchange.OrderBook(symbol); book != nil {
		d := book.Depth(depth)
		for _, l := range d.Bids {
			response.Bids = append(response.Bids, PriceLevel{Price: l.Price, Size: l.Quantity, Orders: l.Orders})
		}
		for _, l := range d.Asks {
			response.Asks = append(response.Asks, PriceLevel{Price: l.Price, Size: l.Quantity, Orders: l.Orders})
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if !s.known(symbol) {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}
	response := BookStats{Symbol: symbol}
	if book := s.exchange.OrderBook(symbol); book != nil {
		st := book.Statistics()
		response = BookStats{
			Symbol:    symbol,
			Orders:    st.Orders,
			BidLevels: st.BidLevels,
			AskLevels: st.AskLevels,
			BestBid:   st.BestBid,
			BestAsk:   st.BestAsk,
			Spread:    st.Spread,
			LastFill:  st.LastFill,
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetTicker(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	t, ok := s.exchange.MarketData().Latest(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "no market data", symbol)
		return
	}
	respondJSON(w, TickInfo{Symbol: symbol, Price: t.Price, Volume: t.Volume, Timestamp: t.Timestamp.UnixMilli()})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit, err := queryInt(r, "limit", defaultHistory, 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	limit = min(limit, maxHistory)

	ticks := s.exchange.MarketData().History(symbol, limit)
	if len(ticks) == 0 && !s.known(symbol) {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}
	response := make([]TickInfo, 0, len(ticks))
	for _, t := range ticks {
		response = append(response, TickInfo{Symbol: symbol, Price: t.Price, Volume: t.Volume, Timestamp: t.Timestamp.UnixMilli()})
	}
	respondJSON(w, response)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		respondError(w, http.StatusNotFound, "accounts not available", "")
		return
	}
	respondJSON(w, s.accounts.Balances())
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		respondError(w, http.StatusNotFound, "accounts not available", "")
		return
	}
	positions := s.accounts.Positions()
	response := make([]PositionInfo, 0, len(positions))
	for _, pos := range positions {
		if pos.Size.IsZero() && pos.RealizedPnL.IsZero() {
			continue
		}
		info := PositionInfo{
			Symbol:      pos.Symbol,
			Size:        pos.Size,
			EntryPrice:  pos.EntryPrice,
			RealizedPnL: pos.RealizedPnL,
		}
		if mark, ok := s.exchange.MarketData().Price(pos.Symbol); ok {
			info.MarkPrice = decimal.NewNullDecimal(mark)
			info.UnrealizedPnL = pos.UnrealizedPnL(mark)
		}
		response = append(response, info)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		respondError(w, http.StatusNotFound, "report archive not configured", "")
		return
	}
	limit, err := queryInt(r, "limit", 20, 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	reports, err := s.reports.Recent(limit)
	if err != nil {
		s.logger.Error("reports_load_failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load reports", err.Error())
		return
	}
	response := make([]ReportSummary, 0, len(reports))
	for _, rep := range reports {
		response = append(response, ReportSummary{
			RunID:       rep.RunID,
			Strategy:    rep.Strategy,
			StartedAt:   rep.StartedAt.UnixMilli(),
			Bars:        rep.Bars,
			Trades:      rep.Portfolio.Trades,
			Equity:      rep.Portfolio.Equity,
			Return:      rep.Portfolio.Return,
			Interrupted: rep.Interrupted,
			Error:       rep.Error,
		})
	}
	respondJSON(w, response)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		respondError(w, http.StatusNotFound, "report archive not configured", "")
		return
	}
	id := mux.Vars(r)["id"]
	rep, err := s.reports.Load(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "report not found", err.Error())
		return
	}
	respondJSON(w, rep)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"status":     "ok",
		"exchange":   s.exchange.Name(),
		"clock":      s.exchange.Now().UnixMilli(),
		"ws_clients": s.hub.Clients(),
		"ws_dropped": s.hub.Dropped(),
	})
}

// ==============================
// Broadcast (exchange listener)
// ==============================

// OnExchangeEvent forwards ticks to "ticks:{symbol}" and order lifecycle
// notifications to "orders:{symbol}".
func (s *Server) OnExchangeEvent(n exchange.Notification) {
	switch n.Kind {
	case exchange.NotifyTick:
		if n.Tick == nil {
			return
		}
		update := TickUpdate{
			Type:      "tick",
			Symbol:    n.Symbol,
			Price:     n.Tick.Price,
			Volume:    n.Tick.Volume,
			Timestamp: n.Timestamp.UnixMilli(),
		}
		if n.OHLCV != nil {
			update.Open, update.High, update.Low = n.OHLCV.Open, n.OHLCV.High, n.OHLCV.Low
		}
		s.hub.Publish(topicTicks+":"+n.Symbol, update)

	case exchange.NotifyOrderAccepted, exchange.NotifyOrderTriggered,
		exchange.NotifyOrderFilled, exchange.NotifyOrderCancelled:
		if n.Order == nil {
			return
		}
		s.hub.Publish(topicOrders+":"+n.Symbol, OrderUpdate{
			Type:      "order",
			Status:    orderStatus(n.Kind),
			Symbol:    n.Symbol,
			OrderID:   n.Order.ID,
			Side:      n.Order.Side.String(),
			Price:     n.Order.Price,
			Remaining: n.Order.Remaining,
			Quantity:  n.Quantity,
			Reference: n.Price,
			Timestamp: n.Timestamp.UnixMilli(),
		})
	}
}

// channelSnapshot is sent to a client right after it subscribes: the latest
// tick for ticks channels. Order channels have no snapshot.
func (s *Server) channelSnapshot(channel string) (any, bool) {
	topic, symbol, ok := parseChannel(channel)
	if !ok || topic != topicTicks {
		return nil, false
	}
	t, ok := s.exchange.MarketData().Latest(symbol)
	if !ok {
		return nil, false
	}
	return TickUpdate{
		Type:      "snapshot",
		Symbol:    symbol,
		Price:     t.Price,
		Volume:    t.Volume,
		Timestamp: t.Timestamp.UnixMilli(),
	}, true
}

func orderStatus(k exchange.NotificationKind) string {
	switch k {
	case exchange.NotifyOrderAccepted:
		return "accepted"
	case exchange.NotifyOrderTriggered:
		return "triggered"
	case exchange.NotifyOrderFilled:
		return "filled"
	case exchange.NotifyOrderCancelled:
		return "cancelled"
	}
	return string(k)
}

// ==============================
// Helper Functions
// ==============================

// queryInt reads a non-negative integer query parameter no smaller than lo.
func queryInt(r *http.Request, key string, def, lo int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < lo {
		return 0, errors.New(key + " must be at least " + strconv.Itoa(lo))
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
