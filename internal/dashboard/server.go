// Package dashboard serves a read-only HTTP status surface: health, open
// positions across all users, the live price cache and the stream state.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/premiumpilot/bot/internal/models"
	"github.com/premiumpilot/bot/internal/storage"
	"github.com/premiumpilot/bot/internal/stream"
)

type Server struct {
	router     *chi.Mux
	server     *http.Server
	storage    storage.Interface
	cache      *stream.PriceCache
	stream     *stream.Client
	logger     *logrus.Logger
	addr       string
	authToken  string
	marketOpen func(time.Time) bool
}

type Config struct {
	ListenAddr string
	AuthToken  string
	// MarketOpen reports whether the market is open at the given instant.
	MarketOpen func(time.Time) bool
}

// PositionView is the JSON shape for one open position.
type PositionView struct {
	UserID    string   `json:"user_id"`
	ID        int      `json:"id"`
	Kind      string   `json:"kind"`
	Ticker    string   `json:"ticker"`
	Strike    float64  `json:"strike"`
	Contracts int      `json:"contracts"`
	Expiry    string   `json:"expiry"`
	DTE       int      `json:"dte"`
	Credit    float64  `json:"entry_credit"`
	LivePrice *float64 `json:"live_price,omitempty"`
}

// StatusView summarizes the process for the root endpoint.
type StatusView struct {
	Users        int       `json:"users"`
	OpenCC       int       `json:"open_covered_calls"`
	OpenCSP      int       `json:"open_cash_secured_puts"`
	CachedPrices int       `json:"cached_prices"`
	StreamState  string    `json:"stream_state"`
	Subscribed   []string  `json:"subscribed"`
	MarketStatus string    `json:"market_status"`
	LastUpdate   time.Time `json:"last_update"`
}

func NewServer(cfg Config, st storage.Interface, cache *stream.PriceCache, sc *stream.Client, logger *logrus.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		storage:    st,
		cache:      cache,
		stream:     sc,
		logger:     logger,
		addr:       cfg.ListenAddr,
		authToken:  cfg.AuthToken,
		marketOpen: cfg.MarketOpen,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/cache", s.handleGetCache)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}
	s.writeJSON(w, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusView{
		CachedPrices: s.cache.Len(),
		StreamState:  s.stream.State().String(),
		Subscribed:   s.stream.Subscribed(),
		MarketStatus: "closed",
		LastUpdate:   time.Now(),
	}
	if s.marketOpen != nil && s.marketOpen(time.Now()) {
		status.MarketStatus = "open"
	}
	for _, bucket := range s.storage.Snapshot() {
		status.Users++
		status.OpenCC += len(bucket.CC)
		status.OpenCSP += len(bucket.CSP)
	}
	s.writeJSON(w, status)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	views := make([]PositionView, 0)
	for uid, bucket := range s.storage.Snapshot() {
		for _, pos := range bucket.CC {
			views = append(views, s.positionView(uid, models.KindCoveredCall, pos, now))
		}
		for _, pos := range bucket.CSP {
			views = append(views, s.positionView(uid, models.KindCashSecuredPut, pos, now))
		}
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.cache.Snapshot())
}

func (s *Server) positionView(uid string, kind models.PositionKind, pos models.Position, now time.Time) PositionView {
	view := PositionView{
		UserID:    uid,
		ID:        pos.ID,
		Kind:      string(kind),
		Ticker:    pos.Ticker,
		Strike:    pos.Strike,
		Contracts: pos.Contracts,
		Expiry:    pos.Expiry,
		DTE:       pos.DTE(now),
		Credit:    pos.EntryCredit,
	}
	if px, ok := s.cache.Get(pos.Ticker); ok {
		view.LivePrice = &px
	}
	return view
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
