// Package dashboard serves a read-only JSON status API over the bot's
// store and position tracker: open positions, equity, bot state and the
// Prometheus scrape endpoint. It never mutates trading state.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/sirupsen/logrus"
)

// store is the read-only persistence seam the handlers query.
type store interface {
	LatestEquity() (models.EquitySnapshot, bool, error)
	GetBotState(key string) (string, bool, error)
}

// tracker supplies the live open-position view.
type tracker interface {
	All() []models.Position
}

// clockSource reports market session state for the status endpoint.
type clockSource interface {
	GetClock(ctx context.Context) (models.Clock, error)
}

// Config holds the server's listen and auth settings.
type Config struct {
	Port      int
	AuthToken string
	Mode      string // paper | live, surfaced on /api/status
}

// Server is the dashboard HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	store   store
	tracker tracker
	clock   clockSource
	metrics http.Handler
	logger  *logrus.Logger
	cfg     Config
}

// NewServer wires the router. metrics may be nil to omit the scrape
// endpoint.
func NewServer(cfg Config, st store, tr tracker, clock clockSource, metrics http.Handler, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:  chi.NewRouter(),
		store:   st,
		tracker: tr,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         300,
	}))
	s.router.Use(httprate.LimitByIP(60, time.Minute))

	// Health and scrape endpoints stay public so probes and Prometheus
	// need no token.
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		if s.cfg.AuthToken != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/status", s.handleStatus)
		r.Get("/positions", s.handlePositions)
		r.Get("/equity", s.handleEquity)
	})
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.Status(),
			"duration": time.Since(start),
		}).Info("HTTP request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Mode           string `json:"mode"`
	MarketOpen     bool   `json:"market_open"`
	TradingHalted  bool   `json:"trading_halted"`
	BrokerHealth   string `json:"broker_health"`
	DrawdownLevel  string `json:"drawdown_level"`
	CircuitBreaker string `json:"circuit_breaker_count"`
	DailyPnL       string `json:"daily_realized_pnl"`
	DailyTrades    string `json:"daily_trade_count"`
	OpenPositions  int    `json:"open_positions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:          s.cfg.Mode,
		BrokerHealth:  models.BrokerHealthHealthy,
		DrawdownLevel: "normal",
	}
	if s.clock != nil {
		if clock, err := s.clock.GetClock(r.Context()); err == nil {
			resp.MarketOpen = clock.IsOpen
		}
	}
	readState := func(key, def string) string {
		v, ok, err := s.store.GetBotState(key)
		if err != nil || !ok {
			return def
		}
		return v
	}
	resp.TradingHalted = readState(models.StateKeyTradingHalted, "false") == "true"
	resp.BrokerHealth = readState(models.StateKeyBrokerHealth, models.BrokerHealthHealthy)
	resp.DrawdownLevel = readState(models.StateKeyDrawdownLevel, "normal")
	resp.CircuitBreaker = readState(models.StateKeyCircuitBreakerCount, "0")
	resp.DailyPnL = readState(models.StateKeyDailyRealizedPnL, "0")
	resp.DailyTrades = readState(models.StateKeyDailyTradeCount, "0")
	if s.tracker != nil {
		resp.OpenPositions = len(s.tracker.All())
	}
	s.writeJSON(w, resp)
}

type positionView struct {
	Symbol            string `json:"symbol"`
	Side              string `json:"side"`
	Quantity          string `json:"quantity"`
	EntryPrice        string `json:"entry_price"`
	ATR               string `json:"atr"`
	TrailingStopPrice string `json:"trailing_stop_price"`
	PendingExit       bool   `json:"pending_exit"`
	OpenedAt          string `json:"opened_at"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	views := []positionView{}
	if s.tracker != nil {
		for _, p := range s.tracker.All() {
			views = append(views, positionView{
				Symbol:            p.Symbol,
				Side:              string(p.Side),
				Quantity:          p.CurrentQuantity.String(),
				EntryPrice:        p.EntryPrice.String(),
				ATR:               p.ATRValue.String(),
				TrailingStopPrice: p.TrailingStopPrice.String(),
				PendingExit:       p.PendingExit,
				OpenedAt:          p.OpenedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	s.writeJSON(w, views)
}

type equityView struct {
	Timestamp      string `json:"timestamp"`
	PortfolioValue string `json:"portfolio_value"`
	Cash           string `json:"cash"`
	DailyPnL       string `json:"daily_pnl"`
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	snap, ok, err := s.store.LatestEquity()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no equity snapshot yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, equityView{
		Timestamp:      snap.Timestamp.UTC().Format(time.RFC3339),
		PortfolioValue: snap.PortfolioValue.String(),
		Cash:           snap.Cash.String(),
		DailyPnL:       snap.DailyPnL.String(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully. Safe to call when Start never
// ran.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
