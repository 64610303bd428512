// Package server exposes the REST and WebSocket surface of the bridge.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/raj577/DeltaDeck/internal/assist"
	"github.com/raj577/DeltaDeck/internal/broker"
	"github.com/raj577/DeltaDeck/internal/feed"
	"github.com/raj577/DeltaDeck/internal/retry"
	"github.com/raj577/DeltaDeck/internal/spreads"
)

const (
	apiVersion          = "1.0.0"
	defaultStrikesRange = 8
)

type Server struct {
	router   *chi.Mux
	server   *http.Server
	broker   broker.Broker
	fetcher  *retry.Client
	hub      *feed.Hub
	analyzer *spreads.Analyzer
	assist   *assist.Client
	logger   *logrus.Logger
	port     int
	started  time.Time
	upgrader websocket.Upgrader
}

type Config struct {
	Port        int
	CORSOrigins []string
}

func NewServer(cfg Config, b broker.Broker, hub *feed.Hub, analyzer *spreads.Analyzer, assistClient *assist.Client, logger *logrus.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		broker:   b,
		fetcher:  retry.NewClient(b, logger),
		hub:      hub,
		analyzer: analyzer,
		assist:   assistClient,
		logger:   logger,
		port:     cfg.Port,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.setupRoutes(cfg.CORSOrigins)
	return s
}

func (s *Server) setupRoutes(corsOrigins []string) {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Post("/api/recommendations", s.handleRecommendations)
	s.router.Get("/api/recommendations/{symbol}", s.handleQuickRecommendations)
	s.router.Get("/api/prices", s.handlePrices)
	s.router.Get("/api/gainers-losers", s.handleGainersLosers)
	s.router.Get("/api/chart-data", s.handleChartData)
	s.router.Post("/api/assist-chat", s.handleAssistChat)
	s.router.Get("/api/websocket-info", s.handleWebSocketInfo)
	s.router.Get("/ws", s.handleWebSocket)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// ============ Handlers ============

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"message":   "option spreads analyzer API is running",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   apiVersion,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	venueStatus := "disconnected"
	if s.broker.EnsureSession(r.Context()) {
		venueStatus = "connected"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"api_status":   "running",
		"venue_status": venueStatus,
		"timestamp":    time.Now().Format(time.RFC3339),
		"uptime":       time.Since(s.started).Seconds(),
	})
}

type recommendationsRequest struct {
	Symbol       string `json:"symbol"`
	StrikesRange int    `json:"strikes_range"`
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	req := recommendationsRequest{Symbol: "NIFTY", StrikesRange: defaultStrikesRange}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &broker.ValidationError{Field: "body", Msg: "invalid JSON payload"})
		return
	}
	if req.StrikesRange <= 0 {
		req.StrikesRange = defaultStrikesRange
	}
	s.serveRecommendations(w, r, req)
}

func (s *Server) handleQuickRecommendations(w http.ResponseWriter, r *http.Request) {
	req := recommendationsRequest{
		Symbol:       chi.URLParam(r, "symbol"),
		StrikesRange: defaultStrikesRange,
	}
	s.serveRecommendations(w, r, req)
}

func (s *Server) serveRecommendations(w http.ResponseWriter, r *http.Request, req recommendationsRequest) {
	rows, price, err := s.fetcher.GetRelevantStrikesWithRetry(r.Context(), req.Symbol, req.StrikesRange)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(rows) == 0 {
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"detail": fmt.Sprintf("no option data found for %s", req.Symbol),
		})
		return
	}

	recs := s.analyzer.Analyze(rows, req.Symbol, price)
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	var nifty, banknifty float64

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		nifty, err = s.fetcher.GetCurrentPriceWithRetry(ctx, "NIFTY")
		return err
	})
	g.Go(func() error {
		var err error
		banknifty, err = s.fetcher.GetCurrentPriceWithRetry(ctx, "BANKNIFTY")
		return err
	})
	if err := g.Wait(); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().Format(time.RFC3339),
		"prices": map[string]feed.PricePayload{
			"NIFTY":     {LTP: nifty, Symbol: "NIFTY"},
			"BANKNIFTY": {LTP: banknifty, Symbol: "BANKNIFTY"},
		},
	})
}

func (s *Server) handleGainersLosers(w http.ResponseWriter, r *http.Request) {
	dataType := r.URL.Query().Get("data_type")
	if dataType == "" {
		dataType = "PercOIGainers"
	}
	expiryType := r.URL.Query().Get("expiry_type")
	if expiryType == "" {
		expiryType = "NEAR"
	}

	rows, err := s.fetcher.GetGainersLosersWithRetry(r.Context(), dataType, expiryType)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":   time.Now().Format(time.RFC3339),
		"data_type":   dataType,
		"expiry_type": expiryType,
		"data":        rows,
	})
}

type chartPoint struct {
	Timestamp string  `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

func (s *Server) handleChartData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		symbol = "NIFTY"
	}
	interval := q.Get("interval")
	if interval == "" {
		interval = "ONE_MINUTE"
	}

	candles, err := s.broker.GetCandles(r.Context(), symbol, interval, q.Get("from_date"), q.Get("to_date"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	points := make([]chartPoint, 0, len(candles))
	for _, c := range candles {
		points = append(points, chartPoint{
			Timestamp: c.Timestamp,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"symbol":      symbol,
		"interval":    interval,
		"timestamp":   time.Now().Format(time.RFC3339),
		"data_points": len(points),
		"data":        points,
	})
}

type assistRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAssistChat(w http.ResponseWriter, r *http.Request) {
	var req assistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
		s.writeError(w, &broker.ValidationError{Field: "question", Msg: "question is required"})
		return
	}

	answer, err := s.assist.Ask(r.Context(), req.Question)
	if err != nil {
		s.logger.WithError(err).Error("Assist chat failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"detail": "failed to get assist response",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"answer":    answer,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleWebSocketInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"websocket_url":      "ws://127.0.0.1:" + strconv.Itoa(s.port) + "/ws",
		"status":             "available",
		"message":            "WebSocket endpoint for real-time price streaming",
		"supported_feeds":    []string{"prices"},
		"active_connections": s.hub.SubscriberCount(),
	})
}

// handleWebSocket registers the client with the fan-out hub and relays price
// updates until either side goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	token, ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(token)

	// Reader goroutine: client messages are ignored, but a read error is the
	// disconnect signal.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-readDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ============ Helpers ============

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses: caller mistakes and
// venue rejections are 400s, everything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if broker.IsValidationError(err) {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}
	if apiErr, ok := broker.AsAPIError(err); ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"detail":     fmt.Sprintf("venue API error: %s", apiErr.Message),
			"error_code": apiErr.Code,
		})
		return
	}

	s.logger.WithError(err).Error("Request failed")
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "internal error"})
}
