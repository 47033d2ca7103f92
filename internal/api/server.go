package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/tradeforge/engine/internal/database"
	"github.com/tradeforge/engine/internal/engine"
	"go.uber.org/zap"
)

// Config sets the listen addresses.
type Config struct {
	Host        string
	Port        int
	MetricsPort int
}

// Server is the dashboard HTTP/WebSocket surface. It reads engine state and
// flips the pause flag; it never places orders.
type Server struct {
	logger  *zap.Logger
	config  Config
	engine  *engine.Engine
	repo    database.Repository
	metrics *Metrics

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*websocket.Conn
}

// NewServer builds the dashboard server and registers routes.
func NewServer(logger *zap.Logger, config Config, eng *engine.Engine, repo database.Repository) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		config:  config,
		engine:  eng,
		repo:    repo,
		metrics: NewMetrics(prometheus.DefaultRegisterer),
		router:  mux.NewRouter(),
		clients: map[string]*websocket.Conn{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	s.wireEngine()
	return s
}

// Metrics exposes the instrumentation for other components.
func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) routes() {
	apiV1 := s.router.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	apiV1.HandleFunc("/decisions", s.handleDecisions).Methods(http.MethodGet)
	apiV1.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	apiV1.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	apiV1.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler())
}

// wireEngine subscribes to bar reports for metrics and broadcasting.
func (s *Server) wireEngine() {
	if s.engine == nil {
		return
	}
	s.engine.SetOnBar(func(report engine.BarReport) {
		s.metrics.BarsProcessed.Inc()
		s.metrics.DecisionsTotal.WithLabelValues(string(report.Decision.Action)).Inc()
		s.metrics.DailyPnL.Set(s.engine.Exec().Risk().DailyPnL())
		s.metrics.DegradeLevel.Set(float64(s.engine.Exec().Risk().DegradeLevel()))
		s.metrics.OpenPositions.Set(float64(len(s.engine.Exec().Tracker().OpenPositions())))
		if s.engine.IsPaused() {
			s.metrics.PausedFlag.Set(1)
		} else {
			s.metrics.PausedFlag.Set(0)
		}
		s.broadcast("bar", report)
	})
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("dashboard listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Paused        bool    `json:"paused"`
	PauseReason   string  `json:"pauseReason,omitempty"`
	DashboardHold bool    `json:"dashboardHold"`
	DailyPnL      float64 `json:"dailyPnl"`
	DegradeLevel  int     `json:"degradeLevel"`
	NextReset     string  `json:"nextReset"`
	OpenPositions int     `json:"openPositions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	paused, reason := s.engine.Exec().Risk().Paused()
	now := time.Now().UTC()
	nextReset := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	s.writeJSON(w, statusResponse{
		Paused:        paused,
		PauseReason:   reason,
		DashboardHold: s.engine.IsPaused(),
		DailyPnL:      s.engine.Exec().Risk().DailyPnL(),
		DegradeLevel:  s.engine.Exec().Risk().DegradeLevel(),
		NextReset:     nextReset.Format(time.RFC3339),
		OpenPositions: len(s.engine.Exec().Tracker().OpenPositions()),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.repo.FetchLatestDecisions(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, decisions)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.repo.FetchLatestTrades(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, trades)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.Exec().Tracker().OpenPositions())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.engine.SetPaused(body.Paused)
	s.logger.Info("dashboard pause flag changed", zap.Bool("paused", body.Paused))
	s.writeJSON(w, map[string]bool{"paused": body.Paused})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.clients[id] = conn
	s.mu.Unlock()
	s.logger.Info("websocket client connected", zap.String("id", id))

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, id)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type wsMessage struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) broadcast(messageType string, payload any) {
	message, err := json.Marshal(wsMessage{
		Type:      messageType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			s.logger.Debug("websocket write failed", zap.String("id", id))
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}
