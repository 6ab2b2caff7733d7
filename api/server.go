package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rangebreak/pkg/store"
	"github.com/gregtusar/rangebreak/pkg/trader"
)

// Server is the local control surface: health and book state for dashboards,
// pause/resume controls gated by a bearer token, and Prometheus metrics.
type Server struct {
	orch      *trader.Orchestrator
	repo      store.CandidateRepository
	positions store.PositionRepository
	logger    *logrus.Logger
	port      string
	apiSecret string
}

func NewServer(orch *trader.Orchestrator, repo store.CandidateRepository, positions store.PositionRepository,
	logger *logrus.Logger, port, apiSecret string) *Server {
	return &Server{
		orch:      orch,
		repo:      repo,
		positions: positions,
		logger:    logger,
		port:      port,
		apiSecret: apiSecret,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/candidates", s.handleCandidates)
	mux.HandleFunc("/api/pause", s.requireToken(s.handlePause))
	mux.HandleFunc("/api/resume", s.requireToken(s.handleResume))
	mux.Handle("/metrics", promhttp.Handler())

	handler := corsMiddleware(mux)

	s.logger.Infof("Starting API server on port %s", s.port)
	return http.ListenAndServe(":"+s.port, handler)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireToken validates an HS256 bearer token on mutating endpoints.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiSecret == "" {
			http.Error(w, "control endpoints disabled: no API secret configured", http.StatusForbidden)
			return
		}

		auth := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.apiSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			s.logger.WithError(err).Warn("Rejected control request")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.orch.HealthCheck(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"session":   report,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.orch.HealthCheck(r.Context()))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	positions, err := s.positions.GetOpen(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to load positions")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	candidates, err := s.repo.GetTradeable(r.Context(), time.Now())
	if err != nil {
		s.logger.WithError(err).Error("Failed to load candidates")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, candidates)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.orch.Pause()
	s.logger.Info("Trading paused via API")
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.orch.Resume()
	s.logger.Info("Trading resumed via API")
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
