// Package status serves a relay's read-only HTTP API and its websocket entry point.
package status

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tilesync/pkg/session"
)

type Config struct {
	Addr string
	// Rate and Burst limit requests per remote IP.
	Rate   rate.Limit
	Burst  int
	Logger zerolog.Logger
}

type Server struct {
	relay *session.Relay
	cfg   Config
	log   zerolog.Logger

	ipLock     sync.Mutex
	ipLimiters map[string]*rate.Limiter
}

func New(relay *session.Relay, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Rate == 0 {
		cfg.Rate, cfg.Burst = 10, 20
	}
	return &Server{
		relay:      relay,
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "status").Logger(),
		ipLimiters: make(map[string]*rate.Limiter),
	}
}

// Handler is the routed API wrapped in the rate limit and CORS middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/group", s.handleGroup).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.relay.HandleWebSocket)

	var h http.Handler = r
	h = s.middlewareSecurity(h)
	h = middlewareCORS(h)
	return h
}

// HTTPServer returns a server for the configured address. The websocket route holds its
// connection for the whole session, so no write timeout is set.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.relay.Snapshot())
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	g := s.relay.Group()
	if g.IsNone() {
		http.Error(w, "no group", http.StatusNotFound)
		return
	}
	writeJSON(w, g)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) getLimiter(ip string) *rate.Limiter {
	s.ipLock.Lock()
	defer s.ipLock.Unlock()
	limiter, exists := s.ipLimiters[ip]
	if !exists {
		limiter = rate.NewLimiter(s.cfg.Rate, s.cfg.Burst)
		s.ipLimiters[ip] = limiter
	}
	return limiter
}

func middlewareCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) middlewareSecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.getLimiter(ip).Allow() {
			s.log.Warn().Str("remote", ip).Str("path", r.URL.Path).Msg("rate limited")
			http.Error(w, "rate limit", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
