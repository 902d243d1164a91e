// Package admin exposes a local debug endpoint: component stats, event
// history and the pprof handlers. It serves operators, not players, and is
// expected to be bound to localhost.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/frankieli/carrom_arena/pkg/logger"
	"github.com/frankieli/carrom_arena/pkg/netutil"
)

// StatsFunc returns a snapshot to serialize; it must be side-effect free.
type StatsFunc func() interface{}

// Server is the debug HTTP server.
type Server struct {
	stats   StatsFunc
	history StatsFunc
	srv     *http.Server
}

// NewServer creates an admin server over the given snapshot providers.
// Either provider may be nil; its endpoint then returns 404.
func NewServer(stats, history StatsFunc) *Server {
	return &Server{stats: stats, history: history}
}

// Start listens on the preferred port, falling back to a random port when it
// is taken, and serves until Shutdown. The actual port is returned.
func (s *Server) Start(preferredPort string) (int, error) {
	lis, port, err := netutil.ListenWithFallback(preferredPort)
	if err != nil {
		return 0, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", s.jsonHandler(s.stats))
	mux.HandleFunc("/events", s.jsonHandler(s.history))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.ErrorGlobal().Err(err).Msg("Admin server stopped")
		}
	}()

	logger.InfoGlobal().Int("port", port).Msg("Admin server listening")
	return port, nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) jsonHandler(provider StatsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if provider == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(provider()); err != nil {
			logger.ErrorGlobal().Err(err).Msg("Failed to encode admin snapshot")
		}
	}
}
