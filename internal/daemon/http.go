package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/harun/memledger/internal/observability"
	"github.com/rs/zerolog"
)

type statusSource interface {
	Status() Status
}

// httpServer exposes /metrics and /healthz. It carries no ledger operations.
type httpServer struct {
	addr     string
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

func newHTTPServer(addr string, src statusSource, logger zerolog.Logger) *httpServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", healthHandler(src))

	return &httpServer{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// healthHandler answers 200 while the ledger accepts writes and 503 while an
// integrity halt is open.
func healthHandler(src statusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := src.Status()
		code := http.StatusOK
		state := "ok"
		if st.Halt != nil {
			code = http.StatusServiceUnavailable
			state = "halted"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     state,
			"uptime_sec": int64(st.Uptime.Seconds()),
			"halt":       st.Halt,
			"last_check": st.LastCheck,
		})
	}
}

// Start binds the listener synchronously so a busy port fails Start, then
// serves in the background.
func (s *httpServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Addr is the bound address, useful when the configured port is 0.
func (s *httpServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *httpServer) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
