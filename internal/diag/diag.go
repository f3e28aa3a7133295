// Package diag exposes a loopback-only HTTP+WebSocket admin surface: a
// liveness probe, a pipeline/buffer status snapshot, and a live tail of
// the Sample stream for an operator attached to the box. It is entirely
// optional — the process surface in spec.md §6 ("no CLI flags", file+env
// config) is unchanged; this listener only starts when DIAG_LISTEN_ADDR is
// configured, following the teacher's per-service router registration
// pattern (services/automation.registerRoutes) adapted to chi.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/globalcorp/edge-telemetry-bridge/internal/buffer"
	"github.com/globalcorp/edge-telemetry-bridge/internal/collector"
	"github.com/globalcorp/edge-telemetry-bridge/internal/logging"
)

const tailBufferCapacity = 64

// Server is the diagnostics HTTP+WebSocket listener. Construct with New and
// run with ListenAndServe in its own goroutine; it is only ever bound to a
// loopback address by convention of how DIAG_LISTEN_ADDR is documented, not
// by anything this package enforces.
type Server struct {
	router  chi.Router
	store   *buffer.Store
	coll    *collector.Collector
	log     *logging.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[chan collector.AssetSample]struct{}
}

// New builds the diagnostics router. requestsPerSecond/burst bound the
// whole listener (it's a single-operator loopback surface, not a
// multi-tenant API, so one shared limiter is enough — unlike the teacher's
// infrastructure/middleware.RateLimiter, which keys a limiter per client).
func New(store *buffer.Store, coll *collector.Collector, requestsPerSecond, burst int, log *logging.Logger) *Server {
	s := &Server{
		store:   store,
		coll:    coll,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		subs:    make(map[chan collector.AssetSample]struct{}),
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimit)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/ws/samples", s.handleSampleTail)
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP lets Server be used directly with http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	SampleCount       int64    `json:"sample_count"`
	AnalyticsCount    int64    `json:"analytics_count"`
	UnprocessedCount  int64    `json:"unprocessed_count"`
	BufferBytesUsed   int64    `json:"buffer_bytes_used"`
	BufferBytesCap    int64    `json:"buffer_bytes_cap"`
	QuarantinedAssets []string `json:"quarantined_assets"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.Status(r.Context())
	if err != nil {
		s.log.Error(r.Context(), "diag: buffer status failed", err, nil)
		http.Error(w, "buffer status unavailable", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		SampleCount:       status.SampleCount,
		AnalyticsCount:    status.AnalyticsCount,
		UnprocessedCount:  status.UnprocessedCount,
		BufferBytesUsed:   status.BytesUsed,
		BufferBytesCap:    status.BytesCap,
		QuarantinedAssets: s.coll.QuarantinedAssets(),
	}
	if resp.QuarantinedAssets == nil {
		resp.QuarantinedAssets = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Loopback-only admin surface: same-origin checks don't apply the way
	// they would for a public endpoint.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSampleTail upgrades to a WebSocket and streams every AssetSample
// published via Broadcast until the client disconnects or the request
// context is cancelled.
func (s *Server) handleSampleTail(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case as, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(as); err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe() chan collector.AssetSample {
	ch := make(chan collector.AssetSample, tailBufferCapacity)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan collector.AssetSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

// Broadcast fans AssetSample out to every connected WebSocket tail. Slow
// subscribers are dropped rather than allowed to block the pipeline.
func (s *Server) Broadcast(as collector.AssetSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- as:
		default:
		}
	}
}

// ListenAndServe runs the diagnostics HTTP server on addr until ctx is
// cancelled. It returns nil on a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
