// -------------------------------------------------------------------------------
// HTTP Server - Request Ingress
//
// Project: Yggdrasil
//
// HTTP ingress for preservation and import requests. Accepted requests are
// placed on a bounded in-memory queue drained by a single consumer; a full
// queue answers 503 so producers retry later. Also serves /health and, when
// enabled, the Prometheus metrics endpoint.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kb-dk/Yggdrasil-sub000/internal/auth"
	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/handler"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
)

const (
	defaultQueueSize       = 256
	defaultMaxRequestBytes = 16 << 20
)

// -------------------------------------------------------------------------
// SERVER
// -------------------------------------------------------------------------

// Server accepts requests over HTTP and queues them for the consumer.
type Server struct {
	auth            config.AuthConfig
	maxRequestBytes int64
	metrics         config.MetricsConfig
	limiter         *RateLimiter
	storeHealth     StoreHealth
	queue           chan handler.Message
}

// New creates a Server from cfg. The rate limiter is only installed when
// enabled in cfg.
func New(cfg *config.Config) *Server {
	size := cfg.Server.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	maxBytes := cfg.Server.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBytes
	}

	s := &Server{
		auth:            cfg.Auth,
		maxRequestBytes: maxBytes,
		metrics:         cfg.Telemetry.Metrics,
		queue:           make(chan handler.Message, size),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit)
	}
	return s
}

// StoreHealth reports the durable store's circuit state.
type StoreHealth interface {
	State() string
}

// SetStoreHealth makes /health report h. Call before serving.
func (s *Server) SetStoreHealth(h StoreHealth) {
	s.storeHealth = h
}

// Queue returns the channel the consumer drains.
func (s *Server) Queue() <-chan handler.Message {
	return s.queue
}

// Close stops the rate limiter and closes the queue. It must only be called
// once no handler can enqueue anymore, i.e. after http.Server.Shutdown.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
	close(s.queue)
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/preservation", s.endpoint("preservation", s.handlePreservation))
	mux.Handle("/v1/import", s.endpoint("import", s.handleImport))
	mux.HandleFunc("/health", s.handleHealth)

	if s.metrics.Enabled && s.metrics.Path != "" {
		mux.Handle(s.metrics.Path, promhttp.Handler())
	}

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return otelhttp.NewHandler(h, "ingress")
}

// endpointFunc handles one decoded request and reports the written status.
type endpointFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error)

// endpoint wraps fn with method checking, authentication, tracing, metrics and
// request logging.
func (s *Server) endpoint(name string, fn endpointFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// --- Method check ---
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			s.recordRequest(name, http.StatusMethodNotAllowed, start)
			return
		}

		// --- Auth check ---
		if err := auth.Authenticate(r, s.auth); err != nil {
			slog.Warn("Ingress: auth failed", "endpoint", name, "remote", r.RemoteAddr, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			s.recordRequest(name, http.StatusUnauthorized, start)
			return
		}

		// --- Start tracing span ---
		ctx, span := telemetry.StartSpan(r.Context(), fmt.Sprintf("Ingress %s", name),
			telemetry.IngressAttributes(r.Method, r.URL.Path, s.clientAddr(r))...,
		)
		defer span.End()

		status, err := fn(ctx, w, r)

		// --- Record metrics ---
		s.recordRequest(name, status, start)

		// --- Update span status ---
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Int("http.status_code", status))

		// --- Log request ---
		logAttrs := []any{"endpoint", name, "remote", r.RemoteAddr, "status", status, "duration", time.Since(start)}
		if err != nil {
			slog.Warn("Ingress: request rejected", append(logAttrs, "error", err)...)
		} else {
			slog.Debug("Ingress: request accepted", logAttrs...)
		}
	})
}

// enqueue places msg on the queue without blocking.
func (s *Server) enqueue(w http.ResponseWriter, msg handler.Message) (int, error) {
	select {
	case s.queue <- msg:
		depth := len(s.queue)
		telemetry.QueueDepth.Set(float64(depth))
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			ID:         msg.RequestID(),
			Kind:       msg.Kind.String(),
			Status:     "accepted",
			QueueDepth: depth,
		})
		return http.StatusAccepted, nil
	default:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue full")
		return http.StatusServiceUnavailable, errQueueFull
	}
}

// handleHealth always answers 200 while the process runs: an unreachable
// durable store degrades recovery but not request processing.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		QueueDepth: len(s.queue),
		QueueSize:  cap(s.queue),
	}
	if s.storeHealth != nil {
		resp.Store = s.storeHealth.State()
		if resp.Store != "closed" {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// recordRequest updates Prometheus metrics for a completed request.
func (s *Server) recordRequest(endpoint string, status int, start time.Time) {
	telemetry.IngressRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	telemetry.IngressDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// clientAddr returns the caller address recorded on spans, honouring
// X-Forwarded-For only when the rate limiter is configured to trust it.
func (s *Server) clientAddr(r *http.Request) string {
	if s.limiter != nil {
		return s.limiter.clientAddr(r)
	}
	return remoteIP(r)
}
