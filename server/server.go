// Package server exposes the recorder webhook endpoint plus health, status,
// session introspection and metrics. Requests carry a correlation id in their
// context for consistent logging.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/rec-tender/dispatch"
	"github.com/onnwee/rec-tender/session"
	"github.com/onnwee/rec-tender/telemetry"
	"github.com/onnwee/rec-tender/webhook"
)

// defaultMaxBody bounds webhook bodies when Deps.MaxBody is zero.
const defaultMaxBody = 1 << 20

// EventSink receives parsed webhook events. *router.Router implements it.
type EventSink interface {
	Submit(ev webhook.Event) error
	Settle(ctx context.Context, roomID string) error
}

// DispatchLister reads the dispatch journal. *db.Journal implements it.
type DispatchLister interface {
	RecentDispatches(ctx context.Context, roomID string, limit int) ([]dispatch.Record, error)
}

// Deps are the handler dependencies. Sink and Store are required.
type Deps struct {
	Sink       EventSink
	Store      *session.Store
	Pending    *session.PendingQueue
	Timers     interface{ Len() int }
	Dispatcher interface{ Active() int }
	DB         *sql.DB
	Dispatches DispatchLister
	Token      string
	MaxBody    int64
	// SettleLimit caps manual settle requests per client per minute; zero means 10.
	SettleLimit int
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	if deps.MaxBody <= 0 {
		deps.MaxBody = defaultMaxBody
	}
	limit := deps.SettleLimit
	if limit <= 0 {
		limit = 10
	}
	limiter := newIPRateLimiter(ctx, limit, time.Minute)
	h := &Handlers{deps: deps}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.Handle("/webhook", tokenAuth(http.HandlerFunc(h.HandleWebhook), deps.Token))
	mux.HandleFunc("GET /sessions", h.HandleSessions)
	mux.Handle("POST /sessions/{room}/settle", tokenAuth(rateLimitMiddleware(http.HandlerFunc(h.HandleSettle), limiter), deps.Token))
	mux.HandleFunc("GET /dispatches", h.HandleDispatches)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", rec.statusCode))
			span.SetStatus(code, msg)
		}
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, deps Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// manual settles wait for merge and pipeline
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
