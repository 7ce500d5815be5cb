package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/rec-tender/dispatch"
	"github.com/onnwee/rec-tender/session"
	"github.com/onnwee/rec-tender/telemetry"
	"github.com/onnwee/rec-tender/webhook"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// HandleWebhook accepts a recorder event. The recorder does not retry, so
// anything past auth is answered with 202 and malformed bodies are only logged.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.deps.MaxBody))
	if err != nil {
		telemetry.IncWebhookRejected()
		logger.Warn("webhook body unreadable", slog.Any("err", err))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "error": "body unreadable"})
		return
	}
	ev, err := webhook.Parse(body)
	if err != nil {
		telemetry.IncWebhookRejected()
		logger.Warn("webhook rejected", slog.Any("err", err), slog.Int("bytes", len(body)))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "error": err.Error()})
		return
	}
	meta := ev.Info()
	trace.SpanFromContext(r.Context()).SetAttributes(
		telemetry.EventTypeAttr(string(ev.Type())),
		telemetry.RoomAttr(meta.RoomID),
	)
	if err := h.deps.Sink.Submit(ev); err != nil {
		logger.Error("webhook submit failed", slog.String("room_id", meta.RoomID), slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	logger.Debug("webhook accepted", slog.String("type", string(ev.Type())), slog.String("room_id", meta.RoomID), slog.String("event_id", meta.EventID))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "type": string(ev.Type()), "room_id": meta.RoomID})
}

// HandleHealthz responds to liveness probes.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks the journal database when one is configured.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return h.deps.DB.PingContext(ctx)
		}},
		{"webhook_sink", func() error {
			if h.deps.Sink == nil {
				return fmt.Errorf("no event sink")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports live counters.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"active_sessions": h.deps.Store.CountActive(),
		"sessions":        len(h.deps.Store.List()),
	}
	if h.deps.Pending != nil {
		resp["pending_files"] = h.deps.Pending.Total()
	}
	if h.deps.Timers != nil {
		resp["armed_timers"] = h.deps.Timers.Len()
	}
	if h.deps.Dispatcher != nil {
		resp["active_dispatches"] = h.deps.Dispatcher.Active()
	}
	if rs, ok := h.deps.Sink.(interface{ Rooms() int }); ok {
		resp["busy_rooms"] = rs.Rooms()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSessions lists session snapshots, optionally filtered by room_id.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room_id")
	var out []session.Session
	if room != "" {
		if s, ok := h.deps.Store.Get(room); ok {
			out = append(out, s)
		}
	} else {
		out = h.deps.Store.List()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	if out == nil {
		out = []session.Session{}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleSettle forces the terminal transition for a collecting room and waits
// for merge and dispatch to finish.
func (h *Handlers) HandleSettle(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	before, ok := h.deps.Store.Get(room)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if before.Status != session.StatusCollecting {
		writeJSON(w, http.StatusConflict, map[string]string{"status": before.Status.String()})
		return
	}
	if err := h.deps.Sink.Settle(r.Context(), room); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("manual settle failed", slog.String("room_id", room), slog.Any("err", err), slog.String("component", "http"))
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}
	resp := map[string]string{"room_id": room, "status": "removed"}
	if s, ok := h.deps.Store.Get(room); ok {
		resp["status"] = s.Status.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDispatches returns recent journaled dispatches.
func (h *Handlers) HandleDispatches(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dispatches == nil {
		http.Error(w, "dispatch journal not configured", http.StatusNotFound)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	recs, err := h.deps.Dispatches.RecentDispatches(r.Context(), r.URL.Query().Get("room_id"), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list dispatches", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "failed to list dispatches", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []dispatch.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}
