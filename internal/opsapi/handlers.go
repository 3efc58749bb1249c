package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"metrobot/internal/change"
	"metrobot/internal/coordinator"
	"metrobot/internal/overrides"
	"metrobot/internal/runtime/supervisor"
	"metrobot/internal/scheduler"
	"metrobot/internal/status"
	logx "metrobot/pkg/logx"
)

const maxOverrideBody = 1 << 20

// OverrideStore is the part of the override store exposed over HTTP.
type OverrideStore interface {
	Overrides() overrides.Document
	Save(ctx context.Context, doc overrides.Document) error
}

// Backend holds what the handlers read from. Nil funcs are omitted from output.
type Backend struct {
	Coordinator func() coordinator.Snapshot
	Overrides   OverrideStore
	History     func(limit int) []change.Event
	Current     func() status.Snapshot
	Jobs        func() []scheduler.JobSnapshot
	Tasks       func() supervisor.Snapshot
	Now         func() time.Time
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type healthResponse struct {
	Status      string                  `json:"status"`
	Time        time.Time               `json:"time"`
	Coordinator *coordinator.Snapshot   `json:"coordinator,omitempty"`
	Jobs        []scheduler.JobSnapshot `json:"jobs,omitempty"`
	Tasks       *supervisor.Snapshot    `json:"tasks,omitempty"`
}

type saveResponse struct {
	Lines    int      `json:"lines"`
	Stations int      `json:"stations"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewRouter builds the HTTP API. /healthz is always open; /api routes require
// the bearer token when one is set.
func NewRouter(b Backend, token string, origins []string, log logx.Logger) http.Handler {
	if b.Now == nil {
		b.Now = time.Now
	}
	h := &handlers{b: b, log: log}

	r := chi.NewRouter()
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Get("/status", h.status)
		r.Get("/history", h.history)
		r.Get("/overrides", h.getOverrides)
		r.Put("/overrides", h.putOverrides)
	})
	return r
}

type handlers struct {
	b   Backend
	log logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Time: h.b.Now().UTC()}
	code := http.StatusOK
	if h.b.Coordinator != nil {
		snap := h.b.Coordinator()
		resp.Coordinator = &snap
		if snap.Fatal {
			resp.Status = "fatal"
			code = http.StatusServiceUnavailable
		}
	}
	if h.b.Jobs != nil {
		resp.Jobs = h.b.Jobs()
	}
	if h.b.Tasks != nil {
		tasks := h.b.Tasks()
		resp.Tasks = &tasks
	}
	writeJSON(w, code, resp)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	if h.b.Current == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "status unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, h.b.Current())
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	if h.b.History == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "history unavailable"})
		return
	}
	limit := change.DefaultHistorySize
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit", Details: v})
			return
		}
		limit = n
	}
	events := h.b.History(limit)
	if events == nil {
		events = []change.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handlers) getOverrides(w http.ResponseWriter, r *http.Request) {
	if h.b.Overrides == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "overrides unavailable"})
		return
	}
	data, err := overrides.Encode(h.b.Overrides.Overrides())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "encode overrides", Details: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handlers) putOverrides(w http.ResponseWriter, r *http.Request) {
	if h.b.Overrides == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "overrides unavailable"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOverrideBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "body too large"})
		return
	}
	doc, warnings, err := overrides.Decode(body, h.b.Now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid override document", Details: err.Error()})
		return
	}

	err = h.b.Overrides.Save(r.Context(), doc)
	var pe *overrides.ParseError
	switch {
	case err == nil:
	case errors.Is(err, overrides.ErrBusy):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "override store busy; retry"})
		return
	case errors.As(err, &pe):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid override document", Details: err.Error()})
		return
	default:
		h.log.Error("override save failed", logx.String("op", "put_overrides"), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "save failed"})
		return
	}

	h.log.Info("overrides saved via api", logx.String("remote", r.RemoteAddr), logx.Int("lines", len(doc.Lines)), logx.Int("stations", len(doc.Stations)))
	writeJSON(w, http.StatusOK, saveResponse{Lines: len(doc.Lines), Stations: len(doc.Stations), Warnings: warnings})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
