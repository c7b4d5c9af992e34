// Package api is the collector's control plane: group lifecycle,
// status and health JSON, the WebSocket feeds, and Prometheus metrics.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plantops/qhist/engine"
	"github.com/plantops/qhist/poll"
)

// Engine is the api's view of the collection engine. *engine.Engine
// satisfies it; tests substitute fakes.
type Engine interface {
	StartGroup(id int) error
	StopGroup(id int, timeout time.Duration) error
	RestartGroup(id int) error
	TriggerHandshake(name string) (bool, error)
	StatusAll() []poll.Status
	Health() engine.Health
}

// Routes bundles the handlers the router mounts beside the REST
// endpoints.
type Routes struct {
	Engine    Engine
	Monitor   http.Handler // GET /ws/monitor
	Equipment http.Handler // GET /ws/equipment
	Metrics   http.Handler // GET /metrics
	AuthToken string       // empty disables auth on mutations
	Log       *slog.Logger
}

// GroupActionResponse acknowledges one lifecycle mutation.
type GroupActionResponse struct {
	GroupID int    `json:"groupId"`
	Action  string `json:"action"`
}

// HandshakeResponse reports whether a trigger was accepted or
// deduplicated.
type HandshakeResponse struct {
	Group    string `json:"group"`
	Accepted bool   `json:"accepted"`
}

type handlers struct {
	engine Engine
	log    *slog.Logger
}

// NewRouter builds the chi router over the engine and the attached
// handlers.
func NewRouter(rt Routes) chi.Router {
	log := rt.Log
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{engine: rt.Engine, log: log}

	r := chi.NewRouter()
	r.Use(requestLogger(log))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/health", h.handleHealth)

		r.Group(func(r chi.Router) {
			if rt.AuthToken != "" {
				r.Use(bearerAuth(rt.AuthToken))
			}
			r.Post("/groups/{id}/start", h.handleGroupAction("start"))
			r.Post("/groups/{id}/stop", h.handleGroupAction("stop"))
			r.Post("/groups/{id}/restart", h.handleGroupAction("restart"))
			r.Post("/handshake/{name}", h.handleHandshake)
		})
	})

	if rt.Monitor != nil {
		r.Get("/ws/monitor", rt.Monitor.ServeHTTP)
	}
	if rt.Equipment != nil {
		r.Get("/ws/equipment", rt.Equipment.ServeHTTP)
	}
	if rt.Metrics != nil {
		r.Get("/metrics", rt.Metrics.ServeHTTP)
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requestLogger logs every request with its status and duration.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Debug("http request",
				"method", r.Method, "path", r.URL.Path,
				"status", sw.status, "duration", time.Since(start),
				"remote", r.RemoteAddr)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// bearerAuth rejects mutations without the configured token.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.StatusAll())
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Health())
}

func (h *handlers) handleGroupAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "group id must be an integer")
			return
		}

		switch action {
		case "start":
			err = h.engine.StartGroup(id)
		case "stop":
			err = h.engine.StopGroup(id, stopTimeout(r))
		case "restart":
			err = h.engine.RestartGroup(id)
		}
		if err != nil {
			h.writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, GroupActionResponse{GroupID: id, Action: action})
	}
}

// stopTimeout parses the optional ?timeout=5s query, defaulting to 5s.
func stopTimeout(r *http.Request) time.Duration {
	if q := r.URL.Query().Get("timeout"); q != "" {
		if d, err := time.ParseDuration(q); err == nil && d > 0 {
			return d
		}
	}
	return 5 * time.Second
}

func (h *handlers) handleHandshake(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	accepted, err := h.engine.TriggerHandshake(name)
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HandshakeResponse{Group: name, Accepted: accepted})
}

// writeActionError maps engine errors onto HTTP statuses.
func (h *handlers) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownGroup):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrMaxGroups), errors.Is(err, poll.ErrNotStopped):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, poll.ErrStopTimeout):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
