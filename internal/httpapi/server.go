package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Salah1221/signalhub/internal/hub"
	"github.com/Salah1221/signalhub/internal/invoke"
	"github.com/Salah1221/signalhub/internal/registry"
)

type server struct {
	logger   *log.Logger
	hub      *hub.Hub
	registry *registry.Registry
	invoker  *invoke.Invoker
}

func NewServer(logger *log.Logger, addr string, h *hub.Hub, reg *registry.Registry, inv *invoke.Invoker, gatherer prometheus.Gatherer) *http.Server {
	s := &server{
		logger:   logger,
		hub:      h,
		registry: reg,
		invoker:  inv,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/v1/users", s.handleUsers)
	mux.HandleFunc("/v1/invoke", s.handleInvoke)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot, err := s.registry.SnapshotUsers(r.Context())
	if err != nil {
		s.logger.Printf("snapshot users failed: %v", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users":       snapshot,
		"connections": s.hub.Len(),
	})
}

type invokeRequestBody struct {
	All         bool            `json:"all,omitempty"`
	User        string          `json:"user,omitempty"`
	Users       []string        `json:"users,omitempty"`
	Connection  string          `json:"connection,omitempty"`
	Connections []string        `json:"connections,omitempty"`
	Method      string          `json:"method"`
	Param       json.RawMessage `json:"param,omitempty"`
}

func (b invokeRequestBody) target() (invoke.Target, error) {
	switch {
	case b.All:
		return invoke.All(), nil
	case strings.TrimSpace(b.User) != "":
		return invoke.User(b.User), nil
	case len(b.Users) > 0:
		return invoke.Users(b.Users...), nil
	case strings.TrimSpace(b.Connection) != "":
		return invoke.Connection(b.Connection), nil
	case len(b.Connections) > 0:
		return invoke.Connections(b.Connections...), nil
	}
	return invoke.Target{}, errors.New("one of all, user, users, connection, connections is required")
}

func (s *server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	var body invokeRequestBody
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Method) == "" {
		http.Error(w, "method is required", http.StatusBadRequest)
		return
	}
	target, err := body.target()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var param any
	if len(body.Param) > 0 {
		param = body.Param
	}
	resp, err := s.invoker.Invoke(r.Context(), target, body.Method, param)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, invoke.ErrOverloaded):
			status = http.StatusServiceUnavailable
		case errors.Is(err, invoke.ErrNoTarget), errors.Is(err, invoke.ErrInactiveConnection):
			status = http.StatusNotFound
		case errors.Is(err, invoke.ErrTimeout):
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
