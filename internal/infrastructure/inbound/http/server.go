package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sophialabs/kbeconsole/internal/domain/discovery"
	"github.com/sophialabs/kbeconsole/internal/domain/machine"
	"github.com/sophialabs/kbeconsole/internal/domain/probelog"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/ports"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/services"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/usecases"
)

// BufferInspector exposes the buffer state for the admin API.
type BufferInspector interface {
	Status() services.BufferStatus
	Settings() discovery.Settings
}

// Server is the console's JSON API.
type Server struct {
	router    *chi.Mux
	listUC    *usecases.ListMachinesUseCase
	refreshUC *usecases.RefreshMachinesUseCase
	probeUC   *usecases.ProbeTargetsUseCase
	buffer    BufferInspector
	probeLog  *probelog.RingBuffer
	logger    ports.Logger
	reload    func(context.Context) error
}

// NewServer creates a new Server with its routes.
func NewServer(
	listUC *usecases.ListMachinesUseCase,
	refreshUC *usecases.RefreshMachinesUseCase,
	probeUC *usecases.ProbeTargetsUseCase,
	buffer BufferInspector,
	probeLog *probelog.RingBuffer,
	logger ports.Logger,
) *Server {
	s := &Server{
		listUC:    listUC,
		refreshUC: refreshUC,
		probeUC:   probeUC,
		buffer:    buffer,
		probeLog:  probeLog,
		logger:    logger,
	}
	s.router = s.buildRouter()
	return s
}

// SetReloader enables POST /api/v1/settings/reload.
func (s *Server) SetReloader(reload func(context.Context) error) {
	s.reload = reload
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/machines", s.handleListMachines)
		r.Post("/machines/refresh", s.handleRefreshMachines)
		r.Get("/machines/probe", s.handleProbeTargets)
		r.Get("/buffer", s.handleBufferStatus)
		r.Get("/probes", s.handleProbeLog)
		r.Post("/settings/reload", s.handleReload)
	})

	r.NotFound(s.notFoundHandler)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("request received (no route)", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	writeError(w, http.StatusNotFound, "not_found", "no route for "+r.Method+" "+r.URL.Path)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.listUC.Execute(r.Context(), usecases.ListRequest{
		Filter:   q.Get("filter"),
		JSONPath: q.Get("jsonpath"),
		Page: services.PageParams{
			Page:   q.Get("page"),
			Size:   q.Get("size"),
			Offset: q.Get("offset"),
			Limit:  q.Get("limit"),
		},
	})
	switch {
	case errors.Is(err, usecases.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	case errors.Is(err, usecases.ErrInvalidProjection):
		writeError(w, http.StatusBadRequest, "invalid_jsonpath", err.Error())
		return
	case err != nil:
		s.logger.Error("listing machines failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "listing failed, check server logs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, list)
}

func (s *Server) handleRefreshMachines(w http.ResponseWriter, r *http.Request) {
	list, err := s.refreshUC.Execute(r.Context(), clientKey(r))
	if errors.Is(err, usecases.ErrRateLimited) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		writeJSON(w, map[string]any{
			"error":   "rate_limited",
			"message": "Too many forced refreshes, serving the cached view",
			"cached":  list,
		})
		return
	}
	if err != nil {
		s.logger.Error("forced refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "refresh failed, check server logs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, list)
}

func (s *Server) handleProbeTargets(w http.ResponseWriter, r *http.Request) {
	var addrs []string
	for _, v := range r.URL.Query()["address"] {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
	}

	list, err := s.probeUC.Execute(r.Context(), addrs)
	switch {
	case errors.Is(err, usecases.ErrNoTargets):
		writeError(w, http.StatusBadRequest, "no_targets", "at least one address parameter is required")
		return
	case errors.Is(err, usecases.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return
	case err != nil:
		s.logger.Error("targeted probe failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "probe failed, check server logs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, list)
}

// settingsView is the JSON shape of the effective settings, durations in seconds.
type settingsView struct {
	UseMachinesBuffer       bool     `json:"useMachinesBuffer"`
	StopBufferTime          float64  `json:"stopBufferTime"`
	MachinesBufferFlushTime float64  `json:"machinesBufferFlushTime"`
	MachinesQueryWaitTime   float64  `json:"machinesQueryWaitTime"`
	MachinesAddress         []string `json:"machinesAddress"`
	Targets                 []string `json:"targets"`
	MachinesPort            uint16   `json:"machinesPort"`
	UID                     int32    `json:"uid"`
	Username                string   `json:"username"`
	StaleProbeLimit         int      `json:"staleProbeLimit"`
	RefreshRate             float64  `json:"refreshRate"`
	RefreshBurst            int      `json:"refreshBurst"`
}

func newSettingsView(s discovery.Settings) settingsView {
	addrs := s.Addresses
	if addrs == nil {
		addrs = []string{}
	}
	return settingsView{
		UseMachinesBuffer:       s.UseBuffer,
		StopBufferTime:          s.StopBufferTime.Seconds(),
		MachinesBufferFlushTime: s.FlushTime.Seconds(),
		MachinesQueryWaitTime:   s.QueryWaitTime.Seconds(),
		MachinesAddress:         addrs,
		Targets:                 machine.TargetStrings(s.Targets),
		MachinesPort:            s.MachinePort,
		UID:                     s.UID,
		Username:                s.Username,
		StaleProbeLimit:         s.StaleProbeLimit,
		RefreshRate:             s.RefreshRate,
		RefreshBurst:            s.RefreshBurst,
	}
}

func (s *Server) handleBufferStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   s.buffer.Status(),
		"settings": newSettingsView(s.buffer.Settings()),
	})
}

func (s *Server) handleProbeLog(w http.ResponseWriter, r *http.Request) {
	n := 10
	if lastParam := r.URL.Query().Get("last"); lastParam != "" {
		if parsed, err := strconv.Atoi(lastParam); err == nil && parsed > 0 {
			n = parsed
		}
	}

	entries := s.probeLog.Last(n)
	if entries == nil {
		entries = []probelog.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"total":   s.probeLog.Total(),
		"entries": entries,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload_unavailable", "settings reload is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.reload(ctx); err != nil {
		s.logger.Error("reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reload_failed", "settings reload failed, check server logs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   "ok",
		"settings": newSettingsView(s.buffer.Settings()),
	})
}

// clientKey identifies the caller for rate limiting. RealIP has already
// replaced RemoteAddr when a proxy header was present.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{
		"error":   code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
