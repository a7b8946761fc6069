package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"txwatch/internal/alerts"
	"txwatch/internal/config"
	"txwatch/internal/engine"
	"txwatch/internal/metrics"
	"txwatch/internal/model"
	"txwatch/internal/storage"
)

type MonitorControl interface {
	State() engine.State
	History() model.History
	LastReport() (engine.CycleReport, bool)
	Reset()
}

type Server struct {
	cfg     *config.Manager
	monitor MonitorControl
	latest  *metrics.Store
	alerts  *alerts.Store
	store   storage.Store
	logger  *slog.Logger
	version string
}

type Deps struct {
	Config  *config.Manager
	Monitor MonitorControl
	Latest  *metrics.Store
	Alerts  *alerts.Store
	Store   storage.Store
	Logger  *slog.Logger
	Version string
}

type statusResponse struct {
	Status     string              `json:"status"`
	Time       string              `json:"time"`
	Version    string              `json:"version"`
	ConfigPath string              `json:"config_path"`
	State      engine.State        `json:"state"`
	Detection  detectionStatus     `json:"detection"`
	Source     string              `json:"source"`
	LastCycle  *engine.CycleReport `json:"last_cycle,omitempty"`
}

type detectionStatus struct {
	Threshold       int64   `json:"threshold"`
	SpikeMultiplier float64 `json:"spike_multiplier"`
	PollInterval    string  `json:"poll_interval"`
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:     d.Config,
		monitor: d.Monitor,
		latest:  d.Latest,
		alerts:  d.Alerts,
		store:   d.Store,
		logger:  d.Logger,
		version: d.Version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/categories", s.handleCategories)
	mux.HandleFunc("/categories/", s.handleCategories)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/trends", s.handleTrends)
	mux.HandleFunc("/admin/reset", s.handleReset)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves the API until ctx is cancelled. It returns nil when the API
// is disabled.
func Start(ctx context.Context, d Deps) *http.Server {
	if d.Config == nil {
		return nil
	}
	current := d.Config.Get().API
	if !current.Enabled {
		if d.Logger != nil {
			d.Logger.Info("api disabled")
		}
		return nil
	}
	if d.Logger != nil {
		d.Logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(d)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if d.Logger != nil {
				d.Logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := config.DefaultConfig()
	path := ""
	if s.cfg != nil {
		cfg = s.cfg.Get()
		path = s.cfg.Path()
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: path,
		Detection: detectionStatus{
			Threshold:       cfg.Detection.Threshold,
			SpikeMultiplier: cfg.Detection.SpikeMultiplier,
			PollInterval:    cfg.Detection.PollInterval.String(),
		},
		Source: cfg.Source.Driver,
	}
	if s.monitor != nil {
		resp.State = s.monitor.State()
		if last, ok := s.monitor.LastReport(); ok {
			resp.LastCycle = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	history := model.History{}
	if s.monitor != nil {
		history = s.monitor.History()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"count":   len(history),
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.latest == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/categories")
	name = strings.TrimPrefix(name, "/")
	if name != "" {
		c, ok := s.latest.Get(name)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, c)
		return
	}
	all := s.latest.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": all,
		"count":      len(all),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.DispatchedAlert{}, "count": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.DispatchedAlert
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.alerts.Since(ts)
	} else {
		list = s.alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	if category == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		since = ts
	}
	samples, err := s.store.Samples(r.Context(), category, since)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("trend query failed", "category", category, "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"samples":  samples,
		"count":    len(samples),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.monitor != nil {
		s.monitor.Reset()
	}
	if s.latest != nil {
		s.latest.Clear()
	}
	if s.alerts != nil {
		s.alerts.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
