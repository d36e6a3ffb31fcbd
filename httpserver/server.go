package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/device-agent/common"
	"github.com/ruteri/device-agent/metrics"
	"go.uber.org/atomic"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Server is the agent's local HTTP surface: status and health checks on
// ListenAddr, Prometheus metrics on MetricsAddr.
type Server struct {
	cfg      *HTTPServerConfig
	log      *slog.Logger
	handler  *Handler
	draining atomic.Bool

	api     *http.Server
	metrics *metrics.MetricsServer
}

func New(cfg *HTTPServerConfig, handler *Handler) (*Server, error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:     cfg,
		log:     cfg.Log,
		handler: handler,
		metrics: metricsSrv,
	}
	srv.api = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)

		r.Get("/status", srv.handler.HandleStatus)
		r.Get("/partitions", srv.handler.HandlePartitions)

		r.Get("/livez", srv.handleLivez)
		r.Get("/readyz", srv.handleReadyz)
		r.Get("/drain", srv.handleDrain)
		r.Get("/undrain", srv.handleUndrain)
	})

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

// handleReadyz is 200 only while not drained and the supervisor is running.
func (srv *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	switch {
	case srv.draining.Load():
		writeStatus(w, http.StatusServiceUnavailable, "draining")
	case !srv.handler.Ready():
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
	default:
		writeStatus(w, http.StatusOK, "ready")
	}
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if srv.draining.Swap(true) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}

	srv.log.Info("Status API draining", "duration", srv.cfg.DrainDuration)
	time.AfterFunc(srv.cfg.DrainDuration, func() {
		srv.log.Info("Drain period completed")
	})
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if !srv.draining.Swap(false) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}

	srv.log.Info("Status API ready again")
	writeStatus(w, http.StatusOK, "ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}

// RunInBackground starts the status API and, when configured, the metrics listener.
func (srv *Server) RunInBackground() {
	serve := func(name, addr string, listen func() error) {
		srv.log.Info("Starting HTTP server", "server", name, "listenAddress", addr)
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "server", name, "err", err)
		}
	}

	if srv.cfg.MetricsAddr != "" {
		go serve("metrics", srv.cfg.MetricsAddr, srv.metrics.ListenAndServe)
	}
	go serve("status", srv.cfg.ListenAddr, srv.api.ListenAndServe)
}

// Shutdown stops both listeners within GracefulShutdownDuration.
func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()

	if err := srv.api.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful status server shutdown failed", "err", err)
	} else {
		srv.log.Info("Status server gracefully stopped")
	}

	if srv.cfg.MetricsAddr != "" {
		if err := srv.metrics.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
