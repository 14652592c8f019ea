package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/usage-ledger/internal/monitoring"
	"github.com/sells-group/usage-ledger/internal/pipeline"
	"github.com/sells-group/usage-ledger/internal/queue"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-process scheduler with a status and metrics server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		st, err := openStore(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		trigger, err := buildTrigger(cfg, st, reg)
		if err != nil {
			return err
		}
		sched := queue.NewScheduler(trigger, time.Duration(cfg.Queue.PollIntervalSecs)*time.Second)
		collector := monitoring.NewCollector(st)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: newRouter(&server{
				collector:     collector,
				scheduler:     sched,
				checker:       checker,
				gatherer:      reg,
				lookbackHours: cfg.Monitoring.LookbackWindowHours,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			return sched.Run(gctx)
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return eris.Wrap(srv.Shutdown(shutdownCtx), "server shutdown")
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// server holds the handlers' collaborators.
type server struct {
	collector     *monitoring.Collector
	scheduler     *queue.Scheduler
	checker       *monitoring.Checker
	gatherer      prometheus.Gatherer
	lookbackHours int
}

// statusResponse is the GET /status body.
type statusResponse struct {
	Ledger    *monitoring.Snapshot `json:"ledger"`
	Scheduler *schedulerStatus     `json:"scheduler,omitempty"`
	Alerts    []monitoring.Alert   `json:"alerts"`
}

type schedulerStatus struct {
	Runs  int               `json:"runs"`
	Last  *pipeline.Summary `json:"last,omitempty"`
	Error string            `json:"error,omitempty"`
}

func newRouter(s *server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Post("/runs", s.handleRun)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		return
	}
	snap, err := s.collector.Collect(r.Context(), s.lookbackHours)
	if err != nil {
		zap.L().Error("status: collect snapshot", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "collect snapshot failed"})
		return
	}

	resp := statusResponse{Ledger: snap, Alerts: s.checker.Active()}
	if s.scheduler != nil {
		st := s.scheduler.Status()
		resp.Scheduler = &schedulerStatus{Runs: st.Runs, Last: st.Last}
		if st.Err != nil {
			resp.Scheduler.Error = st.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleRun(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler unavailable"})
		return
	}
	status := "accepted"
	if !s.scheduler.Kick() {
		status = "already_pending"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
