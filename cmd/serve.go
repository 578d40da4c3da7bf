package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/monitoring"
	"github.com/sells-group/network-metrics/internal/tracker"
)

var servePort int

// catalog is what the status API reads.
type catalog interface {
	boundary.Store
	Ping(ctx context.Context) error
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stage status, failures and Prometheus metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port

		st, err := openStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		checker := monitoring.NewChecker(monitoring.NewCollector(st), monitoring.NewAlerter(cfg.Monitor), cfg.Monitor)
		go checker.Run(ctx)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(st, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func buildRouter(st catalog, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/extents/{extent}/stages/{stage}", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			extent, stage, ok := stageParams(w, r)
			if !ok {
				return
			}
			report, err := buildStatusReport(r.Context(), st, extent, stage)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, report)
		})
		r.Get("/failed", func(w http.ResponseWriter, r *http.Request) {
			extent, stage, ok := stageParams(w, r)
			if !ok {
				return
			}
			failed, err := tracker.New(st, tracker.Options{}).Failed(r.Context(), stage, extent)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, toRows(failed))
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

func stageParams(w http.ResponseWriter, r *http.Request) (string, boundary.Stage, bool) {
	stage, err := boundary.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return "", "", false
	}
	return chi.URLParam(r, "extent"), stage, true
}

func writeError(w http.ResponseWriter, err error) {
	zap.L().Error("status api", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
