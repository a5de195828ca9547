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

	"github.com/Sternrassler/conversion-fetch/internal/app"
	"github.com/Sternrassler/conversion-fetch/pkg/metrics"
	"github.com/Sternrassler/conversion-fetch/pkg/pagination"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var servePort int

// fetchRequest is the POST /fetch body.
type fetchRequest struct {
	StartDate string            `json:"start_date"`
	EndDate   string            `json:"end_date"`
	Currency  string            `json:"currency"`
	RecordCap int               `json:"record_cap"`
	Filters   map[string]string `json:"filters"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve fetch sessions over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(a),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			log.Info().Msg("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		log.Info().Int("port", port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func buildRouter(a *app.App) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", metrics.Handler())

	r.Post("/fetch", func(w http.ResponseWriter, r *http.Request) {
		var body fetchRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		start, err := app.ParseDate(body.StartDate)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		end, err := app.ParseDate(body.EndDate)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		req := a.NewRequest(start, end, body.Currency, body.Filters)
		result, err := a.EngineWithCap(body.RecordCap).RunFetch(r.Context(), req)
		if result == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		status := http.StatusOK
		if errors.Is(err, pagination.ErrFirstPage) {
			status = http.StatusBadGateway
		}
		if err != nil {
			log.Warn().Err(err).Str("session_id", result.SessionID).Msg("Fetch session aborted")
		}

		writeJSON(w, status, newFetchOutput(result))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
