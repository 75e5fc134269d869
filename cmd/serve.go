package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/search"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/stripe"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server with embedded worker and reconciler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return env.Worker.Run(gctx) })
		g.Go(func() error {
			err := env.Reconciler.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		stop()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func newRouter(env *serviceEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Identity", "X-Tier"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/search", handleSubmit(env))
		r.Get("/search/{id}", handleStatus(env))
		r.Post("/search/{id}/checkout", handleCheckout(env))
		r.Get("/limits", handleLimits(env))
		r.Post("/webhooks/stripe", handleStripeWebhook(env))
	})

	return r
}

func handleSubmit(env *serviceEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text    string        `json:"text"`
			Filters model.Filters `json:"filters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Text == "" {
			writeError(w, http.StatusBadRequest, "text is required")
			return
		}

		identity, tier := callerIdentity(r)
		q, err := env.Orchestrator.Submit(r.Context(), identity, tier, req.Text, req.Filters)
		if err != nil {
			var rle *search.RateLimitedError
			switch {
			case errors.As(err, &rle):
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rle.RetryAfter.Seconds())+1))
				writeError(w, http.StatusTooManyRequests, rle.Reason)
			case q != nil:
				// Query persisted as failed; report it with its id.
				writeJSON(w, http.StatusBadGateway, map[string]string{
					"query_id": q.ID,
					"error":    q.FailReason,
				})
			default:
				zap.L().Error("search submit failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "search failed")
			}
			return
		}

		view, err := env.Orchestrator.Status(r.Context(), q.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "status lookup failed")
			return
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

func handleStatus(env *serviceEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := env.Orchestrator.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "query not found")
				return
			}
			zap.L().Error("status lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "status lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleCheckout(env *serviceEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checkout, err := env.Orchestrator.CreateCheckout(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "query not found")
			case errors.Is(err, search.ErrNotUnlockable):
				writeError(w, http.StatusConflict, "query is not in preview")
			default:
				zap.L().Error("checkout failed", zap.Error(err))
				writeError(w, http.StatusBadGateway, "checkout failed")
			}
			return
		}
		writeJSON(w, http.StatusCreated, checkout)
	}
}

func handleLimits(env *serviceEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, tier := callerIdentity(r)
		used, remaining, window := env.Limiter.Status(identity, tier)
		writeJSON(w, http.StatusOK, map[string]any{
			"identity":  identity,
			"tier":      tier,
			"used":      used,
			"remaining": remaining,
			"window":    window.String(),
			"breakers": map[string]string{
				env.searchCaller.Service(): env.searchCaller.BreakerState().String(),
				env.enrichCaller.Service(): env.enrichCaller.BreakerState().String(),
			},
		})
	}
}

// handleStripeWebhook verifies the signature over the raw body before any
// parsing. Handler errors return non-2xx so the gateway redelivers.
func handleStripeWebhook(env *serviceEnv) http.HandlerFunc {
	const maxBody = 1 << 16
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body failed")
			return
		}

		err = env.Processor.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
		case errors.Is(err, stripe.ErrInvalidSignature):
			writeError(w, http.StatusBadRequest, "invalid signature")
		default:
			zap.L().Error("webhook processing failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "webhook processing failed")
		}
	}
}

// callerIdentity reads the identity headers, defaulting anonymous free.
func callerIdentity(r *http.Request) (identity, tier string) {
	identity = r.Header.Get("X-Identity")
	if identity == "" {
		identity = "anonymous"
	}
	tier = r.Header.Get("X-Tier")
	if tier == "" {
		tier = "free"
	}
	return identity, tier
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
