// Package api provides the HTTP admin and webhook surface for CampReach.
//
// It exposes RESTful endpoints for automation rules, message templates, bulk
// campaigns, and the delivery log, plus provider webhooks for delivery status
// callbacks and inbound STOP/START messages.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldhouse/CampReach/internal/campaign"
	"github.com/fieldhouse/CampReach/internal/engine"
	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Timeouts for the HTTP server.
const (
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires HTTP handlers to the store, dispatcher, and campaign runner.
type Server struct {
	st        store.Store
	disp      *engine.Dispatcher
	campaigns *campaign.Runner
	opts      Opts
	httpSrv   *http.Server
}

// NewServer creates an API server over the given dependencies.
func NewServer(st store.Store, disp *engine.Dispatcher, campaigns *campaign.Runner, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{st: st, disp: disp, campaigns: campaigns, opts: cfg}
}

// Router builds the chi router with all routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Post("/", s.createRuleHandler)
			r.Get("/", s.listRulesHandler)
			r.Get("/{id}", s.getRuleHandler)
			r.Put("/{id}", s.updateRuleHandler)
			r.Delete("/{id}", s.deleteRuleHandler)
			r.Post("/{id}/toggle", s.toggleRuleHandler)
			r.Post("/{id}/test", s.testSendHandler)
			r.Get("/{id}/stats", s.ruleStatsHandler)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.createTemplateHandler)
			r.Get("/", s.listTemplatesHandler)
			r.Get("/{id}", s.getTemplateHandler)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.createCampaignHandler)
			r.Get("/", s.listCampaignsHandler)
			r.Get("/{id}", s.getCampaignHandler)
			r.Get("/{id}/stats", s.campaignStatsHandler)
		})

		r.Route("/contacts", func(r chi.Router) {
			r.Post("/", s.createContactHandler)
			r.Get("/{id}", s.getContactHandler)
		})

		r.Get("/delivery-log", s.deliveryLogHandler)
		r.Post("/events", s.eventHandler)
	})

	r.Route("/webhooks/twilio", func(r chi.Router) {
		r.Post("/status", s.statusCallbackHandler)
		r.Post("/inbound", s.inboundMessageHandler)
	})

	return r
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Router(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down API server")
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
