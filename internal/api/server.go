// Package api provides the authenticated HTTP+JSON surface of
// meremail.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meremail/meremail/internal/config"
	"github.com/meremail/meremail/internal/rules"
	"github.com/meremail/meremail/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	runner      *rules.Runner
	log         *slog.Logger
	dataDir     string
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter

	// Replaceable in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewServer creates the API server. runner starts retroactive rule
// jobs; dataDir anchors attachment and upload paths.
func NewServer(cfg *config.Config, st *store.Store, runner *rules.Runner, log *slog.Logger, dataDir string) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		runner:  runner,
		log:     log,
		dataDir: dataDir,
		now:     time.Now,
		sleep:   time.Sleep,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	s.rateLimiter = NewRateLimiter(10, 20)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.sessionMiddleware)

			r.Get("/auth/me", s.handleMe)
			r.Get("/stats", s.handleStats)

			r.Get("/threads", s.handleListThreads)
			r.Get("/threads/{id}", s.handleGetThread)
			r.Patch("/threads/{id}/reply-later", s.handleThreadReplyLater)
			r.Patch("/threads/{id}/set-aside", s.handleThreadSetAside)
			r.Patch("/threads/{id}/folder", s.handleThreadMove)
			r.Get("/feed", s.handleFeed)
			r.Get("/set-aside", s.handleSetAsideView)

			r.Post("/drafts", s.handleCreateDraft)
			r.Patch("/drafts/{id}", s.handleUpdateDraft)
			r.Delete("/drafts/{id}", s.handleDeleteDraft)
			r.Post("/drafts/{id}/send", s.handleSendDraft)

			r.Get("/contacts", s.handleListContacts)
			r.Get("/contacts/{id}", s.handleGetContact)
			r.Patch("/contacts/{id}", s.handleUpdateContact)
			r.Post("/contacts/{id}/set-default-identity", s.handleSetDefaultIdentity)
			r.Patch("/screener/{id}", s.handleScreenContact)

			r.Post("/emails/mark-read", s.handleMarkRead)
			r.Get("/unread-counts", s.handleUnreadCounts)
			r.Get("/notifications/pending", s.handlePendingNotifications)
			r.Get("/search", s.handleSearch)

			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Patch("/rules/{id}", s.handleUpdateRule)
			r.Delete("/rules/{id}", s.handleDeleteRule)
			r.Post("/rules/reorder", s.handleReorderRules)
			r.Post("/rules/{id}/apply", s.handleApplyRule)
			r.Get("/rules/applications/{id}", s.handleGetApplication)

			r.Get("/attachments/{id}", s.handleGetAttachment)
			r.Post("/uploads", s.handleUpload)
		})
	})

	return r
}

// Start begins listening for HTTP requests and blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := net.JoinHostPort("", strconv.Itoa(s.cfg.Server.Port))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.server == nil {
		return nil
	}
	s.log.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
