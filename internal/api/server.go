// Package api exposes the HTTP boundary: upload, catalog, grant, launch and
// preview routes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/donniecs/SunSCORM/internal/catalog"
	"github.com/donniecs/SunSCORM/internal/config"
	"github.com/donniecs/SunSCORM/internal/launch"
	"github.com/donniecs/SunSCORM/internal/license"
	"github.com/donniecs/SunSCORM/internal/progress"
	"github.com/donniecs/SunSCORM/internal/signing"
	"github.com/donniecs/SunSCORM/internal/upload"
)

// Presigner issues download links for mirrored archives.
type Presigner interface {
	PresignDownloadURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// Deps are the services the handlers call.
type Deps struct {
	Config   *config.Config
	Uploads  *upload.Manager
	Catalog  *catalog.Catalog
	Resolver *license.Resolver
	Launch   *launch.Service
	Signer   *signing.Signer
	Sink     progress.Sink
	// Objects is nil when no object storage is configured.
	Objects Presigner
	Logger  *slog.Logger
	Now     func() time.Time
}

// Server exposes HTTP endpoints.
type Server struct {
	Deps
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Server{Deps: d}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireActor)

		r.Route("/upload", func(r chi.Router) {
			r.Post("/initialize", s.handleUploadInitialize)
			r.Post("/chunk", s.handleUploadChunkForm)
			r.Put("/{sessionId}/chunks/{index}", s.handleUploadChunkRaw)
			r.Post("/finalize", s.handleUploadFinalize)
			r.Post("/cleanup", s.handleUploadCleanup)
			r.Delete("/{sessionId}", s.handleUploadCancel)
			r.Get("/status/{sessionId}", s.handleUploadStatus)
			r.Get("/sessions", s.handleUploadSessions)
		})

		r.Route("/packages/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPackage)
			r.Put("/", s.handleUpdatePackage)
			r.Delete("/", s.handleDisablePackage)
			r.Put("/archive", s.handleReplaceArchive)
			r.Get("/preview-url", s.handlePreviewURL)
			r.Get("/download-url", s.handleDownloadURL)
		})

		r.Post("/organizations", s.handleCreateOrganization)
		r.Get("/organizations/{id}", s.handleGetOrganization)

		r.Post("/grants", s.handleCreateGrant)
		r.Route("/grants/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetGrant)
			r.Delete("/", s.handleDisableGrant)
			r.Post("/users", s.handleProvisionUser)
			r.Get("/license", s.handleLicenseInfo)
			r.Post("/check-access", s.handleCheckAccess)
			r.Get("/export", s.handleExport)
		})
	})

	r.Route("/launch/{token}", func(r chi.Router) {
		r.Get("/", s.handleLaunch)
		r.Get("/assets/*", s.handleLaunchAsset)
		r.Post("/statements", s.handleStatement)
	})

	r.Route("/preview/{id}/{expires}/{signature}", func(r chi.Router) {
		r.Use(s.verifyPreview)
		r.Get("/", s.handlePreview)
		r.Get("/assets/*", s.handlePreviewAsset)
	})
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.Config.Address,
			Handler:           s.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.Logger.Info("api listening", "address", s.Config.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.Logger, http.StatusOK, map[string]string{"status": "ok"})
}
