package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/donniecs/SunSCORM/internal/catalog"
	"github.com/donniecs/SunSCORM/internal/queue"
	"github.com/donniecs/SunSCORM/internal/upload"
)

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.Catalog.Package(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, pkg)
}

func (s *Server) handleUpdatePackage(w http.ResponseWriter, r *http.Request) {
	var req catalog.MetadataUpdate
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	pkg, err := s.Catalog.UpdateMetadata(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, pkg)
}

func (s *Server) handleDisablePackage(w http.ResponseWriter, r *http.Request) {
	if err := s.Catalog.DisablePackage(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, map[string]string{"message": "Package disabled"})
}

// handleReplaceArchive streams the request body to a temporary file next
// to the chunk directory and hands it to the catalog.
func (s *Server) handleReplaceArchive(w http.ResponseWriter, r *http.Request) {
	dir := s.Config.ChunksDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.respondError(w, r, fmt.Errorf("prepare temp dir: %w", err))
		return
	}
	tmp, err := os.CreateTemp(dir, "replace-*.zip")
	if err != nil {
		s.respondError(w, r, fmt.Errorf("create temp file: %w", err))
		return
	}
	defer os.Remove(tmp.Name())

	body := http.MaxBytesReader(w, r.Body, s.Config.MaxPackageSize)
	_, err = io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		s.respondError(w, r, fmt.Errorf("%w: archive exceeds %d bytes", upload.ErrTooLarge, tooBig.Limit))
		return
	}
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	fileName := filepath.Base(r.URL.Query().Get("fileName"))
	if fileName == "." || fileName == "/" {
		fileName = ""
	}
	pkg, err := s.Catalog.ReplaceArchive(r.Context(), chi.URLParam(r, "id"), tmp.Name(), fileName)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, map[string]any{
		"package": pkg,
		"message": "Package archive replaced",
	})
}

type linkResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handlePreviewURL(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.Catalog.Package(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	path, expires := s.Signer.PreviewPath(pkg.ID, s.Config.PreviewURLTTL)
	respondJSON(w, s.Logger, http.StatusOK, linkResponse{URL: s.Config.PublicURL + path, ExpiresAt: expires})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	if s.Objects == nil {
		s.respondError(w, r, fmt.Errorf("%w: object storage is not configured", errUnavailable))
		return
	}
	pkg, err := s.Catalog.Package(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ttl := s.Config.DownloadURLTTL
	url, err := s.Objects.PresignDownloadURL(r.Context(), queue.ObjectKey(pkg.ID, pkg.Checksum), ttl)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("presign download: %w", err))
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, linkResponse{URL: url, ExpiresAt: s.Now().Add(ttl)})
}
