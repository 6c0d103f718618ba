package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/donniecs/SunSCORM/internal/catalog"
	"github.com/donniecs/SunSCORM/internal/export"
)

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req catalog.NewOrganization
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	org, err := s.Catalog.CreateOrganization(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusCreated, org)
}

func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.Catalog.Organization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, org)
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var req catalog.NewGrant
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	grant, users, err := s.Catalog.CreateGrant(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusCreated, map[string]any{
		"dispatch":  grant,
		"users":     users,
		"launchUrl": s.Config.PublicURL + "/launch/" + grant.Token,
	})
}

func (s *Server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	grant, err := s.Catalog.Grant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, grant)
}

func (s *Server) handleDisableGrant(w http.ResponseWriter, r *http.Request) {
	if err := s.Catalog.DisableGrant(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, map[string]string{"message": "Dispatch disabled"})
}

type emailRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleProvisionUser(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	user, err := s.Catalog.ProvisionUser(r.Context(), chi.URLParam(r, "id"), req.Email)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, map[string]any{
		"user":      user,
		"launchUrl": s.Config.PublicURL + "/launch/" + user.Token,
	})
}

func (s *Server) handleLicenseInfo(w http.ResponseWriter, r *http.Request) {
	d, err := s.Resolver.Info(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, d)
}

func (s *Server) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	d, err := s.Resolver.CanAccess(r.Context(), chi.URLParam(r, "id"), req.Email)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, d)
}

// handleExport builds the wrapper in memory so a failure can still be
// reported as JSON.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	grant, err := s.Catalog.Grant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if grant.Disabled {
		s.respondError(w, r, fmt.Errorf("export %s: %w", grant.ID, catalog.ErrGrantDisabled))
		return
	}
	pkg, err := s.Catalog.Package(r.Context(), grant.PackageID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	b := export.Bundle{PublicURL: s.Config.PublicURL, Grant: grant, Package: pkg, ExportedAt: s.Now().UTC()}
	var buf bytes.Buffer
	if err := export.Write(&buf, b); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", b.FileName()))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.Logger.Warn("write export", "grant", grant.ID, "error", err)
	}
}
