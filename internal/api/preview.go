package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/donniecs/SunSCORM/internal/launch"
)

// verifyPreview rejects preview requests whose signature is forged or
// expired.
func (s *Server) verifyPreview(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.Signer.Verify(chi.URLParam(r, "id"), chi.URLParam(r, "expires"), chi.URLParam(r, "signature"))
		if err != nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			launch.RenderError(w, "Preview Unavailable", "This preview link is invalid or has expired.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	d, err := s.Launch.Preview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.renderLaunchError(w, r, err)
		return
	}
	prefix := "/preview/" + url.PathEscape(chi.URLParam(r, "id")) + "/" +
		chi.URLParam(r, "expires") + "/" + chi.URLParam(r, "signature")
	s.renderShell(w, launch.Shell{
		Title:      d.Package.Title,
		ContentURL: assetURL(prefix, d.EntryPoint),
		ObjectID:   d.Package.ID,
		Preview:    true,
	})
}

func (s *Server) handlePreviewAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.Launch.PreviewAsset(r.Context(), chi.URLParam(r, "id"), assetPath(r))
	if err != nil {
		s.renderLaunchError(w, r, err)
		return
	}
	writeAsset(w, a)
}
