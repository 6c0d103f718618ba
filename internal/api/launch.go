package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/donniecs/SunSCORM/internal/contentcache"
	"github.com/donniecs/SunSCORM/internal/launch"
	"github.com/donniecs/SunSCORM/internal/progress"
	"github.com/donniecs/SunSCORM/internal/repository"
)

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	d, err := s.Launch.Launch(r.Context(), token, r.URL.Query().Get("email"))
	if err != nil {
		s.renderLaunchError(w, r, err)
		return
	}
	if d.Redirect != "" {
		http.Redirect(w, r, "/launch/"+url.PathEscape(d.Redirect)+"/", http.StatusFound)
		return
	}
	prefix := "/launch/" + url.PathEscape(token)
	s.renderShell(w, launch.Shell{
		Title:         d.Package.Title,
		ContentURL:    assetURL(prefix, d.EntryPoint),
		StatementsURL: prefix + "/statements",
		ObjectID:      d.Package.ID,
		Email:         d.User.EmailOrEmpty(),
	})
}

func (s *Server) handleLaunchAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.Launch.Asset(r.Context(), chi.URLParam(r, "token"), assetPath(r))
	if err != nil {
		s.renderLaunchError(w, r, err)
		return
	}
	writeAsset(w, a)
}

type statementRequest struct {
	Verb     string          `json:"verb"`
	ObjectID string          `json:"objectId"`
	Result   map[string]any  `json:"result"`
	Context  map[string]any  `json:"context"`
	Progress json.RawMessage `json:"progress"`
}

func (s *Server) handleStatement(w http.ResponseWriter, r *http.Request) {
	user, err := s.Launch.Learner(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req statementRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	ev := progress.Event{
		UserToken:  user.Token,
		GrantID:    user.GrantID,
		ActorEmail: user.EmailOrEmpty(),
		Verb:       req.Verb,
		ObjectID:   req.ObjectID,
		Result:     req.Result,
		Context:    req.Context,
		Progress:   req.Progress,
		Timestamp:  s.Now().UTC(),
	}
	if err := s.Sink.Record(r.Context(), ev); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, map[string]bool{"success": true})
}

// renderLaunchError writes an HTML page, since launch URLs are opened by
// browsers rather than API clients.
func (s *Server) renderLaunchError(w http.ResponseWriter, r *http.Request, err error) {
	status, title, message := http.StatusInternalServerError, "Launch Failed", "The course could not be started."
	var denied *launch.DeniedError
	switch {
	case errors.As(err, &denied):
		status, title, message = http.StatusForbidden, denied.Title, denied.Reason
	case errors.Is(err, launch.ErrEmailRequired):
		status, title, message = http.StatusBadRequest, "Email Required", "Open this course from your learning platform so your email can be passed along."
	case errors.Is(err, launch.ErrUnknownToken):
		status, title, message = http.StatusNotFound, "Invalid Launch Token", "This launch link is not valid."
	case errors.Is(err, repository.ErrNotFound):
		status, title, message = http.StatusNotFound, "Course Unavailable", "This course is no longer available."
	case errors.Is(err, launch.ErrAssetNotFound), errors.Is(err, contentcache.ErrFileNotFound):
		status, title, message = http.StatusNotFound, "Not Found", "The requested file is not part of this course."
	default:
		s.Logger.Error("launch failed", "path", r.URL.Path, "error", err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := launch.RenderError(w, title, message); err != nil {
		s.Logger.Warn("render error page", "error", err)
	}
}

func (s *Server) renderShell(w http.ResponseWriter, shell launch.Shell) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := launch.RenderShell(w, shell); err != nil {
		s.Logger.Warn("render launch page", "error", err)
	}
}

func writeAsset(w http.ResponseWriter, a *launch.Asset) {
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", fmt.Sprint(len(a.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(a.Data)
}

func assetURL(prefix, entry string) string {
	parts := strings.Split(entry, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return prefix + "/assets/" + strings.Join(parts, "/")
}

// assetPath is the unescaped wildcard part of an asset route. chi matches
// on RawPath when it is set, so only then is the parameter still escaped.
func assetPath(r *http.Request) string {
	rel := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return rel
	}
	if p, err := url.PathUnescape(rel); err == nil {
		return p
	}
	return rel
}
