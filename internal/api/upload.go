package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/donniecs/SunSCORM/internal/upload"
)

type initializeRequest struct {
	FileName       string   `json:"fileName"`
	TotalSize      int64    `json:"totalSize"`
	TotalChunks    int      `json:"totalChunks"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Version        string   `json:"version"`
	Tags           []string `json:"tags"`
	OrganizationID string   `json:"organizationId"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleUploadInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	st, err := s.Uploads.Initialize(r.Context(), upload.InitRequest{
		Owner:       actorFrom(r.Context()),
		FileName:    req.FileName,
		TotalSize:   req.TotalSize,
		TotalChunks: req.TotalChunks,
		Metadata: upload.Metadata{
			Title:          req.Title,
			Description:    req.Description,
			Version:        req.Version,
			Tags:           req.Tags,
			OrganizationID: req.OrganizationID,
		},
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, st)
}

// handleUploadChunkForm takes a multipart chunk with sessionId and
// chunkIndex fields preceding the chunk file part.
func (s *Server) handleUploadChunkForm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Uploads.ChunkSize()+64<<10)
	mr, err := r.MultipartReader()
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: expecting multipart form", errBadRequest))
		return
	}
	fields := map[string]string{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			s.respondError(w, r, fmt.Errorf("%w: missing chunk file", errBadRequest))
			return
		}
		if err != nil {
			s.respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		if part.FormName() != "chunk" {
			val, _ := io.ReadAll(io.LimitReader(part, 1024))
			fields[part.FormName()] = string(val)
			part.Close()
			continue
		}
		index, err := strconv.Atoi(fields["chunkIndex"])
		if fields["sessionId"] == "" || err != nil {
			part.Close()
			s.respondError(w, r, fmt.Errorf("%w: sessionId and chunkIndex must precede the chunk", errBadRequest))
			return
		}
		st, err := s.Uploads.AcceptChunk(r.Context(), fields["sessionId"], actorFrom(r.Context()), index, part)
		part.Close()
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, s.Logger, http.StatusOK, st)
		return
	}
}

func (s *Server) handleUploadChunkRaw(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: chunk index must be a number", upload.ErrInvalidChunk))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.Uploads.ChunkSize()+1)
	st, err := s.Uploads.AcceptChunk(r.Context(), chi.URLParam(r, "sessionId"), actorFrom(r.Context()), index, r.Body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, st)
}

func (s *Server) handleUploadFinalize(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	pkg, err := s.Uploads.Finalize(r.Context(), req.SessionID, actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusCreated, map[string]any{
		"package": pkg,
		"message": "Package uploaded successfully",
	})
}

func (s *Server) handleUploadCleanup(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.cancelUpload(w, r, req.SessionID)
}

func (s *Server) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	s.cancelUpload(w, r, chi.URLParam(r, "sessionId"))
}

func (s *Server) cancelUpload(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.Uploads.Cancel(r.Context(), id, actorFrom(r.Context())); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, map[string]string{"message": "Upload session cleaned up"})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Uploads.Status(chi.URLParam(r, "sessionId"), actorFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, s.Logger, http.StatusOK, st)
}

func (s *Server) handleUploadSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.Logger, http.StatusOK, s.Uploads.List(actorFrom(r.Context())))
}
