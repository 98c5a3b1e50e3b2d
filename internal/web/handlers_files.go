package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/JonMunkholm/csvsync/internal/core"
	"github.com/JonMunkholm/csvsync/internal/logging"
)

// handleUploadFile streams the multipart "file" field into the blob store
// and returns the URL it is served at.
// POST /api/files
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Acquire(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	defer s.uploads.Release()

	limit := s.cfg.Upload.MaxFileSize
	if r.ContentLength > limit {
		s.respondError(w, r, &http.MaxBytesError{Limit: limit})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	mr, err := r.MultipartReader()
	if err != nil {
		s.respondError(w, r, badRequest("%v", err))
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.respondError(w, r, badRequest("missing file field"))
			return
		}
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		name := part.FileName()
		if name == "" {
			s.respondError(w, r, badRequest("file field has no file name"))
			return
		}
		if err := s.extensions.Check(name); err != nil {
			s.respondError(w, r, err)
			return
		}

		url, err := s.files.Put(r.Context(), name, part, -1)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		logging.FromContext(r.Context()).Info("file stored", "name", name, "url", url)
		writeJSON(w, http.StatusCreated, core.FilePayload{URL: url})
		return
	}
}
