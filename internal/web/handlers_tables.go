package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/csvsync/internal/core"
)

// maxJSONBody caps request bodies on the JSON endpoints.
const maxJSONBody = 8 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var sizeErr *http.MaxBytesError
		if errors.As(err, &sizeErr) {
			return err
		}
		return badRequest("decode body: %v", err)
	}
	return nil
}

// idempotencyKey returns the request id a client attached to a create call.
func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(core.IdempotencyHeader))
}

// handleCreateTable creates a table from a full column list.
// POST /api/tables
func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req core.TablePayload
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		s.respondError(w, r, badRequest("table title is required"))
		return
	}
	if _, err := core.NewSchema(req.Columns); err != nil {
		s.respondError(w, r, badRequest("%v", err))
		return
	}

	id, err := s.store.CreateTable(r.Context(), req.Parent, req.Title, idempotencyKey(r), req.Columns)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, core.RefPayload{ID: id})
}

// handleGetSchema returns the columns of a table.
// GET /api/tables/{tableID}/schema
func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.store.Schema(r.Context(), chi.URLParam(r, "tableID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

// handlePatchSchema appends new columns and updates the type and options of
// existing ones. Columns are never renamed or removed.
// PATCH /api/tables/{tableID}/schema
func (s *Server) handlePatchSchema(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")

	var req core.ColumnsPayload
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	current, err := s.store.Schema(r.Context(), tableID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := core.NewSchema(mergeColumns(current, req.Columns)); err != nil {
		s.respondError(w, r, badRequest("%v", err))
		return
	}

	updated, err := s.store.UpdateColumns(r.Context(), tableID, req.Columns)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// mergeColumns is the column list a schema patch would produce. Names of
// existing columns are kept.
func mergeColumns(current *core.Schema, patch []core.Column) []core.Column {
	cols := current.Columns()
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[c.ID] = i
	}
	for _, c := range patch {
		if i, ok := index[c.ID]; ok {
			c.Name = cols[i].Name
			cols[i] = c
			continue
		}
		index[c.ID] = len(cols)
		cols = append(cols, c)
	}
	return cols
}
