package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/csvsync/internal/core"
	"github.com/JonMunkholm/csvsync/internal/logging"
)

// handleListRows returns every row of a table in creation order.
// GET /api/tables/{tableID}/rows
func (s *Server) handleListRows(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.Rows(r.Context(), chi.URLParam(r, "tableID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if rows == nil {
		rows = []core.RowPayload{}
	}
	writeJSON(w, http.StatusOK, core.RowsPayload{Rows: rows})
}

// handleCreateRow validates and stores a new row.
// POST /api/tables/{tableID}/rows
func (s *Server) handleCreateRow(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")

	row, schema, err := s.readRow(w, r, tableID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.stamp(schema, row.Values, core.TypeCreatedTime, core.TypeLastEditedTime)

	id, err := s.store.InsertRow(r.Context(), tableID, idempotencyKey(r), row)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Debug("row created", "table", tableID, "row", id)
	writeJSON(w, http.StatusCreated, core.RefPayload{ID: id})
}

// handlePatchRow merges values into an existing row.
// PATCH /api/rows/{rowID}
func (s *Server) handlePatchRow(w http.ResponseWriter, r *http.Request) {
	rowID := chi.URLParam(r, "rowID")

	tableID, err := s.store.RowTable(r.Context(), rowID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	row, schema, err := s.readRow(w, r, tableID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.stamp(schema, row.Values, core.TypeLastEditedTime)

	if err := s.store.PatchRow(r.Context(), rowID, row); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readRow decodes a row body and checks every value against the table
// schema. Select options the schema does not know yet are registered.
func (s *Server) readRow(w http.ResponseWriter, r *http.Request, tableID string) (core.RowPayload, *core.Schema, error) {
	var row core.RowPayload
	if err := decodeJSON(w, r, &row); err != nil {
		return row, nil, err
	}
	row.ID = ""
	if row.Values == nil {
		row.Values = map[string]json.RawMessage{}
	}

	schema, err := s.store.Schema(r.Context(), tableID)
	if err != nil {
		return row, nil, err
	}
	values, err := core.DecodeRow(schema, row.Values)
	if err != nil {
		return row, nil, badRequest("%v", err)
	}
	if schema, err = s.registerOptions(r.Context(), tableID, schema, values); err != nil {
		return row, nil, err
	}
	return row, schema, nil
}

// registerOptions adds select and multi select values missing from the
// column options.
func (s *Server) registerOptions(ctx context.Context, tableID string, schema *core.Schema, values core.Row) (*core.Schema, error) {
	var patch []core.Column
	for id, v := range values {
		col, _ := schema.Column(id)
		var opts []string
		switch t := v.(type) {
		case core.Select:
			opts = []string{string(t)}
		case core.MultiSelect:
			opts = t
		default:
			continue
		}
		var missing []string
		for _, o := range opts {
			if o != "" && !col.HasOption(o) {
				missing = append(missing, o)
			}
		}
		if len(missing) > 0 {
			col.Options = append(col.Options, missing...)
			patch = append(patch, col)
		}
	}
	if len(patch) == 0 {
		return schema, nil
	}
	return s.store.UpdateColumns(ctx, tableID, patch)
}

// stamp fills timestamp columns of the given types that the write left empty.
func (s *Server) stamp(schema *core.Schema, values map[string]json.RawMessage, types ...core.ColumnType) {
	now, _ := json.Marshal(s.now().UTC().Format(time.RFC3339Nano))
	for _, col := range schema.Columns() {
		for _, t := range types {
			if col.Type != t {
				continue
			}
			if raw, ok := values[col.ID]; !ok || string(raw) == "null" {
				values[col.ID] = now
			}
		}
	}
}
