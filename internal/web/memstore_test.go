package web

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/JonMunkholm/csvsync/internal/core"
	"github.com/JonMunkholm/csvsync/internal/store"
)

// memStore is an in-memory Store with the same semantics as the Postgres one.
type memStore struct {
	mu      sync.Mutex
	tables  map[string][]core.Column
	rows    map[string][]*core.RowPayload
	rowTab  map[string]string
	keys    map[string]string // request key to created id
	pingErr error
}

func newMemStore() *memStore {
	return &memStore{
		tables: make(map[string][]core.Column),
		rows:   make(map[string][]*core.RowPayload),
		rowTab: make(map[string]string),
		keys:   make(map[string]string),
	}
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) CreateTable(_ context.Context, _, _, key string, cols []core.Column) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.keys["table/"+key]; ok && key != "" {
		return id, nil
	}
	id := uuid.NewString()
	m.tables[id] = slices.Clone(cols)
	if key != "" {
		m.keys["table/"+key] = id
	}
	return id, nil
}

func (m *memStore) Schema(_ context.Context, tableID string) (*core.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schema(tableID)
}

func (m *memStore) schema(tableID string) (*core.Schema, error) {
	cols, ok := m.tables[tableID]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", tableID, store.ErrNotFound)
	}
	return core.NewSchema(cols)
}

func (m *memStore) UpdateColumns(_ context.Context, tableID string, patch []core.Column) (*core.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cols, ok := m.tables[tableID]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", tableID, store.ErrNotFound)
	}
	cols = slices.Clone(cols)
	var retyped []core.TypeChange
	for _, c := range patch {
		i := slices.IndexFunc(cols, func(old core.Column) bool { return old.ID == c.ID })
		if i < 0 {
			if slices.ContainsFunc(cols, func(old core.Column) bool { return old.Name == c.Name }) {
				return nil, fmt.Errorf("column %q: %w", c.Name, store.ErrConflict)
			}
			cols = append(cols, c)
			continue
		}
		if cols[i].Type == core.TypeTitle && c.Type != core.TypeTitle {
			return nil, fmt.Errorf("column %q is the title column: %w", cols[i].Name, store.ErrConflict)
		}
		if c.Type != cols[i].Type {
			retyped = append(retyped, core.TypeChange{Column: cols[i], To: c.Type})
		}
		options := slices.Clone(cols[i].Options)
		for _, o := range c.Options {
			if !slices.Contains(options, o) {
				options = append(options, o)
			}
		}
		cols[i].Type = c.Type
		cols[i].Options = options
	}

	converted := make([]map[string]json.RawMessage, len(m.rows[tableID]))
	for j, r := range m.rows[tableID] {
		values := maps.Clone(r.Values)
		if _, err := core.RetypeValues(values, retyped); err != nil {
			return nil, fmt.Errorf("row %s: %v: %w", r.ID, err, store.ErrIncompatible)
		}
		converted[j] = values
	}
	for j, r := range m.rows[tableID] {
		r.Values = converted[j]
	}
	m.tables[tableID] = cols
	return m.schema(tableID)
}

func (m *memStore) Rows(_ context.Context, tableID string) ([]core.RowPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[tableID]; !ok {
		return nil, fmt.Errorf("table %s: %w", tableID, store.ErrNotFound)
	}
	out := make([]core.RowPayload, 0, len(m.rows[tableID]))
	for _, r := range m.rows[tableID] {
		cp := *r
		cp.Values = maps.Clone(r.Values)
		out = append(out, cp)
	}
	return out, nil
}

func (m *memStore) InsertRow(_ context.Context, tableID, key string, row core.RowPayload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[tableID]; !ok {
		return "", fmt.Errorf("table %s: %w", tableID, store.ErrNotFound)
	}
	if id, ok := m.keys[tableID+"/"+key]; ok && key != "" {
		return id, nil
	}
	row.ID = uuid.NewString()
	row.Values = maps.Clone(row.Values)
	m.rows[tableID] = append(m.rows[tableID], &row)
	m.rowTab[row.ID] = tableID
	if key != "" {
		m.keys[tableID+"/"+key] = row.ID
	}
	return row.ID, nil
}

func (m *memStore) PatchRow(_ context.Context, rowID string, patch core.RowPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.find(rowID)
	if row == nil {
		return fmt.Errorf("row %s: %w", rowID, store.ErrNotFound)
	}
	if row.Values == nil {
		row.Values = map[string]json.RawMessage{}
	}
	maps.Copy(row.Values, patch.Values)
	if patch.Icon != "" {
		row.Icon = patch.Icon
	}
	if patch.Cover != "" {
		row.Cover = patch.Cover
	}
	if patch.Image != nil {
		row.Image = patch.Image
	}
	return nil
}

func (m *memStore) RowTable(_ context.Context, rowID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tableID, ok := m.rowTab[rowID]
	if !ok {
		return "", fmt.Errorf("row %s: %w", rowID, store.ErrNotFound)
	}
	return tableID, nil
}

func (m *memStore) find(rowID string) *core.RowPayload {
	for _, r := range m.rows[m.rowTab[rowID]] {
		if r.ID == rowID {
			return r
		}
	}
	return nil
}

var _ Store = (*memStore)(nil)
