package core

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// memRemote is an in-memory Remote. Writes round trip through the JSON
// encoding, like a real server would.
type memRemote struct {
	mu     sync.Mutex
	seq    int
	tables map[string]*memTable
	rowTab map[string]string // row ref -> table ref

	// failures injects errors for writes of the row with the given key.
	failures map[string][]error
	// requests records the request id of every write_row call per key.
	requests map[string][]string
	uploads  []string
	calls    map[string]int

	inflight    map[string]int
	overlapping bool
}

type memTable struct {
	parent string
	title  string
	schema *Schema
	rows   []RemoteRow
}

func newMemRemote() *memRemote {
	return &memRemote{
		tables:   make(map[string]*memTable),
		rowTab:   make(map[string]string),
		failures: make(map[string][]error),
		requests: make(map[string][]string),
		calls:    make(map[string]int),
		inflight: make(map[string]int),
	}
}

func (m *memRemote) nextRef(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// addTable registers a table directly and returns its ref.
func (m *memRemote) addTable(t *testing.T, cols []Column, rows ...Row) string {
	t.Helper()
	schema, err := NewSchema(cols)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.nextRef("table")
	tab := &memTable{schema: schema}
	for _, r := range rows {
		rr := RemoteRow{Ref: m.nextRef("row"), Values: r}
		tab.rows = append(tab.rows, rr)
		m.rowTab[rr.Ref] = ref
	}
	m.tables[ref] = tab
	return ref
}

func (m *memRemote) failNext(key string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = append(m.failures[key], errs...)
}

func (m *memRemote) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *memRemote) table(t *testing.T, ref string) *memTable {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tables[ref]
	if !ok {
		t.Fatalf("table %q not found", ref)
	}
	return tab
}

// rowByKey returns the first row of a table with the given key.
func (m *memRemote) rowByKey(t *testing.T, ref, key string) RemoteRow {
	t.Helper()
	tab := m.table(t, ref)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range tab.rows {
		if r.Key(tab.schema) == key {
			return r
		}
	}
	t.Fatalf("row %q not found in %s", key, ref)
	return RemoteRow{}
}

func notFound(op, ref string) error {
	return &RemoteError{Kind: RemoteNotFound, Op: op, Status: 404, Err: fmt.Errorf("%s not found", ref)}
}

func (m *memRemote) GetSchema(_ context.Context, ref string) (*Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get_schema"]++
	tab, ok := m.tables[ref]
	if !ok {
		return nil, notFound("get schema", ref)
	}
	return tab.schema.Clone(), nil
}

func (m *memRemote) CreateTable(_ context.Context, parent string, schema *Schema, title string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["create_table"]++
	ref := m.nextRef("table")
	m.tables[ref] = &memTable{parent: parent, title: title, schema: schema.Clone()}
	return ref, nil
}

func (m *memRemote) UpdateSchema(_ context.Context, ref string, cols []Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["update_schema"]++
	tab, ok := m.tables[ref]
	if !ok {
		return notFound("update schema", ref)
	}
	merged := tab.schema.Columns()
	for _, c := range cols {
		replaced := false
		for i := range merged {
			if merged[i].ID == c.ID {
				merged[i] = c
				replaced = true
			}
		}
		if !replaced {
			merged = append(merged, c)
		}
	}
	schema, err := NewSchema(merged)
	if err != nil {
		return &RemoteError{Kind: RemotePermanent, Op: "update schema", Status: 400, Err: err}
	}

	// Stored values follow a type change, or the change is refused.
	converted := make([]Row, len(tab.rows))
	for i, r := range tab.rows {
		converted[i] = maps.Clone(r.Values)
		for _, c := range cols {
			old, ok := tab.schema.Column(c.ID)
			stored, has := r.Values[c.ID]
			if !ok || !has || old.Type == c.Type {
				continue
			}
			v, err := Retype(stored, c.Type)
			if err != nil {
				return &RemoteError{Kind: RemotePermanent, Op: "update schema", Status: 422, Err: err}
			}
			converted[i][c.ID] = v
		}
	}
	for i := range tab.rows {
		tab.rows[i].Values = converted[i]
	}
	tab.schema = schema
	return nil
}

func (m *memRemote) ListRows(_ context.Context, ref string) ([]RemoteRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["list_rows"]++
	tab, ok := m.tables[ref]
	if !ok {
		return nil, notFound("list rows", ref)
	}
	out := make([]RemoteRow, len(tab.rows))
	copy(out, tab.rows)
	return out, nil
}

// roundTrip encodes and decodes values against schema.
func roundTrip(schema *Schema, values Row) (Row, error) {
	data, err := json.Marshal(EncodeRow(values))
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return DecodeRow(schema, raw)
}

func (m *memRemote) enter(ref string) {
	m.mu.Lock()
	m.inflight[ref]++
	if m.inflight[ref] > 1 {
		m.overlapping = true
	}
	m.mu.Unlock()
	time.Sleep(time.Millisecond)
}

func (m *memRemote) leave(ref string) {
	m.mu.Lock()
	m.inflight[ref]--
	m.mu.Unlock()
}

func (m *memRemote) injected(key string) error {
	if errs := m.failures[key]; len(errs) > 0 {
		m.failures[key] = errs[1:]
		return errs[0]
	}
	return nil
}

func (m *memRemote) WriteRow(ctx context.Context, ref string, row RowWrite) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["write_row"]++
	tab, ok := m.tables[ref]
	if !ok {
		return "", notFound("write row", ref)
	}
	key := RenderText(row.Values[tab.schema.Title().ID])
	m.requests[key] = append(m.requests[key], RequestID(ctx))
	if err := m.injected(key); err != nil {
		return "", err
	}
	values, err := roundTrip(tab.schema, row.Values)
	if err != nil {
		return "", &RemoteError{Kind: RemotePermanent, Op: "write row", Status: 400, Err: err}
	}
	rr := RemoteRow{Ref: m.nextRef("row"), Values: values, Icon: row.Icon, Cover: row.Cover, Image: row.Image}
	tab.rows = append(tab.rows, rr)
	m.rowTab[rr.Ref] = ref
	return rr.Ref, nil
}

func (m *memRemote) UpdateRow(_ context.Context, rowRef string, row RowWrite) error {
	m.enter(rowRef)
	defer m.leave(rowRef)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["update_row"]++
	tab, ok := m.tables[m.rowTab[rowRef]]
	if !ok {
		return notFound("update row", rowRef)
	}
	for i := range tab.rows {
		r := &tab.rows[i]
		if r.Ref != rowRef {
			continue
		}
		if err := m.injected(r.Key(tab.schema)); err != nil {
			return err
		}
		values, err := roundTrip(tab.schema, row.Values)
		if err != nil {
			return &RemoteError{Kind: RemotePermanent, Op: "update row", Status: 400, Err: err}
		}
		merged := make(Row, len(r.Values)+len(values))
		for id, v := range r.Values {
			merged[id] = v
		}
		for id, v := range values {
			merged[id] = v
		}
		r.Values = merged
		if row.Icon != "" {
			r.Icon = row.Icon
		}
		if row.Cover != "" {
			r.Cover = row.Cover
		}
		if row.Image != nil {
			r.Image = row.Image
		}
		return nil
	}
	return notFound("update row", rowRef)
}

func (m *memRemote) UploadFile(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["upload_file"]++
	if strings.EqualFold(filepath.Ext(path), ".exe") {
		return "", &RemoteError{Kind: RemoteExtensionNotAllowed, Op: "upload file", Status: 415, Err: errors.New("banned")}
	}
	m.uploads = append(m.uploads, path)
	return fmt.Sprintf("https://files.example.com/%d/%s", m.seq, filepath.Base(path)), nil
}

// sliceSource is a Source over parsed CSV text. Data rows start at line 2.
type sliceSource struct {
	header []string
	rows   [][]string
}

func csvSource(t *testing.T, text string) sliceSource {
	t.Helper()
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return sliceSource{header: records[0], rows: records[1:]}
}

func (s sliceSource) Header() []string { return s.header }

func (s sliceSource) Each(fn func(line int, record []string) error) error {
	for i, r := range s.rows {
		if err := fn(i+2, r); err != nil {
			return err
		}
	}
	return nil
}

var fastRetry = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func transientErr(op string) error {
	return &RemoteError{Kind: RemoteTransient, Op: op, Status: 503, Err: errors.New("try again")}
}
