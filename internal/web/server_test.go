package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/csvsync/internal/blob"
	"github.com/JonMunkholm/csvsync/internal/client"
	"github.com/JonMunkholm/csvsync/internal/config"
	"github.com/JonMunkholm/csvsync/internal/core"
	"github.com/JonMunkholm/csvsync/internal/csvsource"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 5 * time.Second},
		Upload: config.UploadConfig{MaxFileSize: 1 << 20, MaxConcurrent: 2, MaxWaitTime: time.Second},
	}
}

type testServer struct {
	*Server
	store *memStore
	dir   string
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	dir := t.TempDir()
	files, err := blob.NewLocal(dir, "http://files.test/files")
	if err != nil {
		t.Fatal(err)
	}
	ms := newMemStore()
	srv := NewServer(Options{Config: cfg, Store: ms, Files: files, FilesDir: dir})
	srv.now = func() time.Time { return fixedNow }
	return &testServer{Server: srv, store: ms, dir: dir}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

var fruitColumns = []core.Column{
	{ID: "title", Name: "Name", Type: core.TypeTitle},
	{ID: "color", Name: "Color", Type: core.TypeSelect, Options: []string{"red"}},
	{ID: "created", Name: "Created", Type: core.TypeCreatedTime},
}

func (ts *testServer) createTable(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/tables", core.TablePayload{Title: "fruit", Columns: fruitColumns})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create table: %d %s", rec.Code, rec.Body)
	}
	return decodeBody[core.RefPayload](t, rec).ID
}

func TestServer_RowLifecycle(t *testing.T) {
	ts := newTestServer(t, testConfig())
	tableID := ts.createTable(t)

	rec := ts.do(t, http.MethodPost, "/api/tables/"+tableID+"/rows", map[string]any{
		"values": map[string]any{"title": "apple", "color": "green"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create row: %d %s", rec.Code, rec.Body)
	}
	rowID := decodeBody[core.RefPayload](t, rec).ID

	// The unknown option was registered.
	rec = ts.do(t, http.MethodGet, "/api/tables/"+tableID+"/schema", nil)
	schema := decodeBody[*core.Schema](t, rec)
	color, _ := schema.Column("color")
	if strings.Join(color.Options, ",") != "red,green" {
		t.Errorf("color options = %v, want red,green", color.Options)
	}

	rec = ts.do(t, http.MethodPatch, "/api/rows/"+rowID, map[string]any{
		"values": map[string]any{"color": "red"},
		"icon":   "🍎",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("patch row: %d %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodGet, "/api/tables/"+tableID+"/rows", nil)
	rows := decodeBody[core.RowsPayload](t, rec).Rows
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	row, err := rows[0].Decode(schema)
	if err != nil {
		t.Fatal(err)
	}
	if !core.ValuesEqual(row.Values["title"], core.Text("apple")) || !core.ValuesEqual(row.Values["color"], core.Select("red")) {
		t.Errorf("row values = %v", row.Values)
	}
	if stamp, ok := row.Values["created"].(core.Timestamp); !ok || !stamp.Time.Equal(fixedNow) {
		t.Errorf("created = %#v, want stamped %v", row.Values["created"], fixedNow)
	}
	if row.Icon != "🍎" {
		t.Errorf("icon = %q", row.Icon)
	}
}

func TestServer_ReplayedCreates(t *testing.T) {
	ts := newTestServer(t, testConfig())

	post := func(path, key string, body any) string {
		t.Helper()
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set(core.IdempotencyHeader, key)
		}
		rec := httptest.NewRecorder()
		ts.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST %s: %d %s", path, rec.Code, rec.Body)
		}
		return decodeBody[core.RefPayload](t, rec).ID
	}

	table := core.TablePayload{Title: "fruit", Columns: fruitColumns}
	tableID := post("/api/tables", "t-1", table)
	if again := post("/api/tables", "t-1", table); again != tableID {
		t.Fatalf("replayed table create = %s, want %s", again, tableID)
	}

	row := map[string]any{"values": map[string]any{"title": "apple"}}
	tests := []struct {
		name     string
		keys     [2]string
		wantSame bool
		wantRows int
	}{
		{name: "same key", keys: [2]string{"r-1", "r-1"}, wantSame: true, wantRows: 1},
		{name: "other key", keys: [2]string{"r-2", "r-3"}, wantRows: 3},
		{name: "no key", wantRows: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := post("/api/tables/"+tableID+"/rows", tt.keys[0], row)
			b := post("/api/tables/"+tableID+"/rows", tt.keys[1], row)
			if (a == b) != tt.wantSame {
				t.Errorf("row ids %s and %s, want same = %v", a, b, tt.wantSame)
			}
			rec := ts.do(t, http.MethodGet, "/api/tables/"+tableID+"/rows", nil)
			if got := len(decodeBody[core.RowsPayload](t, rec).Rows); got != tt.wantRows {
				t.Errorf("table holds %d rows, want %d", got, tt.wantRows)
			}
		})
	}
}

func TestServer_PatchSchema(t *testing.T) {
	ts := newTestServer(t, testConfig())
	tableID := ts.createTable(t)

	rec := ts.do(t, http.MethodPatch, "/api/tables/"+tableID+"/schema", core.ColumnsPayload{Columns: []core.Column{
		{ID: "color", Name: "ignored", Type: core.TypeMultiSelect, Options: []string{"blue"}},
		{ID: "qty", Name: "Qty", Type: core.TypeNumber},
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch schema: %d %s", rec.Code, rec.Body)
	}
	schema := decodeBody[*core.Schema](t, rec)
	if schema.Len() != 4 {
		t.Errorf("schema has %d columns, want 4", schema.Len())
	}
	color, _ := schema.Column("color")
	if color.Name != "Color" || color.Type != core.TypeMultiSelect || strings.Join(color.Options, ",") != "red,blue" {
		t.Errorf("color = %+v", color)
	}
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t, testConfig())
	tableID := ts.createTable(t)
	rows := "/api/tables/" + tableID + "/rows"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown table", http.MethodGet, "/api/tables/nope/schema", nil, http.StatusNotFound},
		{"unknown row", http.MethodPatch, "/api/rows/nope", map[string]any{"values": map[string]any{}}, http.StatusNotFound},
		{"malformed json", http.MethodPost, rows, "{", http.StatusBadRequest},
		{"wrong value type", http.MethodPost, rows, map[string]any{"values": map[string]any{"title": 5}}, http.StatusBadRequest},
		{"unknown column", http.MethodPost, rows, map[string]any{"values": map[string]any{"ghost": "x"}}, http.StatusBadRequest},
		{"no title column", http.MethodPost, "/api/tables", core.TablePayload{Title: "t", Columns: []core.Column{{ID: "a", Name: "A", Type: core.TypeText}}}, http.StatusBadRequest},
		{"no table title", http.MethodPost, "/api/tables", core.TablePayload{Columns: fruitColumns}, http.StatusBadRequest},
		{"duplicate column name", http.MethodPatch, "/api/tables/" + tableID + "/schema", core.ColumnsPayload{Columns: []core.Column{{ID: "x", Name: "Color", Type: core.TypeText}}}, http.StatusBadRequest},
		{"retype title", http.MethodPatch, "/api/tables/" + tableID + "/schema", core.ColumnsPayload{Columns: []core.Column{{ID: "title", Name: "Name", Type: core.TypeText}}}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
			resp := decodeBody[ErrorResponse](t, rec)
			if resp.Error == "" || resp.Code == "" {
				t.Errorf("error body = %+v", resp)
			}
		})
	}
}

func multipartBody(t *testing.T, field, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.WriteString(fw, content)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestServer_UploadFile(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxFileSize = 1024
	ts := newTestServer(t, cfg)

	tests := []struct {
		name    string
		field   string
		file    string
		content string
		want    int
	}{
		{"image", "file", "photo.png", "png-bytes", http.StatusCreated},
		{"banned extension", "file", "setup.EXE", "MZ", http.StatusUnsupportedMediaType},
		{"wrong field", "attachment", "photo.png", "png", http.StatusBadRequest},
		{"too large", "file", "big.txt", strings.Repeat("x", 4096), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ctype := multipartBody(t, tt.field, tt.file, tt.content)
			req := httptest.NewRequest(http.MethodPost, "/api/files", body)
			req.Header.Set("Content-Type", ctype)
			rec := httptest.NewRecorder()
			ts.Router().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
			if tt.want != http.StatusCreated {
				return
			}

			url := decodeBody[core.FilePayload](t, rec).URL
			if !strings.HasPrefix(url, "http://files.test/files/") || !strings.HasSuffix(url, "/photo.png") {
				t.Fatalf("url = %q", url)
			}
			get := httptest.NewRecorder()
			ts.Router().ServeHTTP(get, httptest.NewRequest(http.MethodGet, strings.TrimPrefix(url, "http://files.test"), nil))
			if get.Code != http.StatusOK || get.Body.String() != tt.content {
				t.Errorf("GET file = %d %q", get.Code, get.Body)
			}
		})
	}
}

func TestServer_UploadBusy(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxConcurrent = 1
	cfg.Upload.MaxWaitTime = 20 * time.Millisecond
	ts := newTestServer(t, cfg)

	if err := ts.uploads.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ts.uploads.Release()

	body, ctype := multipartBody(t, "file", "a.png", "x")
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	ts.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestServer_AuthAndHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	ts := newTestServer(t, cfg)

	if rec := ts.do(t, http.MethodGet, "/api/tables/x/schema", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", rec.Code)
	}

	ts.store.pingErr = errors.New("connection refused")
	if rec := ts.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz with store down: status = %d, want 503", rec.Code)
	}
}

func TestServer_SyncEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"tok"}}
	ts := newTestServer(t, cfg)
	hs := httptest.NewServer(ts.Router())
	defer hs.Close()

	remote, err := client.New(client.Options{BaseURL: hs.URL, Token: "tok", RateLimit: -1})
	if err != nil {
		t.Fatal(err)
	}
	svc := core.NewService(remote, nil)
	retry := core.RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	run := func(text string, opts core.SyncOptions) *core.RunReport {
		t.Helper()
		src, err := csvsource.Read(strings.NewReader(text), "fruit.csv", csvsource.Options{})
		if err != nil {
			t.Fatal(err)
		}
		opts.Concurrency = 3
		opts.Retry = retry
		report, err := svc.Run(context.Background(), src, opts)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if report.Failed() != 0 {
			t.Fatalf("Run() failures = %+v", report.Failures)
		}
		return report
	}

	text := "name,qty,done,when\napple,3,true,2024-01-15\npear,1.5,false,2024-02-01\nplum,2,true,2024-03-09\n"
	first := run(text, core.SyncOptions{Title: "fruit"})
	if first.Created != 3 {
		t.Fatalf("first run created %d, want 3", first.Created)
	}

	again := run(text, core.SyncOptions{TableRef: first.TableRef, Merge: true})
	if again.Created != 0 || again.Updated != 0 || again.Skipped != 3 {
		t.Errorf("rerun created=%d updated=%d skipped=%d, want 0/0/3", again.Created, again.Updated, again.Skipped)
	}

	changed := strings.Replace(text, "pear,1.5", "pear,4", 1)
	third := run(changed, core.SyncOptions{TableRef: first.TableRef, Merge: true})
	if third.Updated != 1 || third.Skipped != 2 {
		t.Errorf("changed run updated=%d skipped=%d, want 1/2", third.Updated, third.Skipped)
	}

	stored, _ := ts.store.Rows(context.Background(), first.TableRef)
	if len(stored) != 3 {
		t.Errorf("table has %d rows, want 3", len(stored))
	}
}

func TestServer_PatchSchemaConvertsRows(t *testing.T) {
	ts := newTestServer(t, testConfig())
	tableID := ts.createTable(t)
	rec := ts.do(t, http.MethodPost, "/api/tables/"+tableID+"/rows", core.WritePayload{Values: map[string]any{"title": "apple", "color": "red"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create row: %d %s", rec.Code, rec.Body)
	}

	tests := []struct {
		name      string
		to        core.ColumnType
		wantCode  int
		wantType  core.ColumnType
		wantColor string
	}{
		{name: "red is no number", to: core.TypeNumber, wantCode: http.StatusUnprocessableEntity, wantType: core.TypeSelect, wantColor: `"red"`},
		{name: "select widens to multi select", to: core.TypeMultiSelect, wantCode: http.StatusOK, wantType: core.TypeMultiSelect, wantColor: `["red"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPatch, "/api/tables/"+tableID+"/schema", core.ColumnsPayload{Columns: []core.Column{
				{ID: "color", Name: "Color", Type: tt.to},
			}})
			if rec.Code != tt.wantCode {
				t.Fatalf("patch schema: %d %s, want %d", rec.Code, rec.Body, tt.wantCode)
			}
			schema, _ := ts.store.Schema(context.Background(), tableID)
			if col, _ := schema.Column("color"); col.Type != tt.wantType {
				t.Errorf("color type = %s, want %s", col.Type, tt.wantType)
			}
			rows, _ := ts.store.Rows(context.Background(), tableID)
			if got := string(rows[0].Values["color"]); got != tt.wantColor {
				t.Errorf("stored color = %s, want %s", got, tt.wantColor)
			}
		})
	}
}

func TestServer_PromotionEndToEnd(t *testing.T) {
	ts := newTestServer(t, testConfig())
	hs := httptest.NewServer(ts.Router())
	defer hs.Close()

	remote, err := client.New(client.Options{BaseURL: hs.URL, RateLimit: -1})
	if err != nil {
		t.Fatal(err)
	}
	svc := core.NewService(remote, nil)
	runSync := func(text string, opts core.SyncOptions) *core.RunReport {
		t.Helper()
		src, err := csvsource.Read(strings.NewReader(text), "stock.csv", csvsource.Options{})
		if err != nil {
			t.Fatal(err)
		}
		opts.Retry = core.RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
		report, err := svc.Run(context.Background(), src, opts)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		return report
	}

	table := runSync("name,qty\napple,3\npear,4\n", core.SyncOptions{Title: "stock"}).TableRef

	promoted := runSync("name,qty\napple,lots\n", core.SyncOptions{TableRef: table, Merge: true, AllowTypeChange: true})
	if promoted.Updated != 1 || promoted.Failed() != 0 {
		t.Errorf("promoting run updated=%d failed=%d, want 1/0", promoted.Updated, promoted.Failed())
	}

	// Every stored row, touched or not, must still decode under the new schema.
	rows, err := remote.ListRows(context.Background(), table)
	if err != nil {
		t.Fatalf("ListRows() after promotion error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	again := runSync("name,qty\napple,lots\npear,4\n", core.SyncOptions{TableRef: table, Merge: true})
	if again.Created != 0 || again.Updated != 0 || again.Skipped != 2 {
		t.Errorf("merge after promotion created=%d updated=%d skipped=%d, want 0/0/2", again.Created, again.Updated, again.Skipped)
	}
}
