package core

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// RunTimeout bounds a whole sync run.
var RunTimeout = 2 * time.Hour

// SyncOptions configures one run.
type SyncOptions struct {
	// TableRef targets an existing table. When empty a new table named Title
	// is created under ParentRef.
	TableRef  string
	ParentRef string
	Title     string

	// CustomTypes are positional type names for every non-key column.
	CustomTypes []string

	Merge     bool
	MergeOnly []string
	SkipNew   bool

	MissingColumns           MissingAction
	MissingRelations         MissingAction
	FailOnRelationDuplicates bool
	FailOnDuplicates         bool
	FailOnConversionError    bool
	Mandatory                []string

	IconColumn  string
	IconKeep    bool
	ImageColumn string
	ImageMode   ImageMode
	ImageKeep   bool

	AllowTypeChange bool
	Promote         []string
	Reinterpret     []string

	DryRun bool

	Concurrency      int
	Retry            RetryPolicy
	BannedExtensions []string
	// BaseDir resolves relative file paths, usually the CSV's directory.
	BaseDir string

	Progress ProgressCallback
}

// Service runs syncs against a remote.
type Service struct {
	remote Remote
	logger *slog.Logger
	ids    IDSource
}

// NewService creates a Service. A nil logger uses slog.Default.
func NewService(remote Remote, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{remote: remote, logger: logger, ids: UUIDSource{}}
}

// WithIDSource replaces the id source for new columns.
func (s *Service) WithIDSource(src IDSource) *Service {
	s.ids = src
	return s
}

// Run syncs src into the remote table. A returned error is always fatal
// (KindFatalConfig or KindFatalRemote) and no row has been written; row
// level problems are reported in the RunReport.
func (s *Service) Run(ctx context.Context, src Source, opts SyncOptions) (*RunReport, error) {
	header := src.Header()
	if len(header) == 0 {
		return nil, Errorf(KindFatalConfig, "csv file has no columns")
	}
	if opts.TableRef == "" && opts.Merge {
		s.logger.Info("new table, merge has no effect")
	}

	synced := syncedColumns(header, opts)
	hcols, err := headerColumns(header, synced, opts.CustomTypes)
	if err != nil {
		return nil, err
	}
	if err := collectValues(src, synced, hcols); err != nil {
		return nil, err
	}

	var existing *Schema
	if opts.TableRef != "" {
		existing, err = s.schema(ctx, opts.TableRef, opts.Retry)
		if err != nil {
			return nil, err
		}
	}

	var existingIDs []string
	if existing != nil {
		existingIDs = existing.IDs()
	}
	conv := NewConverter(NewExtensionPolicy(bannedOrDefault(opts.BannedExtensions)), opts.BaseDir)
	rec, err := Reconcile(hcols, existing, ReconcileOptions{
		MissingColumns: opts.MissingColumns,
		AllowPromotion: opts.AllowTypeChange,
		Promote:        opts.Promote,
		Reinterpret:    opts.Reinterpret,
		IDs:            NewIDAllocator(s.ids, existingIDs...),
		Converter:      conv,
	})
	if err != nil {
		return nil, err
	}
	for _, w := range rec.Warnings {
		s.logger.Warn(w.Message, "column", w.Column)
	}
	for j, inf := range rec.Inferred {
		if inf.Failures > 0 {
			s.logger.Warn("values do not convert to column type",
				"column", hcols[j].Name, "type", inf.Type, "failures", inf.Failures)
		}
	}

	mapping := make([]string, len(header))
	for j, pos := range synced {
		mapping[pos] = rec.Mapping[j]
	}

	var rows []RemoteRow
	if existing != nil && (opts.Merge || len(rec.Changed) > 0) {
		stored, err := s.rows(ctx, opts.TableRef, opts.Retry)
		if err != nil {
			return nil, err
		}
		if err := retypeRows(stored, existing, rec.Changed); err != nil {
			return nil, err
		}
		if opts.Merge {
			rows = stored
		}
	}
	links, err := s.links(ctx, rec.Schema, mapping, opts, rows)
	if err != nil {
		return nil, err
	}

	plan, err := BuildPlan(PlanInput{
		Schema:   rec.Schema,
		Mapping:  mapping,
		Rows:     src,
		Existing: rows,
		Links:    links,
	}, PlanOptions{
		Merge:                 opts.Merge && existing != nil,
		MergeOnly:             opts.MergeOnly,
		SkipNew:               opts.SkipNew,
		Mandatory:             opts.Mandatory,
		FailOnDuplicates:      opts.FailOnDuplicates,
		FailOnConversionError: opts.FailOnConversionError,
		IconColumn:            opts.IconColumn,
		ImageColumn:           opts.ImageColumn,
		ImageMode:             opts.ImageMode,
		Converter:             conv,
	})
	if err != nil {
		return nil, err
	}
	for _, w := range plan.Warnings {
		s.logger.Warn("cell left empty", "row", w.Line, "key", w.Key, "column", w.Column, "error", w.Err)
	}
	for _, f := range plan.Failures {
		s.logger.Warn("row rejected", "row", f.Line, "key", f.Key, "error", f.Err)
	}

	if opts.DryRun {
		return dryRunReport(opts.TableRef, plan), nil
	}

	tableRef := opts.TableRef
	if existing == nil {
		tableRef, err = s.createTable(ctx, opts, plan.Schema)
	} else {
		err = s.updateSchema(ctx, tableRef, rec, plan, opts.Retry)
	}
	if err != nil {
		return nil, err
	}

	orch := &Orchestrator{
		Remote:           s.remote,
		TableRef:         tableRef,
		Concurrency:      opts.Concurrency,
		Retry:            opts.Retry,
		ImageMode:        opts.ImageMode,
		ImageCaption:     opts.ImageColumn,
		Links:            links,
		MissingRelations: opts.MissingRelations,
		Progress:         opts.Progress,
		Logger:           s.logger.With("table", tableRef),
	}
	report := orch.Execute(ctx, plan)
	s.logger.Info("sync finished",
		"table", tableRef,
		"created", report.Created,
		"updated", report.Updated,
		"skipped", report.Skipped,
		"failed", report.Failed(),
		"warnings", len(report.Warnings),
	)
	return report, nil
}

// syncedColumns returns the header positions synced as table columns.
// Icon and image columns are dropped unless kept; the key always stays.
func syncedColumns(header []string, opts SyncOptions) []int {
	skip := make(map[string]bool)
	if opts.IconColumn != "" && !opts.IconKeep {
		skip[opts.IconColumn] = true
	}
	if opts.ImageColumn != "" && !opts.ImageKeep {
		skip[opts.ImageColumn] = true
	}
	out := make([]int, 0, len(header))
	for i, name := range header {
		if i > 0 && skip[name] {
			continue
		}
		out = append(out, i)
	}
	return out
}

func headerColumns(header []string, synced []int, custom []string) ([]HeaderColumn, error) {
	cols := make([]HeaderColumn, len(synced))
	for j, pos := range synced {
		cols[j] = HeaderColumn{Name: header[pos]}
	}
	if len(custom) == 0 {
		return cols, nil
	}
	if len(custom) != len(cols)-1 {
		return nil, Errorf(KindFatalConfig,
			"each column (except key) type must be defined in custom types list: got %d types for %d columns",
			len(custom), len(cols)-1)
	}
	for j, name := range custom {
		t, err := ParseOverrideType(name)
		if err != nil {
			return nil, Wrap(KindFatalConfig, "custom types", err)
		}
		cols[j+1].Override = t
	}
	return cols, nil
}

func collectValues(src Source, synced []int, cols []HeaderColumn) error {
	err := src.Each(func(_ int, record []string) error {
		for j, pos := range synced {
			v := ""
			if pos < len(record) {
				v = record[pos]
			}
			cols[j].Values = append(cols[j].Values, v)
		}
		return nil
	})
	if err != nil {
		return Wrap(KindFatalConfig, "read csv", err)
	}
	return nil
}

func (s *Service) schema(ctx context.Context, ref string, retry RetryPolicy) (*Schema, error) {
	schema, err := retryValue(ctx, retry, func(ctx context.Context) (*Schema, error) {
		return s.remote.GetSchema(ctx, ref)
	})
	if IsRemoteKind(err, RemoteNotFound) {
		return nil, Wrap(KindFatalRemote, fmt.Sprintf("table %q not found", ref), err)
	}
	if err != nil {
		return nil, Wrap(KindFatalRemote, fmt.Sprintf("get schema of %q", ref), err)
	}
	return schema, nil
}

func (s *Service) rows(ctx context.Context, ref string, retry RetryPolicy) ([]RemoteRow, error) {
	rows, err := retryValue(ctx, retry, func(ctx context.Context) ([]RemoteRow, error) {
		return s.remote.ListRows(ctx, ref)
	})
	if err != nil {
		return nil, Wrap(KindFatalRemote, fmt.Sprintf("list rows of %q", ref), err)
	}
	return rows, nil
}

// retypeRows converts the stored values of columns changing type, so the
// merge compares like with like. A stored value that does not survive the
// change refuses the whole run before anything is written.
func retypeRows(rows []RemoteRow, existing *Schema, changed []Column) error {
	for _, col := range changed {
		old, _ := existing.Column(col.ID)
		for i := range rows {
			v := rows[i].Values[col.ID]
			if v == nil {
				continue
			}
			nv, err := Retype(v, col.Type)
			if err != nil {
				return Wrap(KindFatalConfig,
					fmt.Sprintf("column %q cannot change from %s to %s: row %s holds %q", col.Name, old.Type, col.Type, rows[i].Ref, RenderText(v)),
					err)
			}
			rows[i].Values = maps.Clone(rows[i].Values)
			rows[i].Values[col.ID] = nv
		}
	}
	return nil
}

// links indexes every table referenced by a synced relation column.
// Within a linked table the first created row wins a duplicated key.
func (s *Service) links(ctx context.Context, schema *Schema, mapping []string, opts SyncOptions, own []RemoteRow) (RelationIndex, error) {
	index := make(RelationIndex)
	for _, id := range mapping {
		if id == "" {
			continue
		}
		col, _ := schema.Column(id)
		if col.Type != TypeRelation || col.Relation == "" {
			continue
		}
		if _, done := index[col.Relation]; done {
			continue
		}

		var (
			linked *Schema
			rows   []RemoteRow
			err    error
		)
		switch {
		case col.Relation == opts.TableRef && opts.Merge:
			linked, rows = schema, own
		case col.Relation == opts.TableRef:
			linked = schema
			rows, err = s.rows(ctx, col.Relation, opts.Retry)
		default:
			if linked, err = s.schema(ctx, col.Relation, opts.Retry); err == nil {
				rows, err = s.rows(ctx, col.Relation, opts.Retry)
			}
		}
		if err != nil {
			return nil, err
		}

		keys := make(map[string]string, len(rows))
		var dups []string
		for _, r := range rows {
			k := r.Key(linked)
			if _, dup := keys[k]; dup {
				if !slices.Contains(dups, k) {
					dups = append(dups, k)
				}
				continue
			}
			keys[k] = r.Ref
		}
		if len(dups) > 0 && opts.FailOnRelationDuplicates {
			return nil, Errorf(KindFatalConfig, "linked table of column %q has duplicate keys: %s", col.Name, quoteList(dups))
		}
		index[col.Relation] = keys
	}
	return index, nil
}

func (s *Service) createTable(ctx context.Context, opts SyncOptions, schema *Schema) (string, error) {
	ref, err := retryValue(WithRequestID(ctx, newRequestID()), opts.Retry, func(ctx context.Context) (string, error) {
		return s.remote.CreateTable(ctx, opts.ParentRef, schema, opts.Title)
	})
	if err != nil {
		return "", Wrap(KindFatalRemote, fmt.Sprintf("create table %q", opts.Title), err)
	}
	s.logger.Info("table created", "table", ref, "title", opts.Title, "columns", schema.Len())
	return ref, nil
}

// updateSchema sends added columns, changed types and new select options.
func (s *Service) updateSchema(ctx context.Context, ref string, rec *Reconciliation, plan *Plan, retry RetryPolicy) error {
	ids := make([]string, 0, len(rec.Added)+len(rec.Changed)+len(plan.NewOptions))
	for _, c := range rec.Added {
		ids = append(ids, c.ID)
	}
	for _, c := range rec.Changed {
		ids = append(ids, c.ID)
	}
	for id := range plan.NewOptions {
		ids = append(ids, id)
	}
	var cols []Column
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if col, ok := plan.Schema.Column(id); ok {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return nil
	}
	// Map iteration above is unordered; keep the schema's column order.
	order := plan.Schema.IDs()
	slices.SortStableFunc(cols, func(a, b Column) int {
		return slices.Index(order, a.ID) - slices.Index(order, b.ID)
	})

	err := retry.Do(ctx, func(ctx context.Context) error {
		return s.remote.UpdateSchema(ctx, ref, cols)
	})
	if err != nil {
		return Wrap(KindFatalRemote, fmt.Sprintf("update schema of %q", ref), err)
	}
	s.logger.Info("schema updated", "table", ref, "added", len(rec.Added), "changed", len(rec.Changed))
	return nil
}

func dryRunReport(ref string, plan *Plan) *RunReport {
	create, update, skip := plan.Counts()
	return &RunReport{
		TableRef: ref,
		DryRun:   true,
		Created:  create,
		Updated:  update,
		Skipped:  skip,
		Failures: slices.Clone(plan.Failures),
		Warnings: slices.Clone(plan.Warnings),
	}
}

func bannedOrDefault(exts []string) []string {
	if exts == nil {
		return DefaultBannedExtensions
	}
	return exts
}
