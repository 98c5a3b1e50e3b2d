package core

import (
	"fmt"
	"slices"
	"strings"
)

// TitleColumnID is the id of the key column of tables created by a sync.
const TitleColumnID = "title"

// HeaderColumn is one CSV column as seen by the reconciler.
type HeaderColumn struct {
	Name     string
	Override ColumnType // empty when no override was requested
	Values   []string   // sample values used for inference
}

// ReconcileOptions controls how a CSV header is merged into a remote schema.
type ReconcileOptions struct {
	// MissingColumns decides what happens to CSV columns absent remotely.
	// The zero value behaves like MissingAdd.
	MissingColumns MissingAction

	// AllowPromotion lets every matched column widen its remote type.
	AllowPromotion bool
	// Promote lists column names allowed to widen their remote type.
	Promote []string
	// Reinterpret lists column names whose override may replace a
	// conflicting remote type.
	Reinterpret []string

	IDs *IDAllocator
	// Converter counts conversion failures. Nil skips file checks.
	Converter *Converter
}

// SchemaWarning is a non-fatal note produced while reconciling.
type SchemaWarning struct {
	Column  string
	Message string
}

// Reconciliation is the outcome of [Reconcile].
type Reconciliation struct {
	// Schema is the target schema: every remote column plus added ones.
	Schema *Schema
	// Mapping holds the column id for each header position, or "" when the
	// CSV column is ignored.
	Mapping []string
	// Added are new columns that must be created remotely.
	Added []Column
	// Changed are existing columns whose type changes.
	Changed []Column
	// Inferred holds the inference result for every header position.
	Inferred []InferredType
	Warnings []SchemaWarning
}

// Reconcile builds the target schema for header. With a nil existing schema a
// fresh schema is created whose first column is the title. Otherwise the
// remote schema is extended add-only: matched columns keep their id and type,
// unmatched CSV columns are appended, remote-only columns are left alone.
func Reconcile(header []HeaderColumn, existing *Schema, opts ReconcileOptions) (*Reconciliation, error) {
	if len(header) == 0 {
		return nil, Errorf(KindFatalConfig, "csv file has no columns")
	}
	names := make(map[string]struct{}, len(header))
	for _, h := range header {
		if _, dup := names[h.Name]; dup {
			return nil, Errorf(KindFatalConfig, "duplicate csv column %q", h.Name)
		}
		names[h.Name] = struct{}{}
	}
	if opts.IDs == nil {
		var existingIDs []string
		if existing != nil {
			existingIDs = existing.IDs()
		}
		opts.IDs = NewIDAllocator(UUIDSource{}, existingIDs...)
	}

	rec := &Reconciliation{
		Mapping:  make([]string, len(header)),
		Inferred: make([]InferredType, len(header)),
	}
	if existing == nil {
		return rec, rec.fresh(header, opts)
	}
	return rec, rec.merge(header, existing, opts)
}

func (rec *Reconciliation) fresh(header []HeaderColumn, opts ReconcileOptions) error {
	opts.IDs.Reserve(TitleColumnID)
	cols := make([]Column, 0, len(header))
	for i, h := range header {
		if i == 0 {
			rec.Inferred[i] = InferredType{Type: TypeTitle}
			rec.Mapping[i] = TitleColumnID
			cols = append(cols, Column{ID: TitleColumnID, Name: h.Name, Type: TypeTitle})
			continue
		}
		inf := inferWith(opts.Converter, h.Name, h.Values, h.Override)
		rec.Inferred[i] = inf
		col := Column{ID: opts.IDs.Next(), Name: h.Name, Type: inf.Type}
		rec.Mapping[i] = col.ID
		cols = append(cols, col)
		rec.Added = append(rec.Added, col)
	}
	schema, err := NewSchema(cols)
	if err != nil {
		return Wrap(KindFatalConfig, "invalid schema", err)
	}
	rec.Schema = schema
	return nil
}

func (rec *Reconciliation) merge(header []HeaderColumn, existing *Schema, opts ReconcileOptions) error {
	title := existing.Title()
	key := header[0].Name
	if col, ok := existing.ByName(key); !ok {
		return Errorf(KindFatalConfig, "key column %q does not exist in remote table", key)
	} else if col.ID != title.ID {
		return Errorf(KindFatalConfig, "remote column %q is not the key column", key)
	}
	rec.Mapping[0] = title.ID
	rec.Inferred[0] = InferredType{Type: TypeTitle}

	cols := existing.Columns()
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[c.ID] = i
	}

	var missing []string
	for i, h := range header[1:] {
		pos := i + 1
		col, ok := existing.ByName(h.Name)
		if !ok {
			switch opts.MissingColumns {
			case MissingIgnore:
				rec.Warnings = append(rec.Warnings, SchemaWarning{Column: h.Name, Message: "column not in remote table, ignored"})
				continue
			case MissingFail:
				missing = append(missing, h.Name)
				continue
			}
			inf := inferWith(opts.Converter, h.Name, h.Values, h.Override)
			rec.Inferred[pos] = inf
			nc := Column{ID: opts.IDs.Next(), Name: h.Name, Type: inf.Type}
			rec.Mapping[pos] = nc.ID
			rec.Added = append(rec.Added, nc)
			cols = append(cols, nc)
			continue
		}

		rec.Mapping[pos] = col.ID
		target, err := resolveExistingType(h, col, opts)
		if err != nil {
			return err
		}
		rec.Inferred[pos] = InferredType{Type: target, Failures: countFailures(opts.Converter, target, h.Values)}
		if target != col.Type {
			col.Type = target
			cols[index[col.ID]] = col
			rec.Changed = append(rec.Changed, col)
			rec.Warnings = append(rec.Warnings, SchemaWarning{
				Column:  h.Name,
				Message: fmt.Sprintf("column type changes to %s", target),
			})
		}
	}
	if len(missing) > 0 {
		return Errorf(KindFatalConfig, "columns missing from remote table: %s", quoteList(missing))
	}

	schema, err := NewSchema(cols)
	if err != nil {
		return Wrap(KindFatalConfig, "invalid schema", err)
	}
	rec.Schema = schema
	return nil
}

// resolveExistingType decides the type a matched column is synced as.
func resolveExistingType(h HeaderColumn, col Column, opts ReconcileOptions) (ColumnType, error) {
	if h.Override != "" && h.Override != col.Type {
		if !slices.Contains(opts.Reinterpret, h.Name) {
			return "", Errorf(KindFatalConfig,
				"column %q is %s in the remote table but %s was requested; confirm with reinterpret to change it",
				h.Name, col.Type, h.Override)
		}
		if col.Type == TypeTitle || col.Type == TypeRelation {
			return "", Errorf(KindFatalConfig, "column %q of type %s cannot be reinterpreted", h.Name, col.Type)
		}
		return h.Override, nil
	}
	if h.Override != "" {
		return col.Type, nil
	}

	if !opts.AllowPromotion && !slices.Contains(opts.Promote, h.Name) {
		return col.Type, nil
	}
	if countFailures(opts.Converter, col.Type, h.Values) == 0 {
		return col.Type, nil
	}
	inferred := Infer(h.Name, h.Values, "")
	if wider, ok := WidenType(col.Type, inferred.Type); ok {
		return wider, nil
	}
	return col.Type, nil
}

// WidenType returns the narrowest type that holds every value of both a and
// b without loss, if one exists. Title, relation, file and timestamp columns
// never change type.
func WidenType(a, b ColumnType) (ColumnType, bool) {
	if a == b {
		return a, true
	}
	fixed := func(t ColumnType) bool {
		switch t {
		case TypeTitle, TypeRelation, TypeFile, TypeCreatedTime, TypeLastEditedTime:
			return true
		}
		return false
	}
	if fixed(a) || fixed(b) {
		return "", false
	}
	if (a == TypeSelect && b == TypeMultiSelect) || (a == TypeMultiSelect && b == TypeSelect) {
		return TypeMultiSelect, true
	}
	return TypeText, true
}

func quoteList(items []string) string {
	q := make([]string, len(items))
	for i, it := range items {
		q[i] = fmt.Sprintf("'%s'", it)
	}
	return "{" + strings.Join(q, ", ") + "}"
}
