package core

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

// ActionKind is the action planned for one CSV row.
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionUpdate
	ActionSkip
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionSkip:
		return "skip"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Skip reasons.
const (
	SkipUnchanged = "unchanged"
	SkipNewRow    = "new row skipped"
)

// PlanEntry is the action for one CSV row.
type PlanEntry struct {
	Line      int
	Key       string
	Action    ActionKind
	RemoteRef string // target row for Update, matched row for Skip

	// Values holds every converted cell for Create and only the changed
	// cells for Update. Relation columns are never part of Values.
	Values Row
	// Relations maps relation column ids to the keys of linked rows. They
	// are written in a second pass once every row exists.
	Relations map[string][]string

	Icon  string // emoji, URL or local file path
	Image string // URL or local file path

	Reason string // why the row is skipped
}

// Plan is the ordered set of actions for one run. It is immutable once
// execution starts.
type Plan struct {
	Schema   *Schema
	Entries  []PlanEntry
	Failures []RowFailure
	Warnings []CellWarning

	// NewOptions lists select options first seen in this run, per column id.
	NewOptions map[string][]string

	// Remote holds the snapshot of every matched remote row by ref.
	Remote map[string]RemoteRow
}

// Counts returns the number of planned creates, updates and skips.
func (p *Plan) Counts() (create, update, skip int) {
	for _, e := range p.Entries {
		switch e.Action {
		case ActionCreate:
			create++
		case ActionUpdate:
			update++
		case ActionSkip:
			skip++
		}
	}
	return create, update, skip
}

// Source is a finite, restartable sequence of CSV records. Each call to
// Each starts over from the first data row.
type Source interface {
	Header() []string
	Each(fn func(line int, record []string) error) error
}

// RelationIndex maps a linked table ref to its rows by key.
type RelationIndex map[string]map[string]string

// PlanInput is everything the planner reads.
type PlanInput struct {
	Schema *Schema
	// Mapping holds the column id for each source header position, or ""
	// when the CSV column is not synced as a column.
	Mapping  []string
	Rows     Source
	Existing []RemoteRow // in remote creation order
	Links    RelationIndex
}

// PlanOptions controls row matching.
type PlanOptions struct {
	Merge     bool
	MergeOnly []string // column names updated on merge; empty means all
	SkipNew   bool

	Mandatory             []string
	FailOnDuplicates      bool
	FailOnConversionError bool

	IconColumn  string
	ImageColumn string
	ImageMode   ImageMode

	Converter *Converter
}

type planner struct {
	in     PlanInput
	opts   PlanOptions
	schema *Schema
	header []string

	titleID    string
	iconIdx    int
	imageIdx   int
	mandatory  []int
	mergeOnly  map[string]bool
	byKey      map[string]string // key -> ref of first created remote row
	snapshots  map[string]RemoteRow
	plan       *Plan
	seenKeys   map[string]int
	newOptions map[string][]string
}

// BuildPlan converts every CSV row and decides whether it is created,
// updated or skipped. Rows are planned in file order. Per-row problems are
// recorded in the plan; the returned error is always fatal.
func BuildPlan(in PlanInput, opts PlanOptions) (*Plan, error) {
	if opts.Converter == nil {
		opts.Converter = NewConverter(NewExtensionPolicy(DefaultBannedExtensions), "")
	}
	p := &planner{
		in:         in,
		opts:       opts,
		schema:     in.Schema.Clone(),
		header:     in.Rows.Header(),
		titleID:    in.Schema.Title().ID,
		iconIdx:    -1,
		imageIdx:   -1,
		byKey:      make(map[string]string),
		snapshots:  make(map[string]RemoteRow),
		seenKeys:   make(map[string]int),
		newOptions: make(map[string][]string),
	}
	if err := p.prepare(); err != nil {
		return nil, err
	}

	p.plan = &Plan{Schema: p.schema, Remote: make(map[string]RemoteRow)}
	err := in.Rows.Each(func(line int, record []string) error {
		return p.row(line, record)
	})
	if err != nil {
		var re *RunError
		if errors.As(err, &re) {
			return nil, err
		}
		return nil, Wrap(KindFatalConfig, "read csv", err)
	}
	p.plan.NewOptions = p.newOptions
	for ref := range p.snapshots {
		p.plan.Remote[ref] = p.snapshots[ref]
	}
	return p.plan, nil
}

func (p *planner) prepare() error {
	find := func(name, what string) (int, error) {
		if i := slices.Index(p.header, name); i >= 0 {
			return i, nil
		}
		return -1, Errorf(KindFatalConfig, "%s column '%s' not found in csv file", what, name)
	}
	var err error
	if p.opts.IconColumn != "" {
		if p.iconIdx, err = find(p.opts.IconColumn, "Icon"); err != nil {
			return err
		}
	}
	if p.opts.ImageColumn != "" {
		if p.imageIdx, err = find(p.opts.ImageColumn, "Image"); err != nil {
			return err
		}
	}

	var missing []string
	for _, name := range p.opts.Mandatory {
		if i := slices.Index(p.header, name); i >= 0 {
			p.mandatory = append(p.mandatory, i)
		} else {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Errorf(KindFatalConfig, "Mandatory column(s) %s not found in csv file", quoteList(missing))
	}

	if len(p.opts.MergeOnly) > 0 {
		p.mergeOnly = make(map[string]bool)
		for _, name := range p.opts.MergeOnly {
			i := slices.Index(p.header, name)
			if i < 0 || p.in.Mapping[i] == "" {
				missing = append(missing, name)
				continue
			}
			p.mergeOnly[p.in.Mapping[i]] = true
		}
		if len(missing) > 0 {
			return Errorf(KindFatalConfig, "Merge only column(s) %s not found in csv file", quoteList(missing))
		}
	}

	remoteDups := make(map[string]bool)
	for _, r := range p.in.Existing {
		key := r.Key(p.schema)
		if _, dup := p.byKey[key]; dup {
			remoteDups[key] = true
			continue
		}
		p.byKey[key] = r.Ref
		p.snapshots[r.Ref] = r
	}
	if p.opts.Merge && p.opts.FailOnDuplicates && len(remoteDups) > 0 {
		keys := make([]string, 0, len(remoteDups))
		for k := range remoteDups {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return Errorf(KindFatalConfig, "remote table has duplicate keys: %s", quoteList(keys))
	}
	return nil
}

func (p *planner) row(line int, record []string) error {
	cell := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return record[i]
	}

	key := strings.TrimSpace(cell(0))
	if key == "" {
		p.fail(line, "", fmt.Errorf("key column %q is empty", p.header[0]))
		return nil
	}
	if prev, dup := p.seenKeys[key]; dup && p.opts.FailOnDuplicates {
		return Errorf(KindFatalConfig, "duplicate key %q in csv file (lines %d and %d)", key, prev, line)
	}
	if _, dup := p.seenKeys[key]; !dup {
		p.seenKeys[key] = line
	}

	for _, i := range p.mandatory {
		if strings.TrimSpace(cell(i)) == "" {
			p.fail(line, key, fmt.Errorf("mandatory column %q is empty", p.header[i]))
			return nil
		}
	}

	values := make(Row)
	relations := make(map[string][]string)
	for i, id := range p.in.Mapping {
		if id == "" {
			continue
		}
		col, _ := p.schema.Column(id)
		raw := cell(i)
		if col.Type == TypeRelation {
			relations[id] = dedupe(SplitList(raw))
			continue
		}
		v, err := p.opts.Converter.Convert(col, raw)
		if err != nil {
			if errors.Is(err, ErrExtensionNotAllowed) {
				return Wrap(KindFatalConfig, fmt.Sprintf("line %d", line), err)
			}
			if i == 0 {
				p.fail(line, key, err)
				return nil
			}
			if p.opts.FailOnConversionError {
				return Wrap(KindFatalConfig, fmt.Sprintf("line %d", line), err)
			}
			p.plan.Warnings = append(p.plan.Warnings, CellWarning{Line: line, Key: key, Column: col.Name, Err: err})
			v = nil
		}
		p.registerOptions(col, v)
		values[id] = v
	}
	values[p.titleID] = Text(key)

	icon, image, err := p.media(cell)
	if err != nil {
		if IsFatal(err) {
			return err
		}
		p.fail(line, key, err)
		return nil
	}

	entry := PlanEntry{Line: line, Key: key, Icon: icon, Image: image}
	ref, matched := p.byKey[key]
	switch {
	case !p.opts.Merge || !matched:
		if p.opts.Merge && p.opts.SkipNew {
			entry.Action, entry.Reason = ActionSkip, SkipNewRow
			break
		}
		entry.Action = ActionCreate
		entry.Values = values
		entry.Relations = nonEmptyRelations(relations)
	default:
		p.diff(&entry, ref, values, relations)
	}
	p.plan.Entries = append(p.plan.Entries, entry)
	return nil
}

// diff fills an Update or Skip entry against the tracked remote snapshot
// and applies the update to the snapshot so later duplicate rows compare
// against the planned state.
func (p *planner) diff(entry *PlanEntry, ref string, values Row, relations map[string][]string) {
	snap := p.snapshots[ref]
	entry.RemoteRef = ref

	changed := make(Row)
	for id, v := range values {
		if id == p.titleID || (p.mergeOnly != nil && !p.mergeOnly[id]) {
			continue
		}
		if !p.settled(id, v, snap.Values[id]) {
			changed[id] = v
		}
	}

	pending := make(map[string][]string)
	for id, keys := range relations {
		if p.mergeOnly != nil && !p.mergeOnly[id] {
			continue
		}
		if !p.relationSettled(id, keys, snap.Values[id]) {
			pending[id] = keys
		}
	}

	if entry.Icon != "" && mediaMatches(entry.Icon, snap.Icon) {
		entry.Icon = ""
	}
	if entry.Image != "" {
		current := snap.Cover
		if p.opts.ImageMode != ImageCoverMode {
			current = ""
			if snap.Image != nil {
				current = snap.Image.Source
			}
		}
		if mediaMatches(entry.Image, current) {
			entry.Image = ""
		}
	}

	if len(changed) == 0 && len(pending) == 0 && entry.Icon == "" && entry.Image == "" {
		entry.Action, entry.Reason = ActionSkip, SkipUnchanged
		return
	}
	entry.Action = ActionUpdate
	entry.Values = changed
	if len(pending) > 0 {
		entry.Relations = pending
	}

	snap.Values = maps.Clone(snap.Values)
	if snap.Values == nil {
		snap.Values = make(Row)
	}
	for id, v := range changed {
		snap.Values[id] = v
	}
	p.snapshots[ref] = snap
}

// settled reports whether the planned value v already matches the remote
// value. Local files match the uploaded URL carrying the same base name.
func (p *planner) settled(id string, v, current Value) bool {
	planned, ok := v.(Files)
	if !ok {
		return ValuesEqual(v, current)
	}
	remote, _ := current.(Files)
	if len(planned) != len(remote) {
		return false
	}
	for i := range planned {
		if !mediaMatches(planned[i], remote[i]) {
			return false
		}
	}
	return true
}

// relationSettled reports whether keys already resolve to exactly the refs
// stored remotely, so no relation patch is needed.
func (p *planner) relationSettled(id string, keys []string, current Value) bool {
	col, _ := p.schema.Column(id)
	index := p.in.Links[col.Relation]
	refs := make(Relation, 0, len(keys))
	for _, k := range keys {
		ref, ok := index[k]
		if !ok {
			return false
		}
		refs = append(refs, ref)
	}
	return ValuesEqual(refs, current)
}

func (p *planner) registerOptions(col Column, v Value) {
	var opts []string
	switch t := v.(type) {
	case Select:
		opts = []string{string(t)}
	case MultiSelect:
		opts = t
	default:
		return
	}
	for _, o := range opts {
		if p.schema.addOption(col.ID, o) {
			p.newOptions[col.ID] = append(p.newOptions[col.ID], o)
		}
	}
}

// media validates the icon and image cells of a row.
func (p *planner) media(cell func(int) string) (icon, image string, err error) {
	if p.iconIdx >= 0 {
		raw := strings.TrimSpace(cell(p.iconIdx))
		if raw != "" && !IsURL(raw) && looksLikePath(raw) {
			if raw, err = p.localMedia(raw); err != nil {
				return "", "", err
			}
		}
		icon = raw
	}
	if p.imageIdx >= 0 {
		raw := strings.TrimSpace(cell(p.imageIdx))
		if raw != "" && !IsURL(raw) {
			if raw, err = p.localMedia(raw); err != nil {
				return "", "", err
			}
		}
		image = raw
	}
	return icon, image, nil
}

func (p *planner) localMedia(raw string) (string, error) {
	conv := p.opts.Converter
	if err := conv.Extensions.Check(raw); err != nil {
		return "", Wrap(KindFatalConfig, "media", err)
	}
	return conv.resolvePath(raw)
}

func (p *planner) fail(line int, key string, err error) {
	p.plan.Failures = append(p.plan.Failures, RowFailure{Line: line, Key: key, Err: Wrap(KindRowFailure, "row skipped", err)})
}

// looksLikePath tells a file reference apart from an emoji icon.
func looksLikePath(s string) bool {
	return strings.ContainsAny(s, `/\`) || filepath.Ext(s) != ""
}

// mediaMatches compares a planned media cell with the value stored remotely.
// Uploaded files keep their base name, so a local path matches a remote URL
// ending in the same name.
func mediaMatches(planned, remote string) bool {
	if planned == remote {
		return true
	}
	if remote == "" || IsURL(planned) {
		return false
	}
	return strings.HasSuffix(remote, "/"+filepath.Base(planned))
}

func nonEmptyRelations(rel map[string][]string) map[string][]string {
	out := make(map[string][]string)
	for id, keys := range rel {
		if len(keys) > 0 {
			out[id] = keys
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
