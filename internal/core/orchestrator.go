package core

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the default number of rows written in parallel.
const DefaultConcurrency = 5

// Orchestrator applies a plan to the remote table.
//
// Rows are written by at most Concurrency workers. Entries that target the
// same remote row run sequentially in plan order inside one task, so no two
// writes to a row are ever in flight together. A failing row never cancels
// its siblings; the plan is always drained.
type Orchestrator struct {
	Remote      Remote
	TableRef    string
	Concurrency int
	Retry       RetryPolicy

	ImageMode    ImageMode
	ImageCaption string

	// Links indexes the rows of tables referenced by relation columns.
	Links RelationIndex
	// MissingRelations decides what happens to relation keys with no row
	// in the linked table. The zero value behaves like MissingIgnore.
	MissingRelations MissingAction

	Progress ProgressCallback
	Logger   *slog.Logger
}

type execState struct {
	plan   *Plan
	report *RunReport
	refs   []string // resulting remote ref per entry
	failed []bool
	done   atomic.Int64
	total  int
	pass   int
}

// Execute runs the plan and returns the report. Per-row failures are
// recorded in the report; Execute itself never fails.
func (o *Orchestrator) Execute(ctx context.Context, plan *Plan) *RunReport {
	report := &RunReport{TableRef: o.TableRef}
	report.Failures = append(report.Failures, plan.Failures...)
	report.Warnings = append(report.Warnings, plan.Warnings...)

	st := &execState{
		plan:   plan,
		report: report,
		refs:   make([]string, len(plan.Entries)),
		failed: make([]bool, len(plan.Entries)),
	}

	o.writeRows(ctx, st)
	o.patchRelations(ctx, st)
	return report
}

// tasks groups entry indexes so that updates of one remote row share a task.
func tasks(entries []PlanEntry) [][]int {
	var out [][]int
	pos := make(map[string]int)
	for i, e := range entries {
		switch e.Action {
		case ActionSkip:
			continue
		case ActionUpdate:
			if t, ok := pos[e.RemoteRef]; ok {
				out[t] = append(out[t], i)
				continue
			}
			pos[e.RemoteRef] = len(out)
		}
		out = append(out, []int{i})
	}
	return out
}

func (o *Orchestrator) limit() int {
	if o.Concurrency < 1 {
		return DefaultConcurrency
	}
	return o.Concurrency
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Orchestrator) writeRows(ctx context.Context, st *execState) {
	entries := st.plan.Entries
	st.pass, st.total = 1, len(entries)
	st.done.Store(0)

	for i, e := range entries {
		if e.Action == ActionSkip {
			st.refs[i] = e.RemoteRef
			st.report.record(ActionSkip)
			o.tick(st)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.limit())
	for _, task := range tasks(entries) {
		g.Go(func() error {
			for _, i := range task {
				o.writeEntry(gctx, st, i)
				o.tick(st)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) writeEntry(ctx context.Context, st *execState, i int) {
	e := &st.plan.Entries[i]
	write, err := o.resolveMedia(ctx, e)
	if err != nil {
		o.rowFailed(st, i, "resolve media", err)
		return
	}

	switch e.Action {
	case ActionCreate:
		ref, err := retryValue(WithRequestID(ctx, newRequestID()), o.Retry, func(ctx context.Context) (string, error) {
			return o.Remote.WriteRow(ctx, o.TableRef, write)
		})
		if err != nil {
			o.rowFailed(st, i, "create row", err)
			return
		}
		st.refs[i] = ref
	case ActionUpdate:
		st.refs[i] = e.RemoteRef
		if len(write.Values) > 0 || write.Icon != "" || write.Cover != "" || write.Image != nil {
			err := o.Retry.Do(ctx, func(ctx context.Context) error {
				return o.Remote.UpdateRow(ctx, e.RemoteRef, write)
			})
			if err != nil {
				o.rowFailed(st, i, "update row", err)
				return
			}
		}
	}
	st.report.record(e.Action)
	o.logger().Debug("row synced", "line", e.Line, "key", e.Key, "action", e.Action.String())
}

// resolveMedia uploads the local files of a row and builds its write payload.
// A failing upload fails only this row.
func (o *Orchestrator) resolveMedia(ctx context.Context, e *PlanEntry) (RowWrite, error) {
	write := RowWrite{Values: make(Row, len(e.Values))}
	for id, v := range e.Values {
		files, ok := v.(Files)
		if !ok {
			write.Values[id] = v
			continue
		}
		urls := make(Files, 0, len(files))
		for _, f := range files {
			u, err := o.upload(ctx, f)
			if err != nil {
				return RowWrite{}, err
			}
			urls = append(urls, u)
		}
		write.Values[id] = urls
	}

	if e.Icon != "" {
		icon := e.Icon
		if !IsURL(icon) && looksLikePath(icon) {
			u, err := o.upload(ctx, icon)
			if err != nil {
				return RowWrite{}, err
			}
			icon = u
		}
		write.Icon = icon
	}

	if e.Image != "" {
		src, err := o.upload(ctx, e.Image)
		if err != nil {
			return RowWrite{}, err
		}
		if o.ImageMode == ImageCoverMode {
			write.Cover = src
		} else {
			write.Image = &ImageBlock{Source: src, Caption: o.ImageCaption}
		}
	}
	return write, nil
}

// upload passes URLs through and uploads local files.
func (o *Orchestrator) upload(ctx context.Context, ref string) (string, error) {
	if IsURL(ref) {
		return ref, nil
	}
	return retryValue(ctx, o.Retry, func(ctx context.Context) (string, error) {
		return o.Remote.UploadFile(ctx, ref)
	})
}

func (o *Orchestrator) rowFailed(st *execState, i int, op string, err error) {
	e := st.plan.Entries[i]
	st.failed[i] = true
	st.report.fail(RowFailure{Line: e.Line, Key: e.Key, Err: Wrap(KindRowFailure, op, err)})
	o.logger().Warn("row failed", "line", e.Line, "key", e.Key, "op", op, "error", err)
}

func (o *Orchestrator) tick(st *execState) {
	done := int(st.done.Add(1))
	if o.Progress != nil {
		o.Progress(Progress{Pass: st.pass, Done: done, Total: st.total})
	}
}

// patchRelations is the second pass: with every row created, relation keys
// are resolved to row refs and written. The relation patch is idempotent,
// so it is retried like any other write. Patches of one row run in order
// inside a single task, as in the first pass.
func (o *Orchestrator) patchRelations(ctx context.Context, st *execState) {
	var pending []int
	for i, e := range st.plan.Entries {
		if len(e.Relations) > 0 && !st.failed[i] && st.refs[i] != "" {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return
	}

	index := o.relationIndex(st)
	if o.MissingRelations == MissingAdd {
		o.addMissingLinks(ctx, st, pending, index)
	}

	st.pass, st.total = 2, len(pending)
	st.done.Store(0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.limit())
	for _, group := range byRef(pending, st.refs) {
		g.Go(func() error {
			for _, i := range group {
				o.patchEntry(gctx, st, i, index)
				o.tick(st)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// byRef groups entry indexes by their remote row, keeping plan order within
// each group. Duplicate CSV keys matched to one row land in the same group.
func byRef(indexes []int, refs []string) [][]int {
	var out [][]int
	pos := make(map[string]int)
	for _, i := range indexes {
		if g, ok := pos[refs[i]]; ok {
			out[g] = append(out[g], i)
			continue
		}
		pos[refs[i]] = len(out)
		out = append(out, []int{i})
	}
	return out
}

// relationIndex copies the linked table indexes and adds the rows created
// in this run, so relations within the target table resolve.
func (o *Orchestrator) relationIndex(st *execState) *linkIndex {
	idx := &linkIndex{tables: make(map[string]map[string]string, len(o.Links)+1)}
	for table, keys := range o.Links {
		idx.tables[table] = maps.Clone(keys)
	}
	self := idx.table(o.TableRef)
	for i, e := range st.plan.Entries {
		if e.Action == ActionCreate && !st.failed[i] && st.refs[i] != "" {
			if _, ok := self[e.Key]; !ok {
				self[e.Key] = st.refs[i]
			}
		}
	}
	return idx
}

// addMissingLinks creates title-only rows for keys missing from linked
// tables. It runs before the patch pass, one linked table at a time.
func (o *Orchestrator) addMissingLinks(ctx context.Context, st *execState, pending []int, index *linkIndex) {
	schema := st.plan.Schema
	missing := make(map[string][]string) // linked table -> keys in first-seen order
	seen := make(map[string]bool)
	for _, i := range pending {
		for id, keys := range st.plan.Entries[i].Relations {
			col, _ := schema.Column(id)
			for _, k := range keys {
				if _, ok := index.lookup(col.Relation, k); ok || seen[col.Relation+"\x00"+k] {
					continue
				}
				seen[col.Relation+"\x00"+k] = true
				missing[col.Relation] = append(missing[col.Relation], k)
			}
		}
	}

	for table, keys := range missing {
		linked, err := retryValue(ctx, o.Retry, func(ctx context.Context) (*Schema, error) {
			return o.Remote.GetSchema(ctx, table)
		})
		if err != nil {
			o.logger().Warn("cannot read linked table", "table", table, "error", err)
			continue
		}
		titleID := linked.Title().ID
		for _, k := range keys {
			ref, err := retryValue(WithRequestID(ctx, newRequestID()), o.Retry, func(ctx context.Context) (string, error) {
				return o.Remote.WriteRow(ctx, table, RowWrite{Values: Row{titleID: Text(k)}})
			})
			if err != nil {
				o.logger().Warn("cannot add linked row", "table", table, "key", k, "error", err)
				continue
			}
			index.add(table, k, ref)
		}
	}
}

func (o *Orchestrator) patchEntry(ctx context.Context, st *execState, i int, index *linkIndex) {
	e := st.plan.Entries[i]
	ref := st.refs[i]
	values := make(Row, len(e.Relations))
	for id, keys := range e.Relations {
		col, _ := st.plan.Schema.Column(id)
		refs := make(Relation, 0, len(keys))
		for _, k := range keys {
			target, ok := index.lookup(col.Relation, k)
			if ok {
				refs = append(refs, target)
				continue
			}
			if o.MissingRelations == MissingFail {
				o.rowFailed(st, i, "resolve relations", fmt.Errorf("key %q not found in linked table of column %q", k, col.Name))
				return
			}
			o.logger().Warn("relation key not found, ignored", "line", e.Line, "column", col.Name, "key", k)
		}
		if remote, ok := st.plan.Remote[ref]; ok && ValuesEqual(refs, remote.Values[id]) {
			continue
		}
		values[id] = refs
	}
	if len(values) == 0 {
		return
	}
	err := o.Retry.Do(ctx, func(ctx context.Context) error {
		return o.Remote.UpdateRow(ctx, ref, RowWrite{Values: values})
	})
	if err != nil {
		o.rowFailed(st, i, "patch relations", err)
	}
}

// linkIndex is a concurrency-safe RelationIndex.
type linkIndex struct {
	mu     sync.RWMutex
	tables map[string]map[string]string
}

func (l *linkIndex) table(ref string) map[string]string {
	t, ok := l.tables[ref]
	if !ok {
		t = make(map[string]string)
		l.tables[ref] = t
	}
	return t
}

func (l *linkIndex) lookup(table, key string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ref, ok := l.tables[table][key]
	return ref, ok
}

func (l *linkIndex) add(table, key, ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.table(table)[key] = ref
}
