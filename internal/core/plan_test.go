package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func planSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema([]Column{
		{ID: "t", Name: "a", Type: TypeTitle},
		{ID: "b", Name: "b", Type: TypeNumber},
		{ID: "c", Name: "c", Type: TypeMultiSelect},
	})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return s
}

func mustPlan(t *testing.T, in PlanInput, opts PlanOptions) *Plan {
	t.Helper()
	plan, err := BuildPlan(in, opts)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	return plan
}

func actions(plan *Plan) string {
	parts := make([]string, len(plan.Entries))
	for i, e := range plan.Entries {
		parts[i] = e.Key + ":" + e.Action.String()
	}
	return strings.Join(parts, " ")
}

func TestBuildPlan_CreatesWithoutMerge(t *testing.T) {
	src := csvSource(t, "a,b,c\na1,100,\"x, y\"\na2,1.25,y\na3,bad,\n")
	plan := mustPlan(t, PlanInput{Schema: planSchema(t), Mapping: []string{"t", "b", "c"}, Rows: src}, PlanOptions{})

	if got, want := actions(plan), "a1:create a2:create a3:create"; got != want {
		t.Errorf("actions = %q, want %q", got, want)
	}
	first := plan.Entries[0].Values
	if !ValuesEqual(first["b"], IntNumber(100)) || !ValuesEqual(first["c"], MultiSelect{"x", "y"}) {
		t.Errorf("first row values = %v", first)
	}
	if !ValuesEqual(plan.Entries[1].Values["b"], FloatNumber(1.25)) {
		t.Errorf("second row b = %v, want 1.25", plan.Entries[1].Values["b"])
	}
	if v := plan.Entries[2].Values["b"]; v != nil {
		t.Errorf("third row b = %v, want empty", v)
	}
	if len(plan.Warnings) != 1 || plan.Warnings[0].Line != 4 || plan.Warnings[0].Column != "b" {
		t.Errorf("Warnings = %+v, want one for line 4 column b", plan.Warnings)
	}
	if got := plan.NewOptions["c"]; len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("NewOptions[c] = %v, want [x y]", got)
	}
	col, _ := plan.Schema.Column("c")
	if !col.HasOption("x") || !col.HasOption("y") {
		t.Errorf("plan schema options = %v, want x and y registered", col.Options)
	}
}

func TestBuildPlan_Merge(t *testing.T) {
	existing := []RemoteRow{
		{Ref: "r1", Values: Row{"t": Text("a1"), "b": IntNumber(100)}},
		{Ref: "r2", Values: Row{"t": Text("a2"), "b": IntNumber(5)}},
		{Ref: "r3", Values: Row{"t": Text("a2"), "b": IntNumber(6)}},
	}
	src := csvSource(t, "a,b\na1,100\na2,7\na4,1\n")
	plan := mustPlan(t, PlanInput{Schema: planSchema(t), Mapping: []string{"t", "b"}, Rows: src, Existing: existing},
		PlanOptions{Merge: true})

	if got, want := actions(plan), "a1:skip a2:update a4:create"; got != want {
		t.Errorf("actions = %q, want %q", got, want)
	}
	if plan.Entries[0].Reason != SkipUnchanged {
		t.Errorf("skip reason = %q, want %q", plan.Entries[0].Reason, SkipUnchanged)
	}
	upd := plan.Entries[1]
	if upd.RemoteRef != "r2" {
		t.Errorf("update targets %q, want first created row r2", upd.RemoteRef)
	}
	if len(upd.Values) != 1 || !ValuesEqual(upd.Values["b"], IntNumber(7)) {
		t.Errorf("update values = %v, want only b=7", upd.Values)
	}
}

func TestBuildPlan_DuplicateKeysTrackLastWrite(t *testing.T) {
	existing := []RemoteRow{{Ref: "r1", Values: Row{"t": Text("k"), "b": IntNumber(1)}}}
	src := csvSource(t, "a,b\nk,2\nk,2\nk,3\n")
	plan := mustPlan(t, PlanInput{Schema: planSchema(t), Mapping: []string{"t", "b"}, Rows: src, Existing: existing},
		PlanOptions{Merge: true})

	if got, want := actions(plan), "k:update k:skip k:update"; got != want {
		t.Errorf("actions = %q, want %q", got, want)
	}
	if _, err := BuildPlan(PlanInput{Schema: planSchema(t), Mapping: []string{"t", "b"}, Rows: src, Existing: existing},
		PlanOptions{Merge: true, FailOnDuplicates: true}); !IsFatal(err) {
		t.Errorf("FailOnDuplicates error = %v, want fatal", err)
	}
}

func TestBuildPlan_MergeOptions(t *testing.T) {
	existing := []RemoteRow{{Ref: "r1", Values: Row{"t": Text("a1"), "b": IntNumber(1), "c": MultiSelect{"x"}}}}
	src := csvSource(t, "a,b,c\na1,2,y\nnew,3,z\n")
	in := PlanInput{Schema: planSchema(t), Mapping: []string{"t", "b", "c"}, Rows: src, Existing: existing}

	plan := mustPlan(t, in, PlanOptions{Merge: true, MergeOnly: []string{"c"}, SkipNew: true})
	if got, want := actions(plan), "a1:update new:skip"; got != want {
		t.Errorf("actions = %q, want %q", got, want)
	}
	if _, ok := plan.Entries[0].Values["b"]; ok {
		t.Error("merge-only update should not touch column b")
	}
	if plan.Entries[1].Reason != SkipNewRow {
		t.Errorf("skip reason = %q, want %q", plan.Entries[1].Reason, SkipNewRow)
	}

	_, err := BuildPlan(in, PlanOptions{Merge: true, MergeOnly: []string{"zzz"}})
	if err == nil || !strings.Contains(err.Error(), "Merge only column(s) {'zzz'} not found in csv file") {
		t.Errorf("unknown merge-only column error = %v", err)
	}
}

func TestBuildPlan_RowFailures(t *testing.T) {
	src := csvSource(t, "a,b,c\n,1,x\nk2,,y\nk3,2,z\n")
	plan := mustPlan(t, PlanInput{Schema: planSchema(t), Mapping: []string{"t", "b", "c"}, Rows: src},
		PlanOptions{Mandatory: []string{"b"}})

	if got, want := actions(plan), "k3:create"; got != want {
		t.Errorf("actions = %q, want %q", got, want)
	}
	if len(plan.Failures) != 2 {
		t.Fatalf("Failures = %+v, want 2", plan.Failures)
	}
	if plan.Failures[0].Line != 2 || plan.Failures[1].Line != 3 || plan.Failures[1].Key != "k2" {
		t.Errorf("Failures = %+v", plan.Failures)
	}

	_, err := BuildPlan(PlanInput{Schema: planSchema(t), Mapping: []string{"t", "b", "c"}, Rows: src},
		PlanOptions{Mandatory: []string{"nope"}})
	if err == nil || !strings.Contains(err.Error(), "Mandatory column(s) {'nope'} not found in csv file") {
		t.Errorf("missing mandatory column error = %v", err)
	}
}

func TestBuildPlan_FailOnConversionError(t *testing.T) {
	src := csvSource(t, "a,b\na1,bad\n")
	_, err := BuildPlan(PlanInput{Schema: planSchema(t), Mapping: []string{"t", "b"}, Rows: src},
		PlanOptions{FailOnConversionError: true})
	var ce *ConversionError
	if !IsFatal(err) || !errors.As(err, &ce) {
		t.Errorf("error = %v, want fatal conversion error", err)
	}
}

func TestBuildPlan_Files(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "doc.pdf"), []byte("%PDF"), 0o644); err != nil {
		t.Fatal(err)
	}
	schema, err := NewSchema([]Column{
		{ID: "t", Name: "a", Type: TypeTitle},
		{ID: "f", Name: "f", Type: TypeFile},
	})
	if err != nil {
		t.Fatal(err)
	}
	conv := NewConverter(NewExtensionPolicy(DefaultBannedExtensions), dir)

	src := csvSource(t, "a,f\nk1,\"doc.pdf, https://x.example/a.png, doc.pdf\"\nk2,missing.pdf\n")
	plan := mustPlan(t, PlanInput{Schema: schema, Mapping: []string{"t", "f"}, Rows: src}, PlanOptions{Converter: conv})
	files, _ := plan.Entries[0].Values["f"].(Files)
	if len(files) != 2 || files[0] != filepath.Join(dir, "doc.pdf") {
		t.Errorf("files = %v, want deduplicated local path and url", files)
	}
	if len(plan.Warnings) != 1 || !errors.Is(plan.Warnings[0].Err, ErrFileNotFound) {
		t.Errorf("Warnings = %+v, want file not found", plan.Warnings)
	}

	banned := csvSource(t, "a,f\nk1,doc.pdf\nk2,run.exe\n")
	_, err = BuildPlan(PlanInput{Schema: schema, Mapping: []string{"t", "f"}, Rows: banned}, PlanOptions{Converter: conv})
	if !IsFatal(err) || !errors.Is(err, ErrExtensionNotAllowed) {
		t.Errorf("banned extension error = %v, want fatal ExtensionNotAllowed", err)
	}
}

func TestBuildPlan_Media(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cover.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	conv := NewConverter(NewExtensionPolicy(DefaultBannedExtensions), dir)
	existing := []RemoteRow{{
		Ref:    "r1",
		Values: Row{"t": Text("k1")},
		Icon:   "🚀",
		Image:  &ImageBlock{Source: "https://files.example.com/9/cover.png"},
	}}
	src := csvSource(t, "a,icon,img\nk1,🚀,cover.png\nk2,🐙,https://x.example/i.png\nk3,,gone.png\n")
	plan := mustPlan(t, PlanInput{Schema: planSchema(t), Mapping: []string{"t", "", ""}, Rows: src, Existing: existing},
		PlanOptions{Merge: true, IconColumn: "icon", ImageColumn: "img", Converter: conv})

	if got, want := actions(plan), "k1:skip k2:create"; got != want {
		t.Errorf("actions = %q, want %q", got, want)
	}
	if e := plan.Entries[1]; e.Icon != "🐙" || e.Image != "https://x.example/i.png" {
		t.Errorf("k2 media = %q %q", e.Icon, e.Image)
	}
	if len(plan.Failures) != 1 || plan.Failures[0].Key != "k3" || !errors.Is(plan.Failures[0].Err, ErrFileNotFound) {
		t.Errorf("Failures = %+v, want k3 missing image", plan.Failures)
	}

	_, err := BuildPlan(PlanInput{Schema: planSchema(t), Mapping: []string{"t", "", ""}, Rows: src},
		PlanOptions{IconColumn: "emoji"})
	if err == nil || !strings.Contains(err.Error(), "Icon column 'emoji' not found in csv file") {
		t.Errorf("missing icon column error = %v", err)
	}
}

func TestBuildPlan_Relations(t *testing.T) {
	schema, err := NewSchema([]Column{
		{ID: "t", Name: "a", Type: TypeTitle},
		{ID: "r", Name: "friends", Type: TypeRelation, Relation: "people"},
	})
	if err != nil {
		t.Fatal(err)
	}
	links := RelationIndex{"people": {"bob": "p1", "eve": "p2"}}
	existing := []RemoteRow{
		{Ref: "r1", Values: Row{"t": Text("k1"), "r": Relation{"p2", "p1"}}},
		{Ref: "r2", Values: Row{"t": Text("k2"), "r": Relation{"p1"}}},
	}
	src := csvSource(t, "a,friends\nk1,\"bob, eve\"\nk2,\"bob, zed\"\nk3,eve\n")
	plan := mustPlan(t, PlanInput{Schema: schema, Mapping: []string{"t", "r"}, Rows: src, Existing: existing, Links: links},
		PlanOptions{Merge: true})

	if got, want := actions(plan), "k1:skip k2:update k3:create"; got != want {
		t.Errorf("actions = %q, want %q", got, want)
	}
	for _, e := range plan.Entries {
		if _, ok := e.Values["r"]; ok {
			t.Errorf("%s: relation written in first pass", e.Key)
		}
	}
	if got := plan.Entries[1].Relations["r"]; len(got) != 2 || got[1] != "zed" {
		t.Errorf("k2 relations = %v, want [bob zed]", got)
	}
}
