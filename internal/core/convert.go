package core

// convert.go converts raw CSV cells into typed values.
//
// Every converter trims surrounding whitespace and maps an empty cell to a
// nil Value, except:
//   - checkbox, which never fails and maps anything but "true" to false
//   - created_time/last_edited_time, which fall back to "use current time"
//     when the cell is empty or cannot be parsed

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// DefaultBannedExtensions are file extensions that are never uploaded.
var DefaultBannedExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".msi", ".scr", ".pif", ".cpl",
	".ps1", ".vbs", ".vbe", ".js", ".jse", ".wsf", ".wsh", ".jar",
	".dll", ".sh", ".app", ".apk",
}

// ExtensionPolicy rejects files whose extension is in a deny list.
type ExtensionPolicy struct {
	banned map[string]struct{}
}

// NewExtensionPolicy builds a policy from extensions given as "exe", ".exe" or "*.exe".
func NewExtensionPolicy(exts []string) *ExtensionPolicy {
	p := &ExtensionPolicy{banned: make(map[string]struct{}, len(exts))}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		e = strings.TrimPrefix(e, "*")
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		p.banned[e] = struct{}{}
	}
	return p
}

// Check returns an error wrapping ErrExtensionNotAllowed if name is banned.
func (p *ExtensionPolicy) Check(name string) error {
	if p == nil {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := p.banned[ext]; ok {
		return fmt.Errorf("file extension '*%s' is not allowed to upload: %w", ext, ErrExtensionNotAllowed)
	}
	return nil
}

// Converter turns raw cells into values of a column's type.
type Converter struct {
	// Extensions is consulted for local files in file columns.
	Extensions *ExtensionPolicy

	// BaseDir resolves relative file paths, normally the CSV file's directory.
	BaseDir string
}

// NewConverter creates a converter with the given extension policy and base dir.
func NewConverter(policy *ExtensionPolicy, baseDir string) *Converter {
	return &Converter{Extensions: policy, BaseDir: baseDir}
}

// Convert converts raw to a value of col's type. Failures are returned as
// *ConversionError.
func (c *Converter) Convert(col Column, raw string) (Value, error) {
	v, err := c.convert(col.Type, raw)
	if err != nil {
		return nil, &ConversionError{Column: col.Name, Value: raw, Type: col.Type, Err: err}
	}
	return v, nil
}

func (c *Converter) convert(t ColumnType, raw string) (Value, error) {
	s := strings.TrimSpace(raw)

	switch t {
	case TypeCheckbox:
		return Checkbox(s == "true"), nil
	case TypeCreatedTime, TypeLastEditedTime:
		if s == "" {
			return Timestamp{Now: true}, nil
		}
		d, err := ParseDate(s)
		if err != nil {
			return Timestamp{Now: true}, nil
		}
		return Timestamp{Time: d.Time}, nil
	}

	if s == "" {
		return nil, nil
	}

	switch t {
	case TypeTitle, TypeText, TypeEmail, TypePhone, TypeURL:
		return Text(s), nil
	case TypeNumber:
		return ParseNumber(s)
	case TypeDate:
		return ParseDate(s)
	case TypeSelect:
		return Select(s), nil
	case TypeMultiSelect:
		return MultiSelect(SplitList(s)), nil
	case TypeRelation:
		return Relation(dedupe(SplitList(s))), nil
	case TypeFile:
		return c.convertFiles(s)
	}
	return nil, fmt.Errorf("unsupported column type %q", t)
}

// Retype converts a stored value to column type to. Widenings go through
// [Promote]; any other change re-reads the value's text the way a cell of
// the new type is read. Unlike cell conversion it never falls back: a value
// that would be dropped or guessed at is an error.
func Retype(v Value, to ColumnType) (Value, error) {
	if v == nil {
		return nil, nil
	}
	if p, err := Promote(v, to); err == nil {
		return p, nil
	}
	s := strings.TrimSpace(RenderText(v))
	switch to {
	case TypeTitle, TypeRelation, TypeFile:
		return nil, fmt.Errorf("cannot convert %T to %s", v, to)
	case TypeCheckbox:
		if s != "true" && s != "false" {
			return nil, fmt.Errorf("%q is not true or false", s)
		}
		return Checkbox(s == "true"), nil
	case TypeCreatedTime, TypeLastEditedTime:
		d, err := ParseDate(s)
		if err != nil {
			return nil, err
		}
		return Timestamp{Time: d.Time}, nil
	}
	return (&Converter{}).convert(to, s)
}

// ParseNumber parses a floating point literal, normalizing whole numbers to integers.
func ParseNumber(s string) (Number, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Number{}, ErrNotNumber
	}
	return FloatNumber(f), nil
}

// sentinelZone detects whether a date string carries its own zone: a string
// without one parses to a different instant in this zone than in UTC.
var sentinelZone = time.FixedZone("sentinel", 5*60*60+30*60)

// ParseDate parses a date or timestamp in any common layout. The result keeps
// the zone if the input has one and is naive (UTC) otherwise.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	opts := []dateparse.ParserOption{dateparse.RetryAmbiguousDateWithSwap(true)}

	t, err := dateparse.ParseAny(s, opts...)
	if err != nil {
		return Date{}, ErrInvalidDate
	}
	hasZone := false
	if shifted, err := dateparse.ParseIn(s, sentinelZone, opts...); err == nil {
		hasZone = shifted.Equal(t)
	}
	if !hasZone {
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	}
	hasClock := t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0
	return Date{Time: t, HasZone: hasZone, HasClock: hasClock || hasZone}, nil
}

// SplitList splits a comma separated cell into trimmed, non-empty tokens.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

// convertFiles resolves a comma separated list of URLs and local paths.
// Local paths are made absolute against BaseDir and must exist.
func (c *Converter) convertFiles(s string) (Value, error) {
	entries := dedupe(SplitList(s))
	out := make(Files, 0, len(entries))
	for _, e := range entries {
		if IsURL(e) {
			out = append(out, e)
			continue
		}
		if err := c.Extensions.Check(e); err != nil {
			return nil, err
		}
		path, err := c.resolvePath(e)
		if err != nil {
			return nil, err
		}
		out = append(out, path)
	}
	return out, nil
}

func (c *Converter) resolvePath(p string) (string, error) {
	if !filepath.IsAbs(p) && c.BaseDir != "" {
		p = filepath.Join(c.BaseDir, p)
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%s does not exist: %w", p, ErrFileNotFound)
	}
	return p, nil
}

// IsURL reports whether s is an absolute http(s) URL.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
