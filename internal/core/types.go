package core

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// ColumnType is the type of a remote column.
type ColumnType string

const (
	TypeTitle          ColumnType = "title"
	TypeText           ColumnType = "text"
	TypeNumber         ColumnType = "number"
	TypeCheckbox       ColumnType = "checkbox"
	TypeDate           ColumnType = "date"
	TypeSelect         ColumnType = "select"
	TypeMultiSelect    ColumnType = "multi_select"
	TypeEmail          ColumnType = "email"
	TypePhone          ColumnType = "phone_number"
	TypeURL            ColumnType = "url"
	TypeFile           ColumnType = "file"
	TypeCreatedTime    ColumnType = "created_time"
	TypeLastEditedTime ColumnType = "last_edited_time"
	TypeRelation       ColumnType = "relation"
)

// overrideTypes are the types a user may request for a CSV column.
var overrideTypes = []ColumnType{
	TypeCheckbox, TypeDate, TypeMultiSelect, TypeSelect, TypeNumber,
	TypeEmail, TypePhone, TypeURL, TypeText, TypeFile,
	TypeCreatedTime, TypeLastEditedTime,
}

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	return t == TypeTitle || t == TypeRelation || slices.Contains(overrideTypes, t)
}

// ParseOverrideType parses a user supplied type name.
// Title and relation columns cannot be requested explicitly.
func ParseOverrideType(s string) (ColumnType, error) {
	t := ColumnType(strings.TrimSpace(s))
	if !slices.Contains(overrideTypes, t) {
		names := make([]string, len(overrideTypes))
		for i, ot := range overrideTypes {
			names[i] = string(ot)
		}
		return "", fmt.Errorf("invalid type %q, allowed types: %s", s, strings.Join(names, ", "))
	}
	return t, nil
}

// Column is one column of a remote table.
type Column struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Options  []string   `json:"options,omitempty"`
	Relation string     `json:"relation,omitempty"` // linked table ref for relation columns
}

// HasOption reports whether v is a registered select option.
func (c Column) HasOption(v string) bool {
	return slices.Contains(c.Options, v)
}

// Schema is the set of columns of a table. Column names and ids are unique
// and exactly one column is the title (key) column.
type Schema struct {
	columns []Column
	byID    map[string]int
	byName  map[string]int
	title   int
}

// NewSchema validates cols and builds a Schema from them.
func NewSchema(cols []Column) (*Schema, error) {
	s := &Schema{
		columns: make([]Column, 0, len(cols)),
		byID:    make(map[string]int, len(cols)),
		byName:  make(map[string]int, len(cols)),
		title:   -1,
	}
	for _, c := range cols {
		if err := s.add(c); err != nil {
			return nil, err
		}
	}
	if s.title < 0 {
		return nil, fmt.Errorf("schema has no %s column", TypeTitle)
	}
	return s, nil
}

func (s *Schema) add(c Column) error {
	if c.ID == "" {
		return fmt.Errorf("column %q has no id", c.Name)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
	}
	if _, ok := s.byID[c.ID]; ok {
		return fmt.Errorf("duplicate column id %q", c.ID)
	}
	if _, ok := s.byName[c.Name]; ok {
		return fmt.Errorf("duplicate column name %q", c.Name)
	}
	if c.Type == TypeTitle {
		if s.title >= 0 {
			return fmt.Errorf("schema has more than one %s column", TypeTitle)
		}
		s.title = len(s.columns)
	}
	c.Options = slices.Clone(c.Options)
	s.byID[c.ID] = len(s.columns)
	s.byName[c.Name] = len(s.columns)
	s.columns = append(s.columns, c)
	return nil
}

// Columns returns the columns in insertion order.
func (s *Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	for i, c := range s.columns {
		c.Options = slices.Clone(c.Options)
		out[i] = c
	}
	return out
}

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.columns) }

// Column looks a column up by id.
func (s *Schema) Column(id string) (Column, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

// ByName looks a column up by its exact (case-sensitive) name.
func (s *Schema) ByName(name string) (Column, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

// Title returns the key column.
func (s *Schema) Title() Column {
	return s.columns[s.title]
}

// IDs returns every column id.
func (s *Schema) IDs() []string {
	ids := make([]string, len(s.columns))
	for i, c := range s.columns {
		ids[i] = c.ID
	}
	return ids
}

// Clone returns a deep copy of s.
func (s *Schema) Clone() *Schema {
	c, _ := NewSchema(s.Columns())
	return c
}

// addOption appends v to the options of column id if it is not registered yet.
// It reports whether the option was new.
func (s *Schema) addOption(id, v string) bool {
	i, ok := s.byID[id]
	if !ok || s.columns[i].HasOption(v) {
		return false
	}
	s.columns[i].Options = append(s.columns[i].Options, v)
	return true
}

type schemaJSON struct {
	Columns []Column `json:"columns"`
}

// MarshalJSON encodes the schema as an ordered column list.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(schemaJSON{Columns: s.columns})
}

// UnmarshalJSON decodes and validates an ordered column list.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var raw schemaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewSchema(raw.Columns)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// Row maps column ids to typed values.
type Row map[string]Value

// ImageBlock is an image appended to a row's page body.
type ImageBlock struct {
	Source  string `json:"source"`
	Caption string `json:"caption,omitempty"`
}

// RowWrite is the payload of a create or patch call.
// Empty media fields are left untouched on patch.
type RowWrite struct {
	Values Row
	Icon   string
	Cover  string
	Image  *ImageBlock
}

// RemoteRow is a row as read back from the remote table.
type RemoteRow struct {
	Ref    string
	Values Row
	Icon   string
	Cover  string
	Image  *ImageBlock
}

// Key returns the title value of the row.
func (r RemoteRow) Key(schema *Schema) string {
	return keyString(r.Values[schema.Title().ID])
}

// ImageMode selects how an image column is attached to a row.
type ImageMode string

const (
	ImageBlockMode ImageMode = "block"
	ImageCoverMode ImageMode = "cover"
)

// ParseImageMode parses an --image-column-mode value.
func ParseImageMode(s string) (ImageMode, error) {
	switch m := ImageMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ImageBlockMode:
		return ImageBlockMode, nil
	case ImageCoverMode:
		return m, nil
	default:
		return "", fmt.Errorf("invalid image mode %q, must be one of: block, cover", s)
	}
}

// MissingAction selects what happens to items missing on the remote side.
type MissingAction string

const (
	MissingAdd    MissingAction = "add"
	MissingIgnore MissingAction = "ignore"
	MissingFail   MissingAction = "fail"
)

// ParseMissingAction parses an add|ignore|fail option.
func ParseMissingAction(s string) (MissingAction, error) {
	switch a := MissingAction(strings.ToLower(strings.TrimSpace(s))); a {
	case MissingAdd, MissingIgnore, MissingFail:
		return a, nil
	default:
		return "", fmt.Errorf("invalid action %q, must be one of: add, ignore, fail", s)
	}
}
