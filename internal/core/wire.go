package core

import (
	"encoding/json"
	"fmt"
)

// JSON bodies shared by the REST client and the reference server.

// TablePayload creates a table or describes one.
type TablePayload struct {
	ID      string   `json:"id,omitempty"`
	Parent  string   `json:"parent,omitempty"`
	Title   string   `json:"title"`
	Columns []Column `json:"columns"`
}

// ColumnsPayload carries columns added to a schema.
type ColumnsPayload struct {
	Columns []Column `json:"columns"`
}

// WritePayload is the body of a row create or patch.
type WritePayload struct {
	Values map[string]any `json:"values"`
	Icon   string         `json:"icon,omitempty"`
	Cover  string         `json:"cover,omitempty"`
	Image  *ImageBlock    `json:"image,omitempty"`
}

// RowPayload is a row as served by the remote.
type RowPayload struct {
	ID     string                     `json:"id"`
	Values map[string]json.RawMessage `json:"values"`
	Icon   string                     `json:"icon,omitempty"`
	Cover  string                     `json:"cover,omitempty"`
	Image  *ImageBlock                `json:"image,omitempty"`
}

// RowsPayload lists rows in creation order.
type RowsPayload struct {
	Rows []RowPayload `json:"rows"`
}

// RefPayload returns the ref of a created object.
type RefPayload struct {
	ID string `json:"id"`
}

// FilePayload returns the URL of an uploaded file.
type FilePayload struct {
	URL string `json:"url"`
}

// NewWritePayload encodes a row write.
func NewWritePayload(w RowWrite) WritePayload {
	return WritePayload{Values: EncodeRow(w.Values), Icon: w.Icon, Cover: w.Cover, Image: w.Image}
}

// Decode converts the payload into typed values using schema.
func (p RowPayload) Decode(schema *Schema) (RemoteRow, error) {
	values, err := DecodeRow(schema, p.Values)
	if err != nil {
		return RemoteRow{}, err
	}
	return RemoteRow{Ref: p.ID, Values: values, Icon: p.Icon, Cover: p.Cover, Image: p.Image}, nil
}

// RetypeStored re-encodes a stored value of a column whose type changes
// from one type to another. Null stays null.
func RetypeStored(raw json.RawMessage, from, to ColumnType) (json.RawMessage, error) {
	v, err := DecodeValue(from, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", from, err)
	}
	if v == nil {
		return raw, nil
	}
	nv, err := Retype(v, to)
	if err != nil {
		return nil, err
	}
	enc, ok := EncodeValue(nv)
	if !ok {
		return nil, fmt.Errorf("%q has no %s value", RenderText(v), to)
	}
	return json.Marshal(enc)
}

// TypeChange is a column whose type changes to To.
type TypeChange struct {
	Column Column
	To     ColumnType
}

// RetypeValues converts the stored values of changed columns in place and
// reports whether any value was present. On error values may be partly
// converted and should be discarded.
func RetypeValues(values map[string]json.RawMessage, changes []TypeChange) (bool, error) {
	changed := false
	for _, c := range changes {
		raw, ok := values[c.Column.ID]
		if !ok {
			continue
		}
		nv, err := RetypeStored(raw, c.Column.Type, c.To)
		if err != nil {
			return false, fmt.Errorf("column %q cannot change to %s: %w", c.Column.Name, c.To, err)
		}
		values[c.Column.ID] = nv
		changed = true
	}
	return changed, nil
}
