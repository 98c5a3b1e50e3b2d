package core

import (
	"net/mail"
	"regexp"
	"strings"
)

// InferredType is the result of sampling a column.
type InferredType struct {
	Type ColumnType
	// Failures counts non-empty values that do not convert under Type.
	Failures int
}

// inferenceOrder is the candidate preference order; text always matches.
var inferenceOrder = []ColumnType{
	TypeCheckbox, TypeNumber, TypeDate, TypeSelect, TypeMultiSelect,
	TypeEmail, TypePhone, TypeURL,
}

// maxInferredOptions caps the distinct values a column may have to be
// inferred as select or multi_select.
const maxInferredOptions = 25

var phoneRegex = regexp.MustCompile(`^\+?[0-9][0-9 ().\-]{5,}[0-9]$`)

// Infer picks a column type for the given sample values. A valid override
// wins outright; its Failures count is still reported. Without an override,
// the first candidate that accepts every non-empty value wins and text is
// the fallback. Columns with no non-empty values are text.
func Infer(name string, values []string, override ColumnType) InferredType {
	return inferWith(nil, name, values, override)
}

// inferWith is [Infer] counting override failures with conv.
func inferWith(conv *Converter, name string, values []string, override ColumnType) InferredType {
	if override != "" && override.Valid() {
		return InferredType{Type: override, Failures: countFailures(conv, override, values)}
	}

	nonEmpty := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			nonEmpty = append(nonEmpty, v)
		}
	}
	if len(nonEmpty) == 0 {
		return InferredType{Type: TypeText}
	}

	for _, candidate := range inferenceOrder {
		if acceptsAll(candidate, nonEmpty) {
			return InferredType{Type: candidate}
		}
	}
	return InferredType{Type: TypeText}
}

// countFailures counts non-empty values that fail conversion under t.
// Without a converter file columns count nothing, since paths resolve
// against the run's base directory.
func countFailures(conv *Converter, t ColumnType, values []string) int {
	if conv == nil {
		if t == TypeFile {
			return 0
		}
		conv = &Converter{}
	}
	failures := 0
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if _, err := conv.convert(t, v); err != nil {
			failures++
		}
	}
	return failures
}

// acceptsAll reports whether every value is a plausible instance of t.
// Types whose converter never fails (checkbox, select, text-likes) need a
// stricter shape check here, or they would always win.
func acceptsAll(t ColumnType, values []string) bool {
	switch t {
	case TypeCheckbox:
		for _, v := range values {
			if v != "true" && v != "false" {
				return false
			}
		}
		return true

	case TypeNumber:
		for _, v := range values {
			if _, err := ParseNumber(v); err != nil {
				return false
			}
		}
		return true

	case TypeDate:
		for _, v := range values {
			if _, err := ParseDate(v); err != nil {
				return false
			}
		}
		return true

	case TypeSelect:
		distinct := make(map[string]struct{})
		for _, v := range values {
			if strings.Contains(v, ",") {
				return false
			}
			distinct[v] = struct{}{}
		}
		return len(values) > 1 && len(distinct) <= maxInferredOptions && len(distinct)*2 <= len(values)

	case TypeMultiSelect:
		distinct := make(map[string]struct{})
		tokens, hasList := 0, false
		for _, v := range values {
			parts := SplitList(v)
			if len(parts) > 1 {
				hasList = true
			}
			for _, p := range parts {
				distinct[p] = struct{}{}
				tokens++
			}
		}
		return hasList && len(distinct) <= maxInferredOptions && len(distinct) < tokens

	case TypeEmail:
		for _, v := range values {
			addr, err := mail.ParseAddress(v)
			if err != nil || addr.Address != v {
				return false
			}
		}
		return true

	case TypePhone:
		for _, v := range values {
			if !phoneRegex.MatchString(v) {
				return false
			}
		}
		return true

	case TypeURL:
		for _, v := range values {
			if !IsURL(v) {
				return false
			}
		}
		return true
	}
	return false
}
