package client

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseTableRef extracts a table ref from either a bare ref or a table URL
// such as http://host/api/tables/<ref>/rows.
func ParseTableRef(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty table reference")
	}
	if !strings.Contains(s, "://") {
		if strings.Contains(s, "/") {
			return "", fmt.Errorf("invalid table reference %q", s)
		}
		return s, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid table url %q: %w", s, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "tables" && i+1 < len(parts) && parts[i+1] != "" {
			return url.PathUnescape(parts[i+1])
		}
	}
	return "", fmt.Errorf("table url %q has no /tables/<id> segment", s)
}
