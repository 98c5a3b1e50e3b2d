// Package blob stores uploaded files and returns the URL they are served at.
package blob

import (
	"context"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store saves file contents under a generated key.
type Store interface {
	// Put stores size bytes read from r as name and returns its public URL.
	Put(ctx context.Context, name string, r io.Reader, size int64) (string, error)
}

// objectKey places name under a fresh id so uploads never collide and the
// URL still ends in the original base name.
func objectKey(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return path.Join(uuid.NewString(), base)
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
