package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local stores files in a directory served by the web server.
type Local struct {
	dir     string
	baseURL string
}

// NewLocal creates the directory if needed. baseURL is the URL prefix the
// directory is served under, e.g. http://localhost:8080/files.
func NewLocal(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{dir: dir, baseURL: baseURL}, nil
}

// Dir returns the storage directory.
func (l *Local) Dir() string { return l.dir }

// Put writes the file to disk. A short read fails the upload.
func (l *Local) Put(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	key := objectKey(name)
	dst := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("wrote %d of %d bytes", n, size)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("store %s: %w", name, err)
	}
	return joinURL(l.baseURL, key), nil
}
