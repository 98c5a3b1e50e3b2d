package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/JonMunkholm/csvsync/internal/core"
)

// UploadFile streams a local file to the server and returns its public URL.
func (c *Client) UploadFile(ctx context.Context, localPath string) (string, error) {
	const op = "upload file"
	f, err := os.Open(localPath)
	if err != nil {
		return "", &core.RemoteError{Kind: core.RemoteUploadFailed, Op: op, Err: err}
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(localPath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var out core.FilePayload
	err = c.do(ctx, op, http.MethodPost, "/api/files", pr, mw.FormDataContentType(), &out)
	// Unblock the writer goroutine if the request ended early.
	pr.CloseWithError(errors.New("upload aborted"))
	if err != nil {
		var re *core.RemoteError
		if errors.As(err, &re) && re.Kind == core.RemotePermanent {
			re.Kind = core.RemoteUploadFailed
		}
		return "", err
	}
	if out.URL == "" {
		return "", &core.RemoteError{Kind: core.RemoteUploadFailed, Op: op, Err: fmt.Errorf("no url returned for %s", localPath)}
	}
	return out.URL, nil
}
