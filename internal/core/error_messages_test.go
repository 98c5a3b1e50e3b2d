package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "nil error returns empty",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "key column mismatch",
			err:         Errorf(KindFatalConfig, "key column %q does not exist in remote table", "id"),
			wantCode:    "CFG001",
			wantMessage: "The first CSV column is not the table's key column",
		},
		{
			name:        "type conflict",
			err:         Errorf(KindFatalConfig, "column %q is number in the remote table but text was requested; confirm with reinterpret to change it", "b"),
			wantCode:    "CFG002",
			wantMessage: "A requested column type conflicts with the remote table",
		},
		{
			name:        "banned extension",
			err:         fmt.Errorf("file extension '*.exe' is not allowed to upload: %w", ErrExtensionNotAllowed),
			wantCode:    "FILE001",
			wantMessage: "A file has a banned extension",
		},
		{
			name:        "missing local file",
			err:         fmt.Errorf("/tmp/a.png does not exist: %w", ErrFileNotFound),
			wantCode:    "FILE002",
			wantMessage: "A referenced local file does not exist",
		},
		{
			name:        "remote not found",
			err:         &RemoteError{Kind: RemoteNotFound, Op: "get schema", Status: 404, Err: errors.New("no such table")},
			wantCode:    "REM001",
			wantMessage: "The target table does not exist",
		},
		{
			name:        "transient remote error",
			err:         &RemoteError{Kind: RemoteTransient, Op: "write row", Status: 503, Err: errors.New("busy")},
			wantCode:    "REM003",
			wantMessage: "The remote database is unreachable or busy",
		},
		{
			name:        "unauthorized",
			err:         &RemoteError{Kind: RemotePermanent, Op: "list rows", Status: 401, Err: errors.New("missing token")},
			wantCode:    "REM002",
			wantMessage: "The token was rejected",
		},
		{
			name:        "rate limit",
			err:         errors.New("rate limit exceeded"),
			wantCode:    "RATE001",
			wantMessage: "Too many requests",
		},
		{
			name:        "unknown error returns default",
			err:         errors.New("some random internal error"),
			wantCode:    "ERR000",
			wantMessage: "An unexpected error occurred",
		},
		{
			name:        "case insensitive matching",
			err:         errors.New("DUPLICATE KEY \"a\" in csv file"),
			wantCode:    "CFG006",
			wantMessage: "The same key appears more than once",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("MapError() message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	err := errors.New("too many uploads in progress")
	result := FormatUserError(err)

	expected := "Too many uploads in progress (Code: UPL001). Please wait a moment and try again"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error is not user facing",
			err:  nil,
			want: false,
		},
		{
			name: "known error is user facing",
			err:  errors.New("mandatory column \"b\" is empty"),
			want: true,
		},
		{
			name: "unknown error is not user facing",
			err:  errors.New("random internal error xyz"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsUserFacing(tt.err)
			if got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}
