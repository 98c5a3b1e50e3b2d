// # Error Codes Reference
//
// This file defines user-friendly error messages with codes for support
// reference. The CLI prints them for fatal errors and the server returns them
// in JSON error responses.
//
// Error codes are grouped by category:
//
// # Configuration Errors (CFG001-CFG099)
//
// Problems with the CSV header or the sync options. Nothing was written.
//
//	CFG001 - Key column mismatch: The first CSV column is not the table's key column
//	         Action: Reorder the CSV so the key column comes first
//	         Patterns: "does not exist in remote table", "is not the key column"
//
//	CFG002 - Type conflict: A requested column type conflicts with the remote table
//	         Action: Pass --reinterpret-column NAME to change the column type
//	         Patterns: "confirm with reinterpret", "cannot be reinterpreted"
//
//	CFG003 - Custom types: The custom types list is invalid
//	         Action: Give one type per non-key column
//	         Patterns: "custom types"
//
//	CFG004 - Column not found: A column named in the options is missing from the CSV
//	         Action: Check the column names passed on the command line
//	         Patterns: "not found in csv file"
//
//	CFG005 - Missing columns: CSV columns are missing from the remote table
//	         Action: Use --missing-columns-action add or ignore
//	         Patterns: "columns missing from remote table"
//
//	CFG006 - Duplicate keys: The same key appears more than once
//	         Action: Remove duplicates or drop --fail-on-duplicates
//	         Patterns: "duplicate key"
//
//	CFG007 - Duplicate columns: The CSV header repeats a column name
//	         Action: Rename the column or drop --fail-on-duplicate-csv-columns
//	         Patterns: "duplicate csv column"
//
//	CFG008 - Conversion failed: A cell could not be converted to its column type
//	         Action: Fix the value or drop --fail-on-conversion-error
//	         Patterns: "cannot convert"
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - Extension not allowed: A file has a banned extension
//	          Action: Remove the file or edit the banned extensions list
//	          Patterns: "extension not allowed", "extension_not_allowed", "not allowed to upload"
//
//	FILE002 - File not found: A referenced local file does not exist
//	          Action: Check the path relative to the CSV file
//	          Patterns: "file not found", "does not exist"
//
//	FILE003 - Invalid CSV: The file is not a valid CSV
//	          Action: Ensure the file is comma-separated with consistent quoting
//	          Patterns: "parse error", "invalid csv"
//
//	FILE004 - Empty file: The CSV file has no header
//	          Action: Add a header row naming the columns
//	          Patterns: "has no columns"
//
//	FILE005 - File too large: The file exceeds the upload size limit
//	          Action: Upload a smaller file
//	          Patterns: "file too large"
//
// # Remote Errors (REM001-REM099)
//
//	REM001 - Table not found: The target table does not exist
//	         Action: Check the --url or --table value
//	         Patterns: "not_found", "table not found"
//
//	REM002 - Unauthorized: The token was rejected
//	         Action: Run csvsync auth login or pass --token
//	         Patterns: "status 401", "status 403", "unauthorized"
//
//	REM003 - Remote unavailable: The remote database is unreachable or busy
//	         Action: Please try again in a few moments
//	         Patterns: "transient", "connection refused"
//
//	REM004 - Upload failed: A file could not be uploaded
//	         Action: Check the file and try again
//	         Patterns: "upload_failed"
//
// # Row Errors (ROW001-ROW099)
//
//	ROW001 - Mandatory column empty: A row has no value in a mandatory column
//	         Action: Fill in the value or drop --mandatory-column
//	         Patterns: "mandatory column"
//
//	ROW002 - Empty key: A row has no key value
//	         Action: Fill in the key column
//	         Patterns: "is empty"
//
// # Request Errors (VAL001-VAL099)
//
//	VAL001 - Invalid request: The request body could not be read
//	         Action: Check the request payload
//	         Patterns: "invalid request"
//
//	VAL002 - Invalid value: A value does not match its column type
//	         Action: Check the value against the column type
//	         Patterns: "invalid date", "invalid number"
//
// # Upload Limits (UPL001-UPL099) and Rate Limiting (RATE001)
//
//	UPL001 - System busy: Too many uploads in progress
//	         Action: Please wait a moment and try again
//	         Patterns: "too many uploads"
//
//	UPL002 - Request cancelled: Request was cancelled
//	         Action: Please try again
//	         Patterns: "context canceled"
//
//	UPL003 - Request timeout: Request timed out
//	         Action: Lower --max-threads or try again later
//	         Patterns: "context deadline exceeded"
//
//	RATE001 - Rate limited: Too many requests
//	          Action: Please wait a moment before trying again
//	          Patterns: "rate limit"
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: An unexpected error occurred
//	         Action: Please try again or check the log file
//
// Error patterns are matched case-insensitively using strings.Contains.
// The first matching pattern wins, so more specific patterns are listed
// before general ones.
package core

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgKeyMismatch = UserMessage{
		Message: "The first CSV column is not the table's key column",
		Action:  "Reorder the CSV so the key column comes first",
		Code:    "CFG001",
	}
	msgTypeConflict = UserMessage{
		Message: "A requested column type conflicts with the remote table",
		Action:  "Pass --reinterpret-column NAME to change the column type",
		Code:    "CFG002",
	}
	msgExtension = UserMessage{
		Message: "A file has a banned extension",
		Action:  "Remove the file or edit the banned extensions list",
		Code:    "FILE001",
	}
	msgFileNotFound = UserMessage{
		Message: "A referenced local file does not exist",
		Action:  "Check the path relative to the CSV file",
		Code:    "FILE002",
	}
	msgInvalidCSV = UserMessage{
		Message: "The file is not a valid CSV",
		Action:  "Ensure the file is comma-separated with consistent quoting",
		Code:    "FILE003",
	}
	msgNotFound = UserMessage{
		Message: "The target table does not exist",
		Action:  "Check the --url or --table value",
		Code:    "REM001",
	}
	msgUnauthorized = UserMessage{
		Message: "The token was rejected",
		Action:  "Run csvsync auth login or pass --token",
		Code:    "REM002",
	}
	msgUnavailable = UserMessage{
		Message: "The remote database is unreachable or busy",
		Action:  "Please try again in a few moments",
		Code:    "REM003",
	}
	msgInvalidValue = UserMessage{
		Message: "A value does not match its column type",
		Action:  "Check the value against the column type",
		Code:    "VAL002",
	}
)

// errorPatterns maps technical error patterns (case-insensitive) to user
// messages. Order matters: the first match wins.
var errorPatterns = []errorPattern{
	// Configuration
	{"does not exist in remote table", msgKeyMismatch},
	{"is not the key column", msgKeyMismatch},
	{"confirm with reinterpret", msgTypeConflict},
	{"cannot be reinterpreted", msgTypeConflict},
	{"custom types", UserMessage{
		Message: "The custom types list is invalid",
		Action:  "Give one type per non-key column",
		Code:    "CFG003",
	}},
	{"not found in csv file", UserMessage{
		Message: "A column named in the options is missing from the CSV",
		Action:  "Check the column names passed on the command line",
		Code:    "CFG004",
	}},
	{"columns missing from remote table", UserMessage{
		Message: "CSV columns are missing from the remote table",
		Action:  "Use --missing-columns-action add or ignore",
		Code:    "CFG005",
	}},
	{"duplicate key", UserMessage{
		Message: "The same key appears more than once",
		Action:  "Remove duplicates or drop --fail-on-duplicates",
		Code:    "CFG006",
	}},
	{"duplicate csv column", UserMessage{
		Message: "The CSV header repeats a column name",
		Action:  "Rename the column or drop --fail-on-duplicate-csv-columns",
		Code:    "CFG007",
	}},
	{"cannot convert", UserMessage{
		Message: "A cell could not be converted to its column type",
		Action:  "Fix the value or drop --fail-on-conversion-error",
		Code:    "CFG008",
	}},

	// Files
	{"extension not allowed", msgExtension},
	{"extension_not_allowed", msgExtension},
	{"not allowed to upload", msgExtension},
	{"file not found", msgFileNotFound},
	{"does not exist", msgFileNotFound},
	{"parse error", msgInvalidCSV},
	{"invalid csv", msgInvalidCSV},
	{"has no columns", UserMessage{
		Message: "The CSV file has no header",
		Action:  "Add a header row naming the columns",
		Code:    "FILE004",
	}},
	{"file too large", UserMessage{
		Message: "The file exceeds the upload size limit",
		Action:  "Upload a smaller file",
		Code:    "FILE005",
	}},

	// Remote
	{"not_found", msgNotFound},
	{"table not found", msgNotFound},
	{"status 401", msgUnauthorized},
	{"status 403", msgUnauthorized},
	{"unauthorized", msgUnauthorized},
	{"upload_failed", UserMessage{
		Message: "A file could not be uploaded",
		Action:  "Check the file and try again",
		Code:    "REM004",
	}},
	{"too many uploads", UserMessage{
		Message: "Too many uploads in progress",
		Action:  "Please wait a moment and try again",
		Code:    "UPL001",
	}},
	{"rate limit", UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
	}},
	{"transient", msgUnavailable},
	{"connection refused", msgUnavailable},

	// Rows
	{"mandatory column", UserMessage{
		Message: "A row has no value in a mandatory column",
		Action:  "Fill in the value or drop --mandatory-column",
		Code:    "ROW001",
	}},
	{"is empty", UserMessage{
		Message: "A row has no key value",
		Action:  "Fill in the key column",
		Code:    "ROW002",
	}},

	// Requests
	{"invalid request", UserMessage{
		Message: "The request body could not be read",
		Action:  "Check the request payload",
		Code:    "VAL001",
	}},
	{"invalid date", msgInvalidValue},
	{"invalid number", msgInvalidValue},

	{"context canceled", UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "UPL002",
	}},
	{"context deadline exceeded", UserMessage{
		Message: "Request timed out",
		Action:  "Lower --max-threads or try again later",
		Code:    "UPL003",
	}},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or check the log file",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. It
// returns the first matching pattern, or ERR000.
//
// Example:
//
//	msg := MapError(errors.New(`key column "id" does not exist in remote table`))
//	// msg.Code == "CFG001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern rather than the
// ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
