package core

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Remote is the client of the remote tabular database. Implementations must
// be safe for concurrent use and report failures as *RemoteError.
type Remote interface {
	// GetSchema fails with a not_found RemoteError for unknown tables.
	GetSchema(ctx context.Context, tableRef string) (*Schema, error)
	CreateTable(ctx context.Context, parentRef string, schema *Schema, title string) (string, error)
	// UpdateSchema adds new columns, changes column types and appends
	// select options. It never removes columns or options.
	UpdateSchema(ctx context.Context, tableRef string, columns []Column) error
	// ListRows returns every row in creation order.
	ListRows(ctx context.Context, tableRef string) ([]RemoteRow, error)
	WriteRow(ctx context.Context, tableRef string, row RowWrite) (string, error)
	UpdateRow(ctx context.Context, rowRef string, row RowWrite) error
	// UploadFile uploads a local file and returns its public URL.
	UploadFile(ctx context.Context, localPath string) (string, error)
}

// RetryPolicy bounds retries of transient remote failures.
type RetryPolicy struct {
	// Attempts is the number of retries after the first call.
	Attempts  uint64
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy retries five times starting at 500ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(p.Attempts, b)
}

// Do calls fn until it succeeds, fails with a non-transient error or the
// retries are exhausted. The last error is returned unwrapped.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := retryValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func retryValue[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	return retry.DoValue(ctx, p.backoff(), func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil && IsTransient(err) {
			return v, retry.RetryableError(err)
		}
		return v, err
	})
}
