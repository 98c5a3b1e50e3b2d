package blob

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures an S3 compatible bucket.
type S3Config struct {
	Endpoint string // host or URL; empty uses AWS
	Region   string
	Bucket   string
	KeyID    string
	Secret   string
	// PublicBaseURL overrides the URL objects are served from.
	PublicBaseURL string
}

// S3 stores files in a bucket using path-style addressing.
type S3 struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

// NewS3 creates an S3 store.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, ""),
		UsePathStyle: true,
	}
	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}

	base := cfg.PublicBaseURL
	switch {
	case base != "":
	case endpoint != "":
		base = joinURL(endpoint, cfg.Bucket)
	default:
		base = fmt.Sprintf("https://s3.%s.amazonaws.com/%s", cfg.Region, cfg.Bucket)
	}
	return &S3{client: s3.New(opts), bucket: cfg.Bucket, baseURL: base}, nil
}

// Put uploads the object and returns its URL.
func (s *S3) Put(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	key := objectKey(name)
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("put object %q: %w", key, err)
	}
	return joinURL(s.baseURL, key), nil
}
