package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/videobot/delivery"
)

// s3API is the subset of the S3 client used by this backend.
type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// s3Presigner generates presigned GET URLs.
type s3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// v4PresignedRequest mirrors the SDK's presigned request shape so fakes do
// not need the signer package.
type v4PresignedRequest struct {
	URL string
}

// presignAdapter wraps the SDK presign client behind s3Presigner.
type presignAdapter struct {
	client *s3.PresignClient
}

func (p *presignAdapter) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: req.URL}, nil
}

// S3 implements Backend against any S3-compatible object store (Wasabi,
// Backblaze B2, MinIO, AWS).
type S3 struct {
	client     s3API
	presigner  s3Presigner
	cfg        S3Config
	maxRetries int
	connected  atomic.Bool
}

// S3Config holds configuration for one S3-compatible backend.
type S3Config struct {
	// Name identifies the backend in logs and metadata (e.g. "wasabi").
	Name string
	// Bucket is the target bucket.
	Bucket string
	// Region is the provider region (e.g. "us-east-1", "us-west-004").
	Region string
	// Endpoint is the provider endpoint URL. Empty means AWS.
	Endpoint string
	// AccessKey and SecretKey are static credentials. When both are empty
	// the default AWS credential chain is used.
	AccessKey string
	SecretKey string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// CDNDomain, when set together with PublicRead, serves public URLs from
	// this domain instead of presigning.
	CDNDomain string
	// PublicRead marks the bucket as world-readable.
	PublicRead bool
	// MaxFileSize rejects uploads larger than this many bytes before
	// transfer. Zero means no limit.
	MaxFileSize int64
}

// NewS3 creates an S3 backend from the given configuration. The backend is
// not connected until Connect succeeds.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("backend name is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for backend %q", cfg.Name)
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for %q: %w", cfg.Name, err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &S3{
		client:     client,
		presigner:  &presignAdapter{client: s3.NewPresignClient(client)},
		cfg:        cfg,
		maxRetries: 3,
	}, nil
}

// NewS3WithClient creates an S3 backend with a pre-configured client.
// Used by tests.
func NewS3WithClient(client s3API, presigner s3Presigner, cfg S3Config) *S3 {
	return &S3{
		client:     client,
		presigner:  presigner,
		cfg:        cfg,
		maxRetries: 3,
	}
}

// Name returns the configured backend name.
func (s *S3) Name() string { return s.cfg.Name }

// Connect probes the bucket with a HeadBucket call.
func (s *S3) Connect(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	})
	if err != nil {
		s.connected.Store(false)
		return fmt.Errorf("%w: probing bucket %q on %q: %v",
			delivery.ErrBackendUnavailable, s.cfg.Bucket, s.cfg.Name, err)
	}
	s.connected.Store(true)
	return nil
}

// Connected reports whether the last Connect succeeded.
func (s *S3) Connected() bool { return s.connected.Load() }

// Upload stores the file at localPath under key with a PutObject call,
// retried with exponential backoff.
func (s *S3) Upload(ctx context.Context, localPath, key string, opts UploadOptions) (*delivery.ObjectInfo, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if s.cfg.MaxFileSize > 0 && stat.Size() > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d on %q",
			delivery.ErrSizeLimitExceeded, stat.Size(), s.cfg.MaxFileSize, s.cfg.Name)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(stat.Size()),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	var etag string
	err = s.retryWithBackoff(ctx, func() error {
		// Reset file position for retry.
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		input.Body = file
		resp, putErr := s.client.PutObject(ctx, input)
		if putErr != nil {
			return putErr
		}
		etag = strings.Trim(aws.ToString(resp.ETag), `"`)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("uploading %q to %q: %w", key, s.cfg.Name, err)
	}

	return &delivery.ObjectInfo{
		Key:          key,
		Size:         stat.Size(),
		ContentType:  opts.ContentType,
		ETag:         etag,
		LastModified: time.Now().UTC(),
		Metadata:     opts.Metadata,
		Backends:     []string{s.cfg.Name},
	}, nil
}

// Download copies the object at key to localPath atomically.
func (s *S3) Download(ctx context.Context, key, localPath string) error {
	body, err := s.Open(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	return writeFileAtomic(localPath, body)
}

// Open returns a reader over the object's bytes.
func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var resp *s3.GetObjectOutput
	err := s.retryWithBackoff(ctx, func() error {
		var getErr error
		resp, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		return mapS3Error(getErr)
	})
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			return nil, delivery.ErrNotFound
		}
		return nil, fmt.Errorf("getting %q from %q: %w", key, s.cfg.Name, err)
	}
	return resp.Body, nil
}

// Stat returns the object's metadata from a HeadObject call.
func (s *S3) Stat(ctx context.Context, key string) (*delivery.ObjectInfo, error) {
	var resp *s3.HeadObjectOutput
	err := s.retryWithBackoff(ctx, func() error {
		var headErr error
		resp, headErr = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		return mapS3Error(headErr)
	})
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			return nil, delivery.ErrNotFound
		}
		return nil, fmt.Errorf("head %q on %q: %w", key, s.cfg.Name, err)
	}

	contentType := aws.ToString(resp.ContentType)
	if contentType == "" {
		contentType = delivery.ContentType(key)
	}

	info := &delivery.ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(resp.ContentLength),
		ContentType: contentType,
		ETag:        strings.Trim(aws.ToString(resp.ETag), `"`),
		Metadata:    resp.Metadata,
		Backends:    []string{s.cfg.Name},
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return info, nil
}

// Delete removes the object. S3 DeleteObject succeeds on missing keys, so
// deletes are naturally idempotent.
func (s *S3) Delete(ctx context.Context, key string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, delErr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		return delErr
	})
	if err != nil {
		return fmt.Errorf("deleting %q from %q: %w", key, s.cfg.Name, err)
	}
	return nil
}

// List returns objects under prefix, paginating until limit is reached.
func (s *S3) List(ctx context.Context, prefix string, limit int) ([]delivery.ObjectInfo, error) {
	var infos []delivery.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %q on %q: %w", prefix, s.cfg.Name, err)
		}
		for _, obj := range page.Contents {
			if limit > 0 && len(infos) >= limit {
				return infos, nil
			}
			key := aws.ToString(obj.Key)
			info := delivery.ObjectInfo{
				Key:         key,
				Size:        aws.ToInt64(obj.Size),
				ContentType: delivery.ContentType(key),
				ETag:        strings.Trim(aws.ToString(obj.ETag), `"`),
				Backends:    []string{s.cfg.Name},
			}
			if obj.LastModified != nil {
				info.LastModified = obj.LastModified.UTC()
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// Presign returns a time-limited GET URL for the object.
func (s *S3) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presigning %q on %q: %w", key, s.cfg.Name, err)
	}
	return req.URL, nil
}

// Stats sums all stored objects by listing the bucket.
func (s *S3) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Backend: s.cfg.Name, Connected: s.Connected()}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing bucket on %q: %w", s.cfg.Name, err)
		}
		for _, obj := range page.Contents {
			stats.TotalFiles++
			stats.TotalBytes += aws.ToInt64(obj.Size)
		}
	}
	return stats, nil
}

// PublicURL builds a CDN URL when the bucket is world-readable and a CDN
// domain is configured.
func (s *S3) PublicURL(key string) (string, bool) {
	if !s.cfg.PublicRead || s.cfg.CDNDomain == "" {
		return "", false
	}
	return "https://" + s.cfg.CDNDomain + "/" + key, true
}

// mapS3Error converts the SDK's typed not-found errors to the package-level
// sentinel so callers never see provider types.
func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return delivery.ErrNotFound
	}
	return err
}

// retryWithBackoff executes the operation with exponential backoff. Not-found
// errors are never retried.
func (s *S3) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, delivery.ErrNotFound) {
			return lastErr
		}

		if attempt < s.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

var _ Backend = (*S3)(nil)
