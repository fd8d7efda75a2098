package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
)

// backend is the slice of Cloud Storage the blob store needs.
type backend interface {
	Write(ctx context.Context, bucket, object string, data []byte, contentType string) error
	CreateBucket(ctx context.Context, bucket, projectID string) error
}

// BlobStore uploads objects into a single bucket with upsert semantics. A missing bucket is
// created on first use and the upload retried exactly once.
type BlobStore struct {
	backend       backend
	bucket        string
	projectID     string
	publicBaseURL string

	createMu sync.Mutex
	created  bool
}

// Options configure a BlobStore.
type Options struct {
	Bucket        string
	ProjectID     string
	PublicBaseURL string
}

// NewBlobStore wraps a Cloud Storage client.
func NewBlobStore(client *storage.Client, opts Options) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return newBlobStore(gcsBackend{client: client}, opts)
}

func newBlobStore(b backend, opts Options) (*BlobStore, error) {
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	return &BlobStore{
		backend:       b,
		bucket:        bucket,
		projectID:     strings.TrimSpace(opts.ProjectID),
		publicBaseURL: strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/"),
	}, nil
}

// Upload writes data to object, replacing any existing object.
func (s *BlobStore) Upload(ctx context.Context, object string, data []byte, contentType string) error {
	object = strings.TrimSpace(object)
	if object == "" {
		return errInvalidObject
	}

	err := s.backend.Write(ctx, s.bucket, object, data, contentType)
	if err == nil || !isBucketMissing(err) {
		return err
	}

	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	return s.backend.Write(ctx, s.bucket, object, data, contentType)
}

// PublicURL returns the retrieval URL for object.
func (s *BlobStore) PublicURL(object string) string {
	segments := strings.Split(strings.TrimPrefix(object, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	escaped := strings.Join(segments, "/")
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + escaped
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, escaped)
}

func (s *BlobStore) ensureBucket(ctx context.Context) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()
	if s.created {
		return nil
	}
	if err := s.backend.CreateBucket(ctx, s.bucket, s.projectID); err != nil && !isConflict(err) {
		return fmt.Errorf("storage: create bucket %s: %w", s.bucket, err)
	}
	s.created = true
	return nil
}

func isBucketMissing(err error) bool {
	if errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func isConflict(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

type gcsBackend struct {
	client *storage.Client
}

func (g gcsBackend) Write(ctx context.Context, bucket, object string, data []byte, contentType string) error {
	writer := g.client.Bucket(bucket).Object(object).NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "private, max-age=0"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func (g gcsBackend) CreateBucket(ctx context.Context, bucket, projectID string) error {
	if projectID == "" {
		return errors.New("storage: project id is required to create a bucket")
	}
	return g.client.Bucket(bucket).Create(ctx, projectID, &storage.BucketAttrs{
		UniformBucketLevelAccess: storage.UniformBucketLevelAccess{Enabled: true},
	})
}
