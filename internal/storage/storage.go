package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/metrics"
)

// Content types assigned by extension. Anything else is uploaded untyped.
const (
	ContentTypeHLSPlaylist = "application/vnd.apple.mpegurl"
	ContentTypeMPEGTS      = "video/mp2t"
	ContentTypeMP4         = "video/mp4"
	ContentTypeJPEG        = "image/jpeg"
)

// DefaultUploadConcurrency bounds parallel object uploads within one tree
const DefaultUploadConcurrency = 4

// Backend is the object store surface the transfer layer is built on.
// Implementations must return an error carrying apperr.CodeNotFound when the
// object does not exist.
type Backend interface {
	Name() string
	Exists(ctx context.Context, bucket, key string) (bool, error)
	DownloadFile(ctx context.Context, bucket, key, filePath string) (int64, error)
	UploadFile(ctx context.Context, bucket, key, filePath, contentType string) (int64, error)
	EnsureBucket(ctx context.Context, bucket string) error
}

// Storage moves single objects and whole directory trees between the local
// filesystem and the object store
type Storage struct {
	backend           Backend
	metrics           *metrics.Metrics
	logger            *logging.Logger
	uploadConcurrency int
}

// New wraps a backend
func New(backend Backend, m *metrics.Metrics, logger *logging.Logger) *Storage {
	return &Storage{
		backend:           backend,
		metrics:           m,
		logger:            logger,
		uploadConcurrency: DefaultUploadConcurrency,
	}
}

// NewFromConfig builds the configured backend (minio or s3)
func NewFromConfig(ctx context.Context, cfg config.StorageConfig, m *metrics.Metrics, logger *logging.Logger) (*Storage, error) {
	var (
		backend Backend
		err     error
	)

	switch cfg.Backend {
	case "", "minio":
		backend, err = NewMinioBackend(cfg)
	case "s3":
		backend, err = NewS3Backend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return New(backend, m, logger), nil
}

// SetUploadConcurrency sets how many objects of a tree upload in parallel
func (s *Storage) SetUploadConcurrency(n int) {
	if n > 0 {
		s.uploadConcurrency = n
	}
}

// EnsureBucket creates bucket if it does not exist
func (s *Storage) EnsureBucket(ctx context.Context, bucket string) error {
	if err := s.backend.EnsureBucket(ctx, bucket); err != nil {
		return apperr.Wrap(err, apperr.CodeStorage, "storage.ensure_bucket", bucket)
	}
	return nil
}

// Exists reports whether an object exists
func (s *Storage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	start := time.Now()
	ok, err := s.backend.Exists(ctx, bucket, key)
	s.observe("stat", bucket, key, 0, start, err)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeStorage, "storage.stat", bucket+"/"+key)
	}
	return ok, nil
}

// DownloadFile fetches an object into filePath. A missing object yields
// an error with apperr.CodeNotFound.
func (s *Storage) DownloadFile(ctx context.Context, bucket, key, filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return apperr.Wrap(err, apperr.CodeFilesystem, "storage.download", filePath)
	}

	start := time.Now()
	n, err := s.backend.DownloadFile(ctx, bucket, key, filePath)
	s.observe("download", bucket, key, n, start, err)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeStorage, "storage.download", bucket+"/"+key)
	}
	return nil
}

// UploadFile stores a local file under key. An empty contentType leaves the
// object untyped.
func (s *Storage) UploadFile(ctx context.Context, bucket, key, filePath, contentType string) error {
	start := time.Now()
	n, err := s.backend.UploadFile(ctx, bucket, key, filePath, contentType)
	s.observe("upload", bucket, key, n, start, err)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeStorage, "storage.upload", bucket+"/"+key)
	}
	return nil
}

// UploadTree uploads every regular file under dir to prefix+relativePath,
// inferring content types by extension. Files named in uploadLast (paths
// relative to dir) are uploaded after everything else succeeded, in order.
func (s *Storage) UploadTree(ctx context.Context, bucket, prefix, dir string, uploadLast ...string) error {
	deferred := make(map[string]bool, len(uploadLast))
	for _, rel := range uploadLast {
		deferred[filepath.ToSlash(rel)] = true
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if !deferred[filepath.ToSlash(rel)] {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return apperr.Wrap(err, apperr.CodeFilesystem, "storage.upload_tree", dir)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.uploadConcurrency)
	for _, rel := range files {
		rel := rel
		g.Go(func() error {
			return s.uploadRel(gctx, bucket, prefix, dir, rel)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, rel := range uploadLast {
		if err := s.uploadRel(ctx, bucket, prefix, dir, filepath.FromSlash(rel)); err != nil {
			return err
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"bucket": bucket,
		"prefix": prefix,
		"files":  len(files) + len(uploadLast),
	}).Info("Uploaded directory tree")

	return nil
}

func (s *Storage) uploadRel(ctx context.Context, bucket, prefix, dir, rel string) error {
	key := prefix + filepath.ToSlash(rel)
	path := filepath.Join(dir, rel)
	return s.UploadFile(ctx, bucket, key, path, ContentType(path))
}

func (s *Storage) observe(op, bucket, key string, n int64, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordStorageOperation(op, n, err)
	}
	s.logger.LogStorageOperation(op, bucket, key, n, time.Since(start), err)
}

// ContentType returns the content type for an HLS output file, or "" when
// the extension is not one the player contract names
func ContentType(filePath string) string {
	switch filepath.Ext(filePath) {
	case ".m3u8":
		return ContentTypeHLSPlaylist
	case ".ts":
		return ContentTypeMPEGTS
	case ".mp4":
		return ContentTypeMP4
	default:
		return ""
	}
}

// notFound builds the structured missing-object error backends return
func notFound(backend, bucket, key string, cause error) error {
	return &apperr.Error{
		Code:    apperr.CodeNotFound,
		Op:      backend,
		Message: fmt.Sprintf("object %s/%s does not exist", bucket, key),
		Err:     cause,
	}
}
