package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/metrics"
)

type putRecord struct {
	key         string
	contentType string
}

type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []putRecord
	failPut map[string]error
	statErr error
}

func newMemBackend() *memBackend {
	return &memBackend{objects: map[string][]byte{}, failPut: map[string]error{}}
}

func (b *memBackend) Name() string { return "mem" }

func (b *memBackend) EnsureBucket(ctx context.Context, bucket string) error { return nil }

func (b *memBackend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if b.statErr != nil {
		return false, b.statErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[bucket+"/"+key]
	return ok, nil
}

func (b *memBackend) DownloadFile(ctx context.Context, bucket, key, filePath string) (int64, error) {
	b.mu.Lock()
	data, ok := b.objects[bucket+"/"+key]
	b.mu.Unlock()
	if !ok {
		return 0, notFound(b.Name(), bucket, key, nil)
	}
	return int64(len(data)), os.WriteFile(filePath, data, 0644)
}

func (b *memBackend) UploadFile(ctx context.Context, bucket, key, filePath, contentType string) (int64, error) {
	if err, ok := b.failPut[key]; ok {
		return 0, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[bucket+"/"+key] = data
	b.puts = append(b.puts, putRecord{key: key, contentType: contentType})
	return int64(len(data)), nil
}

func newTestStorage(t *testing.T) (*Storage, *memBackend, *metrics.Metrics) {
	t.Helper()
	backend := newMemBackend()
	m := metrics.New()
	return New(backend, m, logging.Nop()), backend, m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestContentType(t *testing.T) {
	tests := []struct {
		filePath string
		wantType string
	}{
		{"a.m3u8", "application/vnd.apple.mpegurl"},
		{"out_0/prog.m3u8", "application/vnd.apple.mpegurl"},
		{"b.ts", "video/mp2t"},
		{"c.mp4", "video/mp4"},
		{"d.bin", ""},
		{"thumb.jpg", ""},
	}

	for _, tt := range tests {
		t.Run(tt.filePath, func(t *testing.T) {
			assert.Equal(t, tt.wantType, ContentType(tt.filePath))
		})
	}
}

func TestUploadTree_KeysAndContentTypes(t *testing.T) {
	s, backend, m := newTestStorage(t)
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "a.m3u8"), "#EXTM3U")
	writeFile(t, filepath.Join(dir, "b.ts"), "ts")
	writeFile(t, filepath.Join(dir, "c.mp4"), "mp4")
	writeFile(t, filepath.Join(dir, "d.bin"), "bin")
	writeFile(t, filepath.Join(dir, "out_1", "seg_000.ts"), "seg")

	err := s.UploadTree(context.Background(), "vod", "hls/v1/", dir)
	require.NoError(t, err)

	got := map[string]string{}
	for _, p := range backend.puts {
		got[p.key] = p.contentType
	}
	assert.Equal(t, map[string]string{
		"hls/v1/a.m3u8":           ContentTypeHLSPlaylist,
		"hls/v1/b.ts":             ContentTypeMPEGTS,
		"hls/v1/c.mp4":            ContentTypeMP4,
		"hls/v1/d.bin":            "",
		"hls/v1/out_1/seg_000.ts": ContentTypeMPEGTS,
	}, got)

	assert.Equal(t, float64(5), testutil.ToFloat64(m.StorageOperationsTotal.WithLabelValues("upload", "success")))
}

func TestUploadTree_DeferredFilesGoLast(t *testing.T) {
	s, backend, _ := newTestStorage(t)
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "master.m3u8"), "#EXTM3U")
	for _, v := range []string{"out_0", "out_1", "out_2"} {
		writeFile(t, filepath.Join(dir, v, "prog.m3u8"), "#EXTM3U")
		writeFile(t, filepath.Join(dir, v, "seg_000.ts"), "seg")
		writeFile(t, filepath.Join(dir, v, "seg_001.ts"), "seg")
	}

	require.NoError(t, s.UploadTree(context.Background(), "vod", "hls/v1/", dir, "master.m3u8"))

	require.Len(t, backend.puts, 10)
	last := backend.puts[len(backend.puts)-1]
	assert.Equal(t, "hls/v1/master.m3u8", last.key)
	assert.Equal(t, ContentTypeHLSPlaylist, last.contentType)
}

func TestUploadTree_FailureSkipsDeferred(t *testing.T) {
	s, backend, _ := newTestStorage(t)
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "master.m3u8"), "#EXTM3U")
	writeFile(t, filepath.Join(dir, "out_0", "seg_000.ts"), "seg")
	backend.failPut["hls/v1/out_0/seg_000.ts"] = errors.New("connection reset")

	err := s.UploadTree(context.Background(), "vod", "hls/v1/", dir, "master.m3u8")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeStorage, apperr.CodeOf(err))

	ok, err := s.Exists(context.Background(), "vod", "hls/v1/master.m3u8")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUploadTree_MissingDir(t *testing.T) {
	s, _, _ := newTestStorage(t)

	err := s.UploadTree(context.Background(), "vod", "hls/v1/", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeFilesystem, apperr.CodeOf(err))
}

func TestDownloadFile(t *testing.T) {
	s, backend, m := newTestStorage(t)
	backend.objects["uploads/raw/v1.mp4"] = []byte("video-bytes")

	dst := filepath.Join(t.TempDir(), "nested", "input.mp4")
	require.NoError(t, s.DownloadFile(context.Background(), "uploads", "raw/v1.mp4", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
	assert.Equal(t, float64(len("video-bytes")), testutil.ToFloat64(m.StorageBytesTransferred.WithLabelValues("download")))
}

func TestDownloadFile_NotFoundIsPermanent(t *testing.T) {
	s, _, _ := newTestStorage(t)

	err := s.DownloadFile(context.Background(), "uploads", "raw/missing.mp4", filepath.Join(t.TempDir(), "input.mp4"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	assert.True(t, apperr.IsPermanent(err))
	assert.Equal(t, apperr.Drop, apperr.Classify(err))
}

func TestExists_BackendErrorIsTransient(t *testing.T) {
	s, backend, _ := newTestStorage(t)
	backend.statErr = errors.New("dial tcp: connection refused")

	_, err := s.Exists(context.Background(), "vod", "hls/v1/master.m3u8")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeStorage, apperr.CodeOf(err))
	assert.Equal(t, apperr.Requeue, apperr.Classify(err))
}

func TestMinioEndpoint(t *testing.T) {
	tests := []struct {
		in         string
		useSSL     bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{"http://minio:9000", false, "minio:9000", false, false},
		{"https://s3.example.com", false, "s3.example.com", true, false},
		{"minio:9000", false, "minio:9000", false, false},
		{"minio:9000", true, "minio:9000", true, false},
		{"", false, "", false, true},
		{"http://", false, "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, secure, err := minioEndpoint(tt.in, tt.useSSL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantSecure, secure)
		})
	}
}

func TestIsMinioNotFound(t *testing.T) {
	assert.True(t, isMinioNotFound(minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}))
	assert.True(t, isMinioNotFound(minio.ErrorResponse{Code: "NotFound", StatusCode: 404}))
	assert.False(t, isMinioNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}))
	assert.False(t, isMinioNotFound(errors.New("NoSuchKey")))
}

func TestIsS3NotFound(t *testing.T) {
	assert.True(t, isS3NotFound(&types.NoSuchKey{}))
	assert.True(t, isS3NotFound(&types.NotFound{}))
	assert.True(t, isS3NotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, isS3NotFound(&smithy.GenericAPIError{Code: "SlowDown"}))
	assert.False(t, isS3NotFound(errors.New("not found")))
}
