package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsworker/pkg/models"
)

// Engine variants as reported in metrics
const (
	VariantLadder = "ladder"
	VariantThumb  = "thumb"
	VariantProbe  = "probe"
)

// stderrTailSize bounds how much engine stderr is carried in errors
const stderrTailSize = 4096

// Engine produces the HLS ladder and thumbnail for a source file
type Engine interface {
	ProbeDuration(ctx context.Context, inputPath string) float64
	EncodeLadder(ctx context.Context, inputPath, outDir string, segmentSeconds int) error
	ExtractThumbnail(ctx context.Context, inputPath string, offsetSeconds float64, outPath string) error
}

// FFmpeg runs the ffmpeg and ffprobe binaries
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	timeout     time.Duration
	ladder      []models.Rendition
	metrics     *metrics.Metrics
	logger      *logging.Logger
}

var _ Engine = (*FFmpeg)(nil)

// NewFFmpeg creates a new FFmpeg engine
func NewFFmpeg(cfg config.TranscoderConfig, m *metrics.Metrics, logger *logging.Logger) *FFmpeg {
	ffmpegPath := cfg.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := cfg.FFprobePath
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}

	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		timeout:     cfg.EngineTimeout,
		ladder:      models.Ladder(),
		metrics:     m,
		logger:      logger,
	}
}

// Ladder returns the renditions EncodeLadder produces
func (f *FFmpeg) Ladder() []models.Rendition {
	return f.ladder
}

// run executes one engine invocation bounded by the configured timeout.
// It returns stdout on success.
func (f *FFmpeg) run(ctx context.Context, variant, dir, bin string, args ...string) ([]byte, error) {
	runCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second

	var stdout strings.Builder
	stderr := newTailBuffer(stderrTailSize)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		err = f.classify(ctx, runCtx, variant, err, stderr.String())
	}

	if variant != VariantProbe {
		if f.metrics != nil {
			f.metrics.RecordEngineRun(variant, duration, err)
		}
		f.logger.LogEngineRun(variant, duration, err)
	}

	return []byte(stdout.String()), err
}

func (f *FFmpeg) classify(ctx, runCtx context.Context, variant string, err error, stderr string) error {
	op := "engine." + variant

	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperr.Wrap(ctxErr, apperr.CodeEngineFailure, op, "job cancelled")
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(runCtx.Err(), apperr.CodeEngineTimeout, op, fmt.Sprintf("exceeded %s", f.timeout))
	}

	msg := "engine exited with an error"
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg = fmt.Sprintf("engine exited with status %d", exitErr.ExitCode())
	}
	if tail := strings.TrimSpace(stderr); tail != "" {
		msg += ", stderr: " + tail
	}
	return apperr.Wrap(err, apperr.CodeEngineFailure, op, msg)
}

// tailBuffer keeps the last n bytes written to it
type tailBuffer struct {
	buf []byte
	n   int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{buf: make([]byte, 0, n), n: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	written := len(p)
	if len(p) >= t.n {
		t.buf = append(t.buf[:0], p[len(p)-t.n:]...)
		return written, nil
	}
	if over := len(t.buf) + len(p) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return written, nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
