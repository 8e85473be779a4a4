package transcoder

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
)

// DefaultThumbnailOffset is the seek position of the poster frame in seconds
const DefaultThumbnailOffset = 3.0

// ExtractThumbnail writes a single frame at offsetSeconds to outPath
func (f *FFmpeg) ExtractThumbnail(ctx context.Context, inputPath string, offsetSeconds float64, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return apperr.Wrap(err, apperr.CodeFilesystem, "engine.thumb", "create thumbnail directory")
	}

	_, err := f.run(ctx, VariantThumb, "", f.ffmpegPath, BuildThumbnailArgs(inputPath, offsetSeconds, outPath)...)
	return err
}

// ThumbnailOffset fits the configured poster offset inside a source of the
// given duration. Sources shorter than the offset use their midpoint; an
// unknown duration (0) leaves the offset unchanged.
func ThumbnailOffset(offsetSeconds, durationSec float64) float64 {
	if offsetSeconds < 0 {
		offsetSeconds = DefaultThumbnailOffset
	}
	if durationSec > 0 && offsetSeconds >= durationSec {
		return durationSec / 2
	}
	return offsetSeconds
}

// BuildThumbnailArgs returns the ffmpeg arguments for a poster frame
func BuildThumbnailArgs(inputPath string, offsetSeconds float64, outPath string) []string {
	if offsetSeconds < 0 {
		offsetSeconds = DefaultThumbnailOffset
	}
	return []string{
		"-y",
		"-ss", strconv.FormatFloat(offsetSeconds, 'f', -1, 64),
		"-i", inputPath,
		"-frames:v", "1",
		outPath,
	}
}
