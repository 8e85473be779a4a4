package transcoder

import (
	"context"
	"math"
	"strconv"
	"strings"
)

// ProbeDuration returns the container duration in seconds. Any probe
// failure or unparsable output yields 0.
func (f *FFmpeg) ProbeDuration(ctx context.Context, inputPath string) float64 {
	out, err := f.run(ctx, VariantProbe, "", f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	)
	if err != nil {
		f.logger.WithError(err).WithField("input", inputPath).Warn("Duration probe failed")
		return 0
	}
	return ParseDuration(string(out))
}

// ParseDuration parses ffprobe's bare duration output, returning 0 when it
// is not a finite non-negative number
func ParseDuration(out string) float64 {
	d, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil || d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return d
}
