package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/pkg/models"
)

// Frames per GOP per second of segment. Keyframes land on segment
// boundaries for sources up to 30fps.
const gopFramesPerSecond = 30

// GOPSize returns the keyframe interval for a segment length
func GOPSize(segmentSeconds int) int {
	return segmentSeconds * gopFramesPerSecond
}

// EncodeLadder renders every rendition of the ladder into outDir in a single
// ffmpeg run. outDir ends up holding master.m3u8 and out_<i>/prog.m3u8 with
// their segments.
func (f *FFmpeg) EncodeLadder(ctx context.Context, inputPath, outDir string, segmentSeconds int) error {
	for _, r := range f.ladder {
		if err := os.MkdirAll(filepath.Join(outDir, r.Dir()), 0755); err != nil {
			return apperr.Wrap(err, apperr.CodeFilesystem, "engine.ladder", "create variant directory")
		}
	}

	absInput, err := filepath.Abs(inputPath)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeFilesystem, "engine.ladder", "resolve input path")
	}

	args := BuildLadderArgs(absInput, segmentSeconds, f.ladder)
	_, err = f.run(ctx, VariantLadder, outDir, f.ffmpegPath, args...)
	return err
}

// BuildLadderArgs returns the ffmpeg arguments for one multi-variant HLS run.
// Output paths are relative, so the command must run inside the output dir.
func BuildLadderArgs(inputPath string, segmentSeconds int, ladder []models.Rendition) []string {
	gop := strconv.Itoa(GOPSize(segmentSeconds))

	args := []string{
		"-y",
		"-i", inputPath,
		"-filter_complex", buildFilterGraph(ladder),
	}

	for i, r := range ladder {
		idx := strconv.Itoa(i)
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", i+1),
			"-map", "0:a:0?",
			"-c:v:"+idx, "libx264",
			"-b:v:"+idx, kbps(r.VideoBitrateKbps),
			"-maxrate:v:"+idx, kbps(r.MaxrateKbps),
			"-bufsize:v:"+idx, kbps(r.BufsizeKbps),
			"-g", gop,
			"-keyint_min", gop,
			"-sc_threshold", "0",
			"-preset", "veryfast",
			"-c:a:"+idx, "aac",
			"-b:a:"+idx, kbps(r.AudioBitrateKbps),
			"-ac", "2",
		)
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", "out_%v/"+models.SegmentFilePattern,
		"-master_pl_name", models.MasterPlaylistName,
		"-var_stream_map", buildStreamMap(len(ladder)),
		"out_%v/"+models.VariantPlaylistName,
	)

	return args
}

func buildFilterGraph(ladder []models.Rendition) string {
	var split strings.Builder
	fmt.Fprintf(&split, "[0:v]split=%d", len(ladder))
	for i := range ladder {
		fmt.Fprintf(&split, "[v%d]", i+1)
	}

	parts := []string{split.String()}
	for i, r := range ladder {
		parts = append(parts, fmt.Sprintf(
			"[v%d]scale=w=%d:h=%d:force_original_aspect_ratio=decrease:eval=frame:force_divisible_by=2[v%dout]",
			i+1, r.Width, r.Height, i+1,
		))
	}
	return strings.Join(parts, ";")
}

func buildStreamMap(n int) string {
	entries := make([]string, n)
	for i := range entries {
		entries[i] = fmt.Sprintf("v:%d,a:%d", i, i)
	}
	return strings.Join(entries, " ")
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}
