package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsworker/pkg/models"
)

func argValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatalf("flag %s not found in %v", flag, args)
	return ""
}

func countFlag(args []string, flag string) int {
	n := 0
	for _, a := range args {
		if a == flag {
			n++
		}
	}
	return n
}

func TestGOPSize(t *testing.T) {
	assert.Equal(t, 180, GOPSize(6))
	assert.Equal(t, 120, GOPSize(4))
}

func TestBuildLadderArgs(t *testing.T) {
	args := BuildLadderArgs("/work/v1/input.mp4", 6, models.Ladder())

	assert.Equal(t, []string{"-y", "-i", "/work/v1/input.mp4"}, args[:3])
	assert.Equal(t,
		"[0:v]split=3[v1][v2][v3];"+
			"[v1]scale=w=1920:h=1080:force_original_aspect_ratio=decrease:eval=frame:force_divisible_by=2[v1out];"+
			"[v2]scale=w=1280:h=720:force_original_aspect_ratio=decrease:eval=frame:force_divisible_by=2[v2out];"+
			"[v3]scale=w=854:h=480:force_original_aspect_ratio=decrease:eval=frame:force_divisible_by=2[v3out]",
		argValue(t, args, "-filter_complex"))

	assert.Equal(t, "6000k", argValue(t, args, "-b:v:0"))
	assert.Equal(t, "6420k", argValue(t, args, "-maxrate:v:0"))
	assert.Equal(t, "9000k", argValue(t, args, "-bufsize:v:0"))
	assert.Equal(t, "192k", argValue(t, args, "-b:a:0"))
	assert.Equal(t, "3000k", argValue(t, args, "-b:v:1"))
	assert.Equal(t, "160k", argValue(t, args, "-b:a:1"))
	assert.Equal(t, "1500k", argValue(t, args, "-b:v:2"))
	assert.Equal(t, "2250k", argValue(t, args, "-bufsize:v:2"))
	assert.Equal(t, "128k", argValue(t, args, "-b:a:2"))

	assert.Equal(t, 3, countFlag(args, "-g"))
	assert.Equal(t, "180", argValue(t, args, "-g"))
	assert.Equal(t, "180", argValue(t, args, "-keyint_min"))
	assert.Equal(t, 6, countFlag(args, "-map"))

	assert.Equal(t, "hls", argValue(t, args, "-f"))
	assert.Equal(t, "6", argValue(t, args, "-hls_time"))
	assert.Equal(t, "vod", argValue(t, args, "-hls_playlist_type"))
	assert.Equal(t, "independent_segments", argValue(t, args, "-hls_flags"))
	assert.Equal(t, "out_%v/seg_%03d.ts", argValue(t, args, "-hls_segment_filename"))
	assert.Equal(t, "master.m3u8", argValue(t, args, "-master_pl_name"))
	assert.Equal(t, "v:0,a:0 v:1,a:1 v:2,a:2", argValue(t, args, "-var_stream_map"))
	assert.Equal(t, "out_%v/prog.m3u8", args[len(args)-1])
}

func TestBuildThumbnailArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-y", "-ss", "3", "-i", "in.mp4", "-frames:v", "1", "thumb.jpg"},
		BuildThumbnailArgs("in.mp4", 3, "thumb.jpg"))
	assert.Equal(t, "1.5", BuildThumbnailArgs("in.mp4", 1.5, "t.jpg")[2])
	assert.Equal(t, "3", BuildThumbnailArgs("in.mp4", -1, "t.jpg")[2])
}

func TestThumbnailOffset(t *testing.T) {
	assert.Equal(t, 3.0, ThumbnailOffset(3, 10))
	assert.Equal(t, 3.0, ThumbnailOffset(3, 0), "unknown duration keeps the offset")
	assert.Equal(t, 1.0, ThumbnailOffset(3, 2))
	assert.Equal(t, 1.5, ThumbnailOffset(3, 3))
	assert.Equal(t, 0.5, ThumbnailOffset(-1, 1))
}

func TestValidateThumbnail(t *testing.T) {
	dir := t.TempDir()
	thumb := filepath.Join(dir, "thumb.jpg")

	err := ValidateThumbnail(thumb)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeMissingOutput, apperr.CodeOf(err))

	require.NoError(t, os.WriteFile(thumb, nil, 0644))
	err = ValidateThumbnail(thumb)
	assert.Equal(t, apperr.CodeMissingOutput, apperr.CodeOf(err))

	require.NoError(t, os.WriteFile(thumb, []byte{0xff, 0xd8}, 0644))
	assert.NoError(t, ValidateThumbnail(thumb))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"10.000000\n", 10.0},
		{"  42.5  ", 42.5},
		{"N/A", 0},
		{"", 0},
		{"-3", 0},
		{"NaN", 0},
		{"Inf", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDuration(tt.in))
		})
	}
}

func writeTree(t *testing.T, dir string, master string, variants ...int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, models.MasterPlaylistName), []byte(master), 0644))
	for _, i := range variants {
		vdir := filepath.Join(dir, fmt.Sprintf("out_%d", i))
		require.NoError(t, os.MkdirAll(vdir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(vdir, models.VariantPlaylistName), []byte("#EXTM3U\n"), 0644))
	}
}

const completeMaster = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-STREAM-INF:BANDWIDTH=6820800,RESOLUTION=1920x1080
out_0/prog.m3u8

#EXT-X-STREAM-INF:BANDWIDTH=3476000,RESOLUTION=1280x720
out_1/prog.m3u8

#EXT-X-STREAM-INF:BANDWIDTH=1790800,RESOLUTION=854x480
out_2/prog.m3u8
`

func TestValidateOutput(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		dir := t.TempDir()
		writeTree(t, dir, completeMaster, 0, 1, 2)
		assert.NoError(t, ValidateOutput(dir, models.Ladder()))
	})

	t.Run("missing master", func(t *testing.T) {
		dir := t.TempDir()
		err := ValidateOutput(dir, models.Ladder())
		require.Error(t, err)
		assert.Equal(t, apperr.CodeMissingOutput, apperr.CodeOf(err))
	})

	t.Run("missing variant playlist", func(t *testing.T) {
		dir := t.TempDir()
		writeTree(t, dir, completeMaster, 0, 2)
		err := ValidateOutput(dir, models.Ladder())
		require.Error(t, err)
		assert.Equal(t, apperr.CodeMissingOutput, apperr.CodeOf(err))
		assert.Contains(t, err.Error(), "out_1/prog.m3u8")
	})

	t.Run("master missing reference", func(t *testing.T) {
		dir := t.TempDir()
		master := strings.Replace(completeMaster, "out_2/prog.m3u8\n", "", 1)
		writeTree(t, dir, master, 0, 1, 2)
		err := ValidateOutput(dir, models.Ladder())
		require.Error(t, err)
		assert.Equal(t, apperr.CodeMissingOutput, apperr.CodeOf(err))
		assert.Equal(t, apperr.Requeue, apperr.Classify(err))
	})
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	b.Write([]byte("abc"))
	b.Write([]byte("defgh"))
	assert.Equal(t, "abcdefgh", b.String())
	b.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", b.String())
	b.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", b.String())
}

// fakeBinary writes an executable shell script standing in for ffmpeg/ffprobe
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func newTestEngine(t *testing.T, ffmpeg, ffprobe string, timeout time.Duration) (*FFmpeg, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewFFmpeg(config.TranscoderConfig{
		FFmpegPath:    ffmpeg,
		FFprobePath:   ffprobe,
		EngineTimeout: timeout,
	}, m, logging.Nop()), m
}

const fakeLadderScript = `
for i in 0 1 2; do
  echo "#EXTM3U" > out_$i/prog.m3u8
  echo "x" > out_$i/seg_000.ts
done
printf '#EXTM3U\nout_0/prog.m3u8\nout_1/prog.m3u8\nout_2/prog.m3u8\n' > master.m3u8
`

func TestFFmpeg_EncodeLadder(t *testing.T) {
	engine, m := newTestEngine(t, fakeBinary(t, fakeLadderScript), "", time.Minute)
	outDir := filepath.Join(t.TempDir(), "out")

	err := engine.EncodeLadder(context.Background(), "input.mp4", outDir, 6)
	require.NoError(t, err)

	assert.NoError(t, ValidateOutput(outDir, engine.Ladder()))
	assert.FileExists(t, filepath.Join(outDir, "out_1", "seg_000.ts"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EngineRuns.WithLabelValues(VariantLadder, "success")))
}

func TestFFmpeg_EngineFailure(t *testing.T) {
	engine, m := newTestEngine(t, fakeBinary(t, `echo "Invalid data found when processing input" >&2; exit 1`), "", time.Minute)

	err := engine.EncodeLadder(context.Background(), "input.mp4", t.TempDir(), 6)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeEngineFailure, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "Invalid data found when processing input")
	assert.Contains(t, err.Error(), "status 1")
	assert.Equal(t, apperr.Requeue, apperr.Classify(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EngineRuns.WithLabelValues(VariantLadder, "error")))
}

func TestFFmpeg_EngineTimeout(t *testing.T) {
	engine, _ := newTestEngine(t, fakeBinary(t, `exec sleep 10`), "", 100*time.Millisecond)

	start := time.Now()
	err := engine.ExtractThumbnail(context.Background(), "input.mp4", 3, filepath.Join(t.TempDir(), "thumb.jpg"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeEngineTimeout, apperr.CodeOf(err))
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestFFmpeg_JobCancelled(t *testing.T) {
	engine, _ := newTestEngine(t, fakeBinary(t, `exec sleep 10`), "", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	err := engine.ExtractThumbnail(ctx, "input.mp4", 3, filepath.Join(t.TempDir(), "thumb.jpg"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeEngineFailure, apperr.CodeOf(err))
	assert.Equal(t, "cancelled", apperr.Kind(err))
}

func TestFFmpeg_ExtractThumbnail(t *testing.T) {
	script := `for last; do :; done; echo jpeg > "$last"`
	engine, m := newTestEngine(t, fakeBinary(t, script), "", time.Minute)
	out := filepath.Join(t.TempDir(), "thumb.jpg")

	require.NoError(t, engine.ExtractThumbnail(context.Background(), "input.mp4", 3, out))
	assert.FileExists(t, out)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EngineRuns.WithLabelValues(VariantThumb, "success")))
}

func TestFFmpeg_ProbeDuration(t *testing.T) {
	engine, _ := newTestEngine(t, "", fakeBinary(t, `echo 10.000000`), time.Minute)
	assert.Equal(t, 10.0, engine.ProbeDuration(context.Background(), "input.mp4"))

	engine, _ = newTestEngine(t, "", fakeBinary(t, `echo N/A`), time.Minute)
	assert.Equal(t, 0.0, engine.ProbeDuration(context.Background(), "input.mp4"))

	engine, _ = newTestEngine(t, "", fakeBinary(t, `exit 1`), time.Minute)
	assert.Equal(t, 0.0, engine.ProbeDuration(context.Background(), "input.mp4"))
}
