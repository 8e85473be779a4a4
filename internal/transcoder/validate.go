package transcoder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/pkg/models"
)

// ValidateOutput checks that outDir holds the master playlist and every
// variant playlist, and that the master references each variant
func ValidateOutput(outDir string, ladder []models.Rendition) error {
	const op = "engine.validate"

	masterPath := filepath.Join(outDir, models.MasterPlaylistName)
	refs, err := playlistURIs(masterPath)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeMissingOutput, op, "master playlist unreadable")
	}

	for _, r := range ladder {
		variantPath := filepath.Join(outDir, filepath.FromSlash(r.PlaylistPath()))
		info, err := os.Stat(variantPath)
		if err != nil || !info.Mode().IsRegular() {
			return apperr.New(apperr.CodeMissingOutput, op, fmt.Sprintf("variant playlist %s missing", r.PlaylistPath()))
		}
		if !refs[r.PlaylistPath()] {
			return apperr.New(apperr.CodeMissingOutput, op, fmt.Sprintf("master playlist does not reference %s", r.PlaylistPath()))
		}
	}

	return nil
}

// ValidateThumbnail checks that the poster frame was written
func ValidateThumbnail(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return apperr.New(apperr.CodeMissingOutput, "engine.validate", "thumbnail "+filepath.Base(path)+" missing or empty")
	}
	return nil
}

// playlistURIs returns the URI lines of an m3u8 playlist
func playlistURIs(path string) (map[string]bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	uris := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uris[strings.TrimPrefix(line, "./")] = true
	}
	return uris, scanner.Err()
}
