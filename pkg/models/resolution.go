package models

import (
	"fmt"
	"path"
	"strings"
)

// Output layout. Players resolve variant URIs relative to master.m3u8,
// so these names must never change.
const (
	MasterPlaylistName  = "master.m3u8"
	VariantPlaylistName = "prog.m3u8"
	SegmentFilePattern  = "seg_%03d.ts"
	ThumbnailName       = "thumb.jpg"
)

// Rendition is one tier of the HLS ladder. Bitrates are in kbps.
type Rendition struct {
	Index            int    `json:"index"`
	Name             string `json:"name"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	VideoBitrateKbps int    `json:"video_bitrate_kbps"`
	MaxrateKbps      int    `json:"maxrate_kbps"`
	BufsizeKbps      int    `json:"bufsize_kbps"`
	AudioBitrateKbps int    `json:"audio_bitrate_kbps"`
}

// Dir returns the variant directory, e.g. out_0
func (r Rendition) Dir() string {
	return fmt.Sprintf("out_%d", r.Index)
}

// PlaylistPath returns the variant playlist path relative to the master
func (r Rendition) PlaylistPath() string {
	return path.Join(r.Dir(), VariantPlaylistName)
}

// Ladder returns the fixed three-tier rendition set, highest first
func Ladder() []Rendition {
	return []Rendition{
		{Index: 0, Name: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 6000, MaxrateKbps: 6420, BufsizeKbps: 9000, AudioBitrateKbps: 192},
		{Index: 1, Name: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 3000, MaxrateKbps: 3210, BufsizeKbps: 4500, AudioBitrateKbps: 160},
		{Index: 2, Name: "480p", Width: 854, Height: 480, VideoBitrateKbps: 1500, MaxrateKbps: 1605, BufsizeKbps: 2250, AudioBitrateKbps: 128},
	}
}

// OutputPrefix returns the object prefix for a video's tree, with a trailing slash
func OutputPrefix(hlsPrefix, videoID string) string {
	hlsPrefix = strings.Trim(hlsPrefix, "/")
	if hlsPrefix == "" {
		return videoID + "/"
	}
	return hlsPrefix + "/" + videoID + "/"
}

// MasterKey returns the object key of the master playlist (the idempotency marker)
func MasterKey(hlsPrefix, videoID string) string {
	return OutputPrefix(hlsPrefix, videoID) + MasterPlaylistName
}

// ThumbKey returns the object key of the thumbnail
func ThumbKey(hlsPrefix, videoID string) string {
	return OutputPrefix(hlsPrefix, videoID) + ThumbnailName
}
