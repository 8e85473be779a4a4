package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Routing keys used on the domain exchange
const (
	RoutingKeyUploaded = "video.uploaded"
	RoutingKeyReady    = "video.ready"
)

// UploadEvent announces a raw asset landed in the uploads bucket.
// Producers may attach extra fields (type, ts); they are ignored.
type UploadEvent struct {
	VideoID  string `json:"videoId"`
	InputKey string `json:"inputKey"`
	OwnerID  string `json:"ownerId"`
}

// ReadyEvent announces a completed HLS rendition set
type ReadyEvent struct {
	VideoID      string  `json:"videoId"`
	OutputPrefix string  `json:"outputPrefix"`
	ThumbKey     string  `json:"thumbKey"`
	DurationSec  float64 `json:"durationSec"`
}

var (
	ErrMissingVideoID  = errors.New("videoId is required")
	ErrMissingInputKey = errors.New("inputKey is required")
	ErrInvalidVideoID  = errors.New("videoId must not contain path separators")
)

// DecodeUploadEvent parses and validates a video.uploaded payload
func DecodeUploadEvent(body []byte) (*UploadEvent, error) {
	var evt UploadEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode upload event: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return &evt, nil
}

// Validate checks the fields every job depends on
func (e *UploadEvent) Validate() error {
	if strings.TrimSpace(e.VideoID) == "" {
		return ErrMissingVideoID
	}
	// videoId becomes a path segment both locally and in the vod bucket
	if strings.ContainsAny(e.VideoID, `/\`) || e.VideoID == "." || e.VideoID == ".." {
		return ErrInvalidVideoID
	}
	if strings.TrimSpace(strings.TrimLeft(e.InputKey, "/")) == "" {
		return ErrMissingInputKey
	}
	return nil
}

// SourceKey returns the input object key without leading slashes
func (e *UploadEvent) SourceKey() string {
	return strings.TrimLeft(e.InputKey, "/")
}
