package gateway

import (
	"bytes"
	"fmt"

	"github.com/grafana/regexp"
)

var (
	emptyMediaDefinitions = regexp.MustCompile(`"media[dD]efinitions"\s*:\s*(\[\s*\]|null)`)
	emptyJSON             = regexp.MustCompile(`^\s*(\[\s*\]|\{\s*\}|null)\s*$`)
)

// Validator inspects a 200 body and returns an error wrapping ErrSoftBlock
// when the payload is the origin's anti-scraping answer.
type Validator func(body []byte) error

// ValidatePlaylist accepts anything that looks like an HLS playlist
func ValidatePlaylist(body []byte) error {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty playlist", ErrSoftBlock)
	}
	if !bytes.HasPrefix(trimmed, []byte("#EXTM3U")) {
		return fmt.Errorf("%w: body is not a playlist", ErrSoftBlock)
	}
	return nil
}

// ValidateAPI rejects empty JSON payloads and video payloads whose media
// definition list is empty.
func ValidateAPI(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty body", ErrSoftBlock)
	}
	if emptyJSON.Match(body) {
		return fmt.Errorf("%w: empty json", ErrSoftBlock)
	}
	if emptyMediaDefinitions.Match(body) {
		return fmt.Errorf("%w: empty media definitions", ErrSoftBlock)
	}
	return nil
}
