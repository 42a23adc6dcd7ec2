package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/grafana/regexp"
)

// HLS tags the pipeline cares about.
const (
	TagHeader        = "#EXTM3U"
	TagSegment       = "#EXTINF:"
	TagDiscontinuity = "#EXT-X-DISCONTINUITY"
	TagKey           = "#EXT-X-KEY:"
	TagStreamInf     = "#EXT-X-STREAM-INF:"
	TagEndList       = "#EXT-X-ENDLIST"
)

// ErrMalformed reports an EXTINF tag without a URI line after it.
var ErrMalformed = errors.New("malformed playlist")

var (
	keyMethodRe = regexp.MustCompile(`METHOD=([A-Za-z0-9-]+)`)
	attributeRe = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)
)

// SplitLines breaks playlist content into lines. CRLF endings are
// normalised, a byte-order mark is dropped and a single trailing newline
// does not produce an empty last line.
func SplitLines(content string) []string {
	content = strings.TrimPrefix(content, "\ufeff")
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

// Join is the inverse of SplitLines and always ends with a newline.
func Join(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// IsSegmentTag reports whether the line is an EXTINF tag. Surrounding
// whitespace is ignored.
func IsSegmentTag(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), TagSegment)
}

// IsDiscontinuity reports whether the line is an EXT-X-DISCONTINUITY
// marker, which tells the player to reset its timestamp expectations.
func IsDiscontinuity(line string) bool {
	return strings.TrimSpace(line) == TagDiscontinuity
}

// IsKeyTag reports whether the line is an EXT-X-KEY tag, whatever its
// METHOD. Use KeyMethod or IsAESKey to look at the method.
func IsKeyTag(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), TagKey)
}

// IsURI reports whether the line is a URI line. Blank lines, tags and
// comments are not.
func IsURI(line string) bool {
	t := strings.TrimSpace(line)
	return t != "" && !strings.HasPrefix(t, "#")
}

// KeyMethod returns the upper-cased METHOD attribute of an EXT-X-KEY tag,
// or "" when the line is not a key tag.
func KeyMethod(line string) string {
	if !IsKeyTag(line) {
		return ""
	}
	m := keyMethodRe.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// IsAESKey reports whether the line is an EXT-X-KEY tag with
// METHOD=AES-128. METHOD=NONE and SAMPLE-AES keys do not count.
func IsAESKey(line string) bool {
	return KeyMethod(line) == "AES-128"
}

// CountSegments returns the number of media segments, counted by their
// EXTINF tags.
func CountSegments(lines []string) int {
	n := 0
	for _, l := range lines {
		if IsSegmentTag(l) {
			n++
		}
	}
	return n
}

// SegmentURIs returns the URI line of every segment in order.
func SegmentURIs(lines []string) []string {
	var out []string
	pending := false
	for _, l := range lines {
		switch {
		case IsSegmentTag(l):
			pending = true
		case pending && IsURI(l):
			out = append(out, strings.TrimSpace(l))
			pending = false
		}
	}
	return out
}

// Validate checks that every EXTINF tag is followed by a URI before the
// next EXTINF or the end of the playlist. Other tags in between, such as
// EXT-X-BYTERANGE, are allowed.
func Validate(lines []string) error {
	open := -1
	for i, l := range lines {
		switch {
		case IsSegmentTag(l):
			if open >= 0 {
				return fmt.Errorf("%w: EXTINF on line %d has no URI", ErrMalformed, open+1)
			}
			open = i
		case IsURI(l):
			open = -1
		}
	}
	if open >= 0 {
		return fmt.Errorf("%w: EXTINF on line %d has no URI", ErrMalformed, open+1)
	}
	return nil
}

// Attributes parses an HLS attribute list such as
// BANDWIDTH=1280000,RESOLUTION=1280x720,CODECS="avc1,mp4a". Quoted values
// lose their quotes.
func Attributes(params string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attributeRe.FindAllStringSubmatch(params, -1) {
		attrs[m[1]] = strings.Trim(m[2], `"`)
	}
	return attrs
}

// playlistTags apply to the whole playlist rather than to the segments
// that follow them.
var playlistTags = []string{
	"#EXTM3U",
	"#EXT-X-VERSION",
	"#EXT-X-TARGETDURATION",
	"#EXT-X-MEDIA-SEQUENCE",
	"#EXT-X-DISCONTINUITY-SEQUENCE",
	"#EXT-X-PLAYLIST-TYPE",
	"#EXT-X-ALLOW-CACHE",
	"#EXT-X-INDEPENDENT-SEGMENTS",
	"#EXT-X-START",
}

// IsPlaylistTag reports whether the line is a playlist-wide header tag.
// Such tags stay at the top when segments are added or removed.
func IsPlaylistTag(line string) bool {
	t := strings.TrimSpace(line)
	for _, tag := range playlistTags {
		if t == tag || strings.HasPrefix(t, tag+":") {
			return true
		}
	}
	return false
}

// IsSegmentScoped reports whether the tag describes only the next segment
// and therefore goes away with it.
func IsSegmentScoped(line string) bool {
	t := strings.TrimSpace(line)
	return IsSegmentTag(t) || IsDiscontinuity(t) ||
		strings.HasPrefix(t, "#EXT-X-BYTERANGE") ||
		strings.HasPrefix(t, "#EXT-X-PROGRAM-DATE-TIME") ||
		strings.HasPrefix(t, "#EXT-X-GAP")
}
