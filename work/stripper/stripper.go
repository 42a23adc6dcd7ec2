// Package stripper removes the unencrypted pre-roll an origin CDN stitches
// ahead of encrypted content.
package stripper

import (
	"adsplice-proxy/work/parser"
)

// DefaultCeiling is the largest pre-roll, in segments, that is stripped.
const DefaultCeiling = 20

// postMarkerWindow is how many lines after the discontinuity are searched
// for the content key.
const postMarkerWindow = 5

// Outcome says whether Strip removed anything.
type Outcome int

const (
	// Unchanged means no pre-roll was detected and the input came back as is.
	Unchanged Outcome = iota
	// Stripped means a pre-roll was detected and removed.
	Stripped
)

func (o Outcome) String() string {
	if o == Stripped {
		return "stripped"
	}
	return "unchanged"
}

// Reasons an input is returned unchanged. Result.Reason carries one of
// them so operators can see why a playlist kept its pre-roll.
const (
	ReasonNoMarker     = "no discontinuity"
	ReasonNoSignature  = "not an unencrypted pre-roll ahead of encrypted content"
	ReasonEmptyPreroll = "no segments before discontinuity"
	ReasonOverCeiling  = "pre-roll longer than ceiling"
)

// Result is what Strip returns. For Unchanged, Lines is the input slice
// itself and Count is zero.
type Result struct {
	Lines   []string
	Outcome Outcome
	Count   int // segments removed
	Reason  string
}

// Strip detects an injected pre-roll and removes it. The pre-roll
// signature is a first discontinuity with no AES-128 key before it and an
// AES-128 key within the few tags after it. Anything else, or a pre-roll of
// more than ceiling segments, is left alone. The input is never modified.
func Strip(lines []string, ceiling int) Result {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	marker := -1
	for i, l := range lines {
		if parser.IsDiscontinuity(l) {
			marker = i
			break
		}
	}
	if marker < 0 {
		return unchanged(lines, ReasonNoMarker)
	}

	for _, l := range lines[:marker] {
		if parser.IsAESKey(l) {
			return unchanged(lines, ReasonNoSignature)
		}
	}
	if !encryptedAfter(lines, marker) {
		return unchanged(lines, ReasonNoSignature)
	}

	count := parser.CountSegments(lines[:marker])
	if count == 0 {
		return unchanged(lines, ReasonEmptyPreroll)
	}
	if count > ceiling {
		return unchanged(lines, ReasonOverCeiling)
	}

	firstSegment := marker
	for i, l := range lines[:marker] {
		if parser.IsSegmentTag(l) {
			firstSegment = i
			break
		}
	}

	out := make([]string, 0, len(lines)-(marker-firstSegment)-1)
	for _, l := range lines[:firstSegment] {
		if parser.IsKeyTag(l) {
			continue
		}
		out = append(out, l)
	}
	out = append(out, lines[marker+1:]...)

	return Result{Lines: out, Outcome: Stripped, Count: count}
}

// encryptedAfter looks for an AES-128 key among the tags that follow the
// marker, stopping at the first URI.
func encryptedAfter(lines []string, marker int) bool {
	end := min(len(lines), marker+1+postMarkerWindow)
	for _, l := range lines[marker+1 : end] {
		if parser.IsAESKey(l) {
			return true
		}
		if parser.IsURI(l) {
			return false
		}
	}
	return false
}

func unchanged(lines []string, reason string) Result {
	return Result{Lines: lines, Outcome: Unchanged, Reason: reason}
}
