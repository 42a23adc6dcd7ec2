package parser

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"adsplice-proxy/work/logger"

	"github.com/grafov/m3u8"
)

// ErrNoVariant means a master playlist listed no usable variant URI.
var ErrNoVariant = errors.New("master playlist has no variant")

// Variant is one rendition listed by a master playlist.
type Variant struct {
	URI        string // as written in the playlist, possibly relative
	Bandwidth  int
	Resolution string // "WIDTHxHEIGHT"
	Codecs     string
	FrameRate  float64
}

// Profile returns the frame rate and resolution profile of the variant
func (v Variant) Profile() Profile {
	p := ParseResolution(v.Resolution)
	p.FrameRate = v.FrameRate
	return p
}

// IsMaster determines whether the content is a master playlist by looking
// for EXT-X-STREAM-INF, which only master playlists carry.
func IsMaster(content string) bool {
	return strings.Contains(content, strings.TrimSuffix(TagStreamInf, ":"))
}

// ParseMaster lists the variants of a master playlist in playlist order.
// grafov/m3u8 does the decoding; content it rejects goes through a plain
// line scanner so that slightly malformed origins still resolve.
func ParseMaster(content string) ([]Variant, error) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(content), false)
	if err == nil && listType == m3u8.MASTER {
		if master, ok := playlist.(*m3u8.MasterPlaylist); ok {
			variants := fromGrafov(master)
			if len(variants) > 0 {
				return variants, nil
			}
		}
	}
	if err != nil {
		logger.Debug("{parser/master - ParseMaster} grafov decode failed, scanning lines: %v", err)
	}

	variants := scanMaster(SplitLines(content))
	if len(variants) == 0 {
		return nil, ErrNoVariant
	}
	return variants, nil
}

func fromGrafov(master *m3u8.MasterPlaylist) []Variant {
	variants := make([]Variant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || v.Iframe || strings.TrimSpace(v.URI) == "" {
			continue
		}
		variants = append(variants, Variant{
			URI:        strings.TrimSpace(v.URI),
			Bandwidth:  int(v.Bandwidth),
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			FrameRate:  v.FrameRate,
		})
	}
	return variants
}

// scanMaster pairs each EXT-X-STREAM-INF tag with the next URI line.
func scanMaster(lines []string) []Variant {
	var (
		variants []Variant
		current  *Variant
	)
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, TagStreamInf):
			attrs := Attributes(strings.TrimPrefix(line, TagStreamInf))
			v := Variant{
				Resolution: attrs["RESOLUTION"],
				Codecs:     attrs["CODECS"],
			}
			if bw, err := strconv.Atoi(attrs["BANDWIDTH"]); err == nil {
				v.Bandwidth = bw
			}
			if fr, err := strconv.ParseFloat(attrs["FRAME-RATE"], 64); err == nil {
				v.FrameRate = fr
			}
			current = &v
		case current != nil && IsURI(line):
			current.URI = line
			variants = append(variants, *current)
			current = nil
		}
	}
	return variants
}

// FirstVariant returns the first listed variant and its URI resolved
// against baseURL.
func FirstVariant(content, baseURL string) (Variant, string, error) {
	variants, err := ParseMaster(content)
	if err != nil {
		return Variant{}, "", err
	}
	first := variants[0]
	resolved, err := ResolveURL(first.URI, baseURL)
	if err != nil {
		return Variant{}, "", err
	}
	return first, resolved, nil
}

// ResolveURL makes ref absolute. A ref that already carries a scheme is
// returned as is; anything else is resolved against the directory of base.
func ResolveURL(ref, base string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
