package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Profile is the frame rate and resolution of a rendition. Zero fields
// mean unknown.
type Profile struct {
	Width     int
	Height    int
	FrameRate float64
}

// ParseResolution reads a "WIDTHxHEIGHT" attribute
func ParseResolution(s string) Profile {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Profile{}
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return Profile{}
	}
	return Profile{Width: width, Height: height}
}

// ParseProfile reads a format key produced by Profile.Key
func ParseProfile(key string) Profile {
	res, fps, _ := strings.Cut(key, "@")
	p := ParseResolution(res)
	if f, err := strconv.ParseFloat(fps, 64); err == nil && f > 0 {
		p.FrameRate = f
	}
	return p
}

// Known reports whether the resolution is known
func (p Profile) Known() bool {
	return p.Width > 0 && p.Height > 0
}

// Key renders the profile as a format key, e.g. "1280x720@29.97". Unknown
// profiles have an empty key.
func (p Profile) Key() string {
	if !p.Known() {
		return ""
	}
	if p.FrameRate <= 0 {
		return fmt.Sprintf("%dx%d", p.Width, p.Height)
	}
	fps := math.Round(p.FrameRate*100) / 100
	return fmt.Sprintf("%dx%d@%s", p.Width, p.Height, strconv.FormatFloat(fps, 'f', -1, 64))
}

// Matches reports whether content encoded at p plays without a format
// switch in a rendition with profile target. An unknown side matches
// anything, and so does an unknown frame rate.
func (p Profile) Matches(target Profile) bool {
	if !p.Known() || !target.Known() {
		return true
	}
	if p.Width != target.Width || p.Height != target.Height {
		return false
	}
	if p.FrameRate <= 0 || target.FrameRate <= 0 {
		return true
	}
	return math.Abs(p.FrameRate-target.FrameRate) < 0.01
}
