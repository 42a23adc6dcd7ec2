package ads

import (
	"math/rand/v2"
)

// Selector picks the ad to splice into a playlist.
type Selector struct {
	rand func() float64
}

// NewSelector creates a selector. A nil rnd uses math/rand/v2.
func NewSelector(rnd func() float64) *Selector {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Selector{rand: rnd}
}

// Select chooses among ads. Inactive ads never qualify. An ad marked
// force-display wins outright; if several are marked, the weighted draw
// runs among them only. Otherwise the draw is over all active ads, each
// chosen with probability weight/total. Returns false when no ad qualifies.
func (s *Selector) Select(ads []Ad) (*Ad, bool) {
	var active, forced []*Ad
	for i := range ads {
		a := &ads[i]
		if !a.Active() {
			continue
		}
		active = append(active, a)
		if a.ForceDisplay {
			forced = append(forced, a)
		}
	}

	switch {
	case len(forced) == 1:
		return forced[0], true
	case len(forced) > 1:
		return s.weighted(forced)
	}
	return s.weighted(active)
}

// weighted walks the list subtracting weights from a uniform draw in
// [0, total) and takes the ad that brings it to zero or below.
func (s *Selector) weighted(candidates []*Ad) (*Ad, bool) {
	total := 0
	for _, a := range candidates {
		if a.Weight > 0 {
			total += a.Weight
		}
	}
	if total == 0 {
		return nil, false
	}

	r := s.rand() * float64(total)
	var first *Ad
	for _, a := range candidates {
		if a.Weight <= 0 {
			continue
		}
		if first == nil {
			first = a
		}
		r -= float64(a.Weight)
		if r <= 0 {
			return a, true
		}
	}
	// rounding at the top of the range
	return first, true
}
