package proxypool

import (
	"math"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/metrics"
)

// minWeight keeps badly degraded proxies selectable so they can recover.
const minWeight = 0.05

// Options tunes failure handling. Zero values fall back to defaults.
type Options struct {
	FailureThreshold int           // consecutive failures before a cooldown starts
	CooldownBase     time.Duration // first cooldown length
	CooldownMax      time.Duration // cooldown cap

	Now  func() time.Time
	Rand func() float64 // uniform in [0,1)
}

// EntryStats is a read-only view of one entry.
type EntryStats struct {
	Index         int       `json:"index"`
	ID            string    `json:"id"`
	Proxy         string    `json:"proxy"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	Pressure      int32     `json:"pressure"`
	Health        float64   `json:"health"`
	InCooldown    bool      `json:"inCooldown"`
	CooldownUntil time.Time `json:"cooldownUntil,omitzero"`
	LastUsed      time.Time `json:"lastUsed,omitzero"`
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Total      int          `json:"total"`
	Healthy    int          `json:"healthy"`
	InCooldown int          `json:"inCooldown"`
	Entries    []EntryStats `json:"entries"`
}

// Pool holds the egress proxies. The entry set is swapped atomically on
// reload; selections that already hold an *Entry keep working against it.
type Pool struct {
	entries atomic.Pointer[snapshot]
	opts    Options

	// salt keeps proxy IDs from confirming a guessed proxy URL
	salt string
}

type snapshot struct {
	list []*Entry
	byID map[string]*Entry
}

// New creates a pool with the given entries
func New(entries []*Entry, opts Options) *Pool {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = 30 * time.Second
	}
	if opts.CooldownMax < opts.CooldownBase {
		opts.CooldownMax = max(10*time.Minute, opts.CooldownBase)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}

	p := &Pool{opts: opts, salt: uuid.NewString()}
	p.Reload(entries)
	return p
}

func (p *Pool) list() []*Entry {
	if snap := p.entries.Load(); snap != nil {
		return snap.list
	}
	return nil
}

// idFor derives the stable ID of a proxy key. Same key, same pool, same ID.
func (p *Pool) idFor(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(p.salt+key), 36)
}

// Len returns the number of loaded entries
func (p *Pool) Len() int {
	return len(p.list())
}

// SelectRandom picks an entry not in cooldown, weighted by health. It
// returns false when the pool is empty or every entry is cooling down;
// callers must treat that as a hard failure.
func (p *Pool) SelectRandom(tag string) (*Entry, bool) {
	return p.SelectRandomExcept(tag, nil)
}

// SelectRandomExcept is SelectRandom without the entries in tried, used by
// retry loops that must move to a distinct egress IP on each attempt.
func (p *Pool) SelectRandomExcept(tag string, tried map[*Entry]struct{}) (*Entry, bool) {
	entries := p.list()
	now := p.opts.Now()

	total := 0.0
	candidates := make([]*Entry, 0, len(entries))
	weights := make([]float64, 0, len(entries))
	for _, e := range entries {
		if e.InCooldown(now) {
			continue
		}
		if _, skip := tried[e]; skip {
			continue
		}
		w := max(e.Health(), minWeight)
		candidates = append(candidates, e)
		weights = append(weights, w)
		total += w
	}

	if len(candidates) == 0 {
		logger.Warn("{proxypool/pool - SelectRandom} no proxy available for %s (%d loaded, %d already tried)", tag, len(entries), len(tried))
		return nil, false
	}

	r := p.opts.Rand() * total
	chosen := candidates[0]
	for i, e := range candidates {
		r -= weights[i]
		if r < 0 {
			chosen = e
			break
		}
	}

	chosen.lastUsed.Store(now.UnixNano())
	logger.Debug("{proxypool/pool - SelectRandom} %s -> proxy #%d %s (health %.2f)", tag, chosen.Index, chosen.Label(), chosen.Health())
	return chosen, true
}

// SelectByID returns the entry with the given ID so a follow-up fetch can
// reuse the egress identity of an earlier one. IDs survive reloads as long as
// the proxy stays in the list. Entries in cooldown are still returned: the
// CDN token is bound to that IP and no other proxy can use it.
func (p *Pool) SelectByID(id string) (*Entry, bool) {
	snap := p.entries.Load()
	if snap == nil || id == "" {
		return nil, false
	}
	e, ok := snap.byID[id]
	if !ok {
		return nil, false
	}
	e.lastUsed.Store(p.opts.Now().UnixNano())
	return e, true
}

// SelectByIndex returns the entry at position i of the current list.
// Positions shift on reload, so anything that outlives a request should
// hold the entry's ID instead.
func (p *Pool) SelectByIndex(i int) (*Entry, bool) {
	entries := p.list()
	if i < 0 || i >= len(entries) {
		return nil, false
	}
	e := entries[i]
	e.lastUsed.Store(p.opts.Now().UnixNano())
	return e, true
}

// ReportOutcome feeds a fetch result back into the entry's health. Success
// clears failure pressure and any cooldown. Failure adds pressure and, from
// the threshold on, cools the entry down with exponential backoff:
// base * 2^(pressure-threshold), capped at CooldownMax.
func (p *Pool) ReportOutcome(e *Entry, ok bool) {
	if e == nil {
		return
	}
	idx := strconv.Itoa(e.Index)

	if ok {
		e.successes.Add(1)
		e.pressure.Store(0)
		e.cooldownUntil.Store(0)
		metrics.ProxyOutcomes.WithLabelValues(idx, "success").Inc()
		p.refreshGauge()
		return
	}

	e.failures.Add(1)
	pressure := int(e.pressure.Add(1))
	metrics.ProxyOutcomes.WithLabelValues(idx, "failure").Inc()

	if pressure < p.opts.FailureThreshold {
		return
	}

	cooldown := p.Backoff(pressure)
	e.extendCooldown(p.opts.Now().Add(cooldown))
	p.refreshGauge()
	logger.Warn("{proxypool/pool - ReportOutcome} proxy #%d %s cooling down for %v after %d consecutive failures",
		e.Index, e.Label(), cooldown, pressure)
}

// Backoff returns the cooldown length for a given failure pressure
func (p *Pool) Backoff(pressure int) time.Duration {
	steps := pressure - p.opts.FailureThreshold
	if steps < 0 {
		return 0
	}
	// past ~2^30 the product overflows long before any sane cap
	if steps > 30 {
		return p.opts.CooldownMax
	}
	d := time.Duration(float64(p.opts.CooldownBase) * math.Pow(2, float64(steps)))
	if d <= 0 || d > p.opts.CooldownMax {
		return p.opts.CooldownMax
	}
	return d
}

// Reload replaces the pool. Proxies present in both lists keep their
// health state; state for removed proxies is dropped.
func (p *Pool) Reload(entries []*Entry) {
	previous := make(map[string]*Entry)
	for _, e := range p.list() {
		previous[e.Key()] = e
	}

	fresh := make([]*Entry, 0, len(entries))
	byID := make(map[string]*Entry, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e == nil || e.URL == nil {
			continue
		}
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}

		if old, ok := previous[e.Key()]; ok {
			e.inherit(old)
		}
		e.Index = len(fresh)
		e.id = p.idFor(e.Key())
		fresh = append(fresh, e)
		byID[e.id] = e
	}

	p.entries.Store(&snapshot{list: fresh, byID: byID})
	metrics.ProxyPoolSize.Set(float64(len(fresh)))
	p.refreshGauge()
	logger.Info("{proxypool/pool - Reload} loaded %d proxies (%d carried over)", len(fresh), countCarried(previous, seen))
}

func countCarried(previous map[string]*Entry, seen map[string]struct{}) int {
	n := 0
	for k := range seen {
		if _, ok := previous[k]; ok {
			n++
		}
	}
	return n
}

// Stats returns a snapshot for observability
func (p *Pool) Stats() Stats {
	entries := p.list()
	now := p.opts.Now()

	st := Stats{
		Total:   len(entries),
		Entries: make([]EntryStats, 0, len(entries)),
	}
	for _, e := range entries {
		cooling := e.InCooldown(now)
		if cooling {
			st.InCooldown++
		} else {
			st.Healthy++
		}
		es := EntryStats{
			Index:      e.Index,
			ID:         e.ID(),
			Proxy:      e.Label(),
			Successes:  e.Successes(),
			Failures:   e.Failures(),
			Pressure:   e.Pressure(),
			Health:     e.Health(),
			InCooldown: cooling,
			LastUsed:   e.LastUsed(),
		}
		if cooling {
			es.CooldownUntil = e.CooldownUntil()
		}
		st.Entries = append(st.Entries, es)
	}
	return st
}

func (p *Pool) refreshGauge() {
	now := p.opts.Now()
	n := 0
	for _, e := range p.list() {
		if e.InCooldown(now) {
			n++
		}
	}
	metrics.ProxiesInCooldown.Set(float64(n))
}
