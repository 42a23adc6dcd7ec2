package filter

import (
	"strings"
	"sync"

	"adsplice-proxy/work/logger"

	"github.com/grafana/regexp"
)

// regexMeta detects whether a configured domain entry is a pattern or a plain name
var regexMeta = regexp.MustCompile(`[\\^$*+?()\[\]{}|]`)

// HostMatcher decides whether a request host belongs to the CDN set whose
// download tokens are bound to the egress IP. Plain entries match the name
// itself and every subdomain; entries with regex metacharacters are
// compiled and matched against the whole host.
type HostMatcher struct {
	suffixes []string
	patterns []*regexp.Regexp

	decisions map[string]bool
	mu        sync.RWMutex
}

// NewHostMatcher compiles the configured CDN domain list. Invalid patterns
// are logged and skipped rather than failing startup.
func NewHostMatcher(domains []string) *HostMatcher {
	hm := &HostMatcher{
		decisions: make(map[string]bool),
	}

	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}

		if !regexMeta.MatchString(d) {
			hm.suffixes = append(hm.suffixes, strings.TrimPrefix(d, "."))
			continue
		}

		compiled, err := regexp.Compile("(?i)" + d)
		if err != nil {
			logger.Error("{filter/filter - NewHostMatcher} failed to compile CDN pattern '%s': %v", d, err)
			continue
		}
		hm.patterns = append(hm.patterns, compiled)
		logger.Debug("{filter/filter - NewHostMatcher} compiled CDN pattern '%s'", d)
	}

	return hm
}

// Match reports whether host (without port) is a CDN host
func (hm *HostMatcher) Match(host string) bool {
	if hm == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	hm.mu.RLock()
	decided, ok := hm.decisions[host]
	hm.mu.RUnlock()
	if ok {
		return decided
	}

	decided = hm.match(host)

	hm.mu.Lock()
	// hosts are few and stable per deployment; cap anyway so hostile input cannot grow it
	if len(hm.decisions) > 4096 {
		hm.decisions = make(map[string]bool)
	}
	hm.decisions[host] = decided
	hm.mu.Unlock()

	return decided
}

func (hm *HostMatcher) match(host string) bool {
	for _, s := range hm.suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	for _, p := range hm.patterns {
		if p.MatchString(host) {
			return true
		}
	}
	return false
}

// Size returns the number of configured entries
func (hm *HostMatcher) Size() int {
	if hm == nil {
		return 0
	}
	return len(hm.suffixes) + len(hm.patterns)
}
