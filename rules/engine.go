package rules

import (
	"go.uber.org/atomic"

	"github.com/mockpod/mockpod/log"
)

// Engine evaluates requests against an ordered rule list. Readers load an
// atomic snapshot, so a Match call sees one consistent list even while a
// writer replaces it.
type Engine struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	rules []Rule
}

// NewEngine starts with an empty active list.
func NewEngine() *Engine {
	e := &Engine{}
	e.snap.Store(&snapshot{})
	return e
}

// Replace atomically swaps the active rule list. The engine keeps its own
// copy; callers may reuse the slice afterwards. Regex patterns are compiled
// eagerly so authoring errors surface in the log once, at update time,
// instead of on the request path.
func (e *Engine) Replace(rules []Rule) {
	snap := &snapshot{rules: make([]Rule, len(rules))}
	copy(snap.rules, rules)

	for _, r := range snap.rules {
		if r.Matcher.Type != MatchRegex {
			continue
		}
		if _, err := compiled(r.Matcher.URLPattern); err != nil {
			log.Warnf("rule %q has invalid pattern, it will never match: %v", r.Name, err)
		}
	}

	e.snap.Store(snap)
}

// Match returns the first enabled rule, in list order, whose matcher accepts
// (method, url). The bool reports whether any rule matched.
func (e *Engine) Match(method, url string) (Rule, bool) {
	snap := e.snap.Load()
	for _, r := range snap.rules {
		if !r.Enabled {
			continue
		}
		if r.Matcher.Matches(method, url) {
			return r, true
		}
	}
	return Rule{}, false
}

// Len reports the size of the current active list.
func (e *Engine) Len() int {
	return len(e.snap.Load().rules)
}
