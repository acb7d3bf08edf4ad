// Package rules implements the mock-rule model and the first-match engine
// the proxy consults on every request.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/match"

	"github.com/mockpod/mockpod/traffic"
)

// MatchType selects how a matcher compares the request URL.
type MatchType int

const (
	MatchExact MatchType = iota
	MatchContains
	MatchRegex
	MatchGlob
)

var matchTypeNames = map[MatchType]string{
	MatchExact:    "exact",
	MatchContains: "contains",
	MatchRegex:    "regex",
	MatchGlob:     "glob",
}

func (t MatchType) String() string {
	if s, ok := matchTypeNames[t]; ok {
		return s
	}
	return "exact"
}

func (t MatchType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *MatchType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range matchTypeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("rules: unknown match type %q", s)
}

// Matcher decides whether a rule applies to (method, url). Method is
// optional; empty matches any method.
type Matcher struct {
	URLPattern string    `json:"urlPattern"`
	Method     string    `json:"method,omitempty"`
	Type       MatchType `json:"matchType"`
}

// Matches reports whether the matcher accepts the request. It is a pure
// function of its inputs; a pattern that fails to compile never matches.
func (m Matcher) Matches(method, url string) bool {
	if m.Method != "" && !strings.EqualFold(m.Method, method) {
		return false
	}
	switch m.Type {
	case MatchExact:
		return url == m.URLPattern
	case MatchContains:
		return strings.Contains(url, m.URLPattern)
	case MatchRegex:
		// RE2 rather than ECMAScript: patterns relying on backreferences or
		// lookaround fail to compile and therefore never match.
		re, err := compiled(m.URLPattern)
		if err != nil {
			return false
		}
		return re.MatchString(url)
	case MatchGlob:
		return match.Match(url, m.URLPattern)
	}
	return false
}

// MockResponse is the response a rule substitutes or overlays.
type MockResponse struct {
	StatusCode   int             `json:"statusCode"`
	Headers      traffic.Headers `json:"headers,omitempty"`
	Body         string          `json:"body"`
	DelaySeconds float64         `json:"delaySeconds,omitempty"`
}

// Delay returns the configured artificial latency, never negative.
func (m MockResponse) Delay() time.Duration {
	if m.DelaySeconds <= 0 {
		return 0
	}
	return time.Duration(m.DelaySeconds * float64(time.Second))
}

// Validate checks the fields a stored rule must satisfy.
func (m MockResponse) Validate() error {
	if m.StatusCode < 100 || m.StatusCode > 599 {
		return fmt.Errorf("rules: status code %d out of range", m.StatusCode)
	}
	if m.DelaySeconds < 0 {
		return fmt.Errorf("rules: negative delay %v", m.DelaySeconds)
	}
	return nil
}

// Rule pairs a matcher with the mock response it produces.
type Rule struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Enabled   bool         `json:"enabled"`
	Matcher   Matcher      `json:"matcher"`
	Response  MockResponse `json:"mockResponse"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt *time.Time   `json:"updatedAt,omitempty"`
}

// RuleSet is a named, ordered collection of rules.
type RuleSet struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Rules       []Rule    `json:"rules"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	Description string    `json:"description"`
}

// regex compilation is cached so a hot Match path never recompiles; a failed
// compilation is cached too and keeps yielding "no match".
var regexCache = struct {
	m map[string]*regexp.Regexp
	e map[string]error
}{m: map[string]*regexp.Regexp{}, e: map[string]error{}}

var regexCacheMu = make(chan struct{}, 1)

func compiled(pattern string) (*regexp.Regexp, error) {
	regexCacheMu <- struct{}{}
	defer func() { <-regexCacheMu }()

	if re, ok := regexCache.m[pattern]; ok {
		return re, nil
	}
	if err, ok := regexCache.e[pattern]; ok {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		regexCache.e[pattern] = err
		return nil, err
	}
	regexCache.m[pattern] = re
	return re, nil
}
