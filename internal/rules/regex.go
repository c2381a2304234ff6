package rules

import (
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	defaultMatchTimeout = 100 * time.Millisecond
	maxCachedPatterns   = 1024
)

type regexKey struct {
	pattern    string
	ignoreCase bool
}

type regexEntry struct {
	re  *regexp2.Regexp
	err error
}

// RegexCache compiles rule patterns once. Patterns use .NET/Python style
// semantics, so \w matches any Unicode letter.
type RegexCache struct {
	mu      sync.Mutex
	entries map[regexKey]regexEntry
	timeout time.Duration
}

func NewRegexCache(timeout time.Duration) *RegexCache {
	if timeout <= 0 {
		timeout = defaultMatchTimeout
	}
	return &RegexCache{entries: make(map[regexKey]regexEntry), timeout: timeout}
}

func (c *RegexCache) compile(pattern string, ignoreCase bool) (*regexp2.Regexp, error) {
	key := regexKey{pattern: pattern, ignoreCase: ignoreCase}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.re, e.err
	}
	opts := regexp2.None
	if ignoreCase {
		opts |= regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(pattern, opts)
	if re != nil {
		re.MatchTimeout = c.timeout
	}
	if len(c.entries) >= maxCachedPatterns {
		c.entries = make(map[regexKey]regexEntry)
	}
	c.entries[key] = regexEntry{re: re, err: err}
	return re, err
}

// Find reports whether pattern occurs anywhere in text. Compile errors and
// match timeouts are returned to the caller.
func (c *RegexCache) Find(pattern, text string, ignoreCase bool) (bool, error) {
	re, err := c.compile(pattern, ignoreCase)
	if err != nil {
		return false, err
	}
	return re.MatchString(text)
}

// Validate reports whether pattern compiles.
func (c *RegexCache) Validate(pattern string, ignoreCase bool) error {
	_, err := c.compile(pattern, ignoreCase)
	return err
}
