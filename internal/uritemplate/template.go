// Package uritemplate compiles resource URI templates with simple {name}
// placeholders into anchored matchers. Each variable matches a single path
// segment; templates are cached by their raw text so compiling the same
// template repeatedly returns the same matcher.
package uritemplate

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	rfc6570 "github.com/yosida95/uritemplate/v3"
)

// DefaultCacheSize bounds the number of compiled templates kept in a Cache.
const DefaultCacheSize = 1024

var (
	placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)
	varNameRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Template is a compiled URI template.
type Template struct {
	raw      string
	re       *regexp.Regexp
	vars     []string
	literals int
}

// Raw returns the template text.
func (t *Template) Raw() string { return t.raw }

// Regexp returns the anchored matcher.
func (t *Template) Regexp() *regexp.Regexp { return t.re }

// Vars returns the variable names in template order.
func (t *Template) Vars() []string { return append([]string(nil), t.vars...) }

// Specificity is the number of literal characters outside placeholders.
// Higher values are tried first when several templates could match a URI.
func (t *Template) Specificity() int { return t.literals }

// Match reports whether uri satisfies the template and returns the extracted
// variables keyed by name.
func (t *Template) Match(uri string) (map[string]string, bool) {
	m := t.re.FindStringSubmatch(uri)
	if m == nil {
		return nil, false
	}
	vars := make(map[string]string, len(t.vars))
	for i, name := range t.vars {
		vars[name] = m[i+1]
	}
	return vars, true
}

// Compile parses raw into a Template without consulting any cache.
func Compile(raw string) (*Template, error) {
	if raw == "" {
		return nil, fmt.Errorf("uritemplate: empty template")
	}
	parsed, err := rfc6570.New(raw)
	if err != nil {
		return nil, fmt.Errorf("uritemplate: invalid template %q: %w", raw, err)
	}

	var (
		pattern  strings.Builder
		vars     []string
		literals int
		last     int
		seen     = make(map[string]struct{})
	)
	pattern.WriteByte('^')
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(raw, -1) {
		lit := raw[last:loc[0]]
		pattern.WriteString(regexp.QuoteMeta(lit))
		literals += len(lit)

		name := raw[loc[2]:loc[3]]
		if !varNameRe.MatchString(name) {
			return nil, fmt.Errorf("uritemplate: unsupported expression {%s} in %q", name, raw)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("uritemplate: duplicate variable %q in %q", name, raw)
		}
		seen[name] = struct{}{}
		vars = append(vars, name)
		fmt.Fprintf(&pattern, "(?P<%s>[^/]+)", name)
		last = loc[1]
	}
	tail := raw[last:]
	pattern.WriteString(regexp.QuoteMeta(tail))
	literals += len(tail)
	pattern.WriteByte('$')

	if got := parsed.Varnames(); len(got) != len(vars) {
		return nil, fmt.Errorf("uritemplate: %q declares %d variables, parsed %d", raw, len(got), len(vars))
	}

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, fmt.Errorf("uritemplate: compile %q: %w", raw, err)
	}

	return &Template{raw: raw, re: re, vars: vars, literals: literals}, nil
}

// Cache memoizes compiled templates by raw text.
type Cache struct {
	lru *lru.Cache[string, *Template]
}

// NewCache returns a Cache holding up to size templates. A non-positive size
// selects DefaultCacheSize.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, *Template](size)
	if err != nil {
		// Only possible for a non-positive size, which is handled above.
		panic(err)
	}
	return &Cache{lru: c}
}

// Compile returns the cached Template for raw, compiling it on first use.
func (c *Cache) Compile(raw string) (*Template, error) {
	if t, ok := c.lru.Get(raw); ok {
		return t, nil
	}
	t, err := Compile(raw)
	if err != nil {
		return nil, err
	}
	c.lru.Add(raw, t)
	return t, nil
}

// Len returns the number of cached templates.
func (c *Cache) Len() int { return c.lru.Len() }
