package event

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Pattern declares which events a join waits for.
type Pattern struct {
	Name      string
	Direction Direction
	URL       *regexp.Regexp
	// Params maps a parameter key to a value matcher. A nil matcher only
	// requires the key to be present.
	Params map[string]*regexp.Regexp
}

// NewPattern compiles a pattern. params maps keys to value expressions; an empty
// expression means "present with any value".
func NewPattern(name string, dir Direction, urlExpr string, params map[string]string) (Pattern, error) {
	re, err := regexp.Compile(urlExpr)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %s: url: %w", name, err)
	}
	p := Pattern{Name: name, Direction: dir, URL: re}
	if len(params) > 0 {
		p.Params = make(map[string]*regexp.Regexp, len(params))
		for key, expr := range params {
			if expr == "" {
				p.Params[key] = nil
				continue
			}
			vre, err := regexp.Compile(expr)
			if err != nil {
				return Pattern{}, fmt.Errorf("pattern %s: param %s: %w", name, key, err)
			}
			p.Params[key] = vre
		}
	}
	return p, nil
}

// MustPattern is NewPattern for expressions known at compile time.
func MustPattern(name string, dir Direction, urlExpr string, params map[string]string) Pattern {
	p, err := NewPattern(name, dir, urlExpr, params)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether ev satisfies the pattern.
func (p Pattern) Match(ev Observed) bool {
	if ev.Direction != p.Direction {
		return false
	}
	if p.URL != nil && !p.URL.MatchString(ev.Flat) {
		return false
	}
	for key, re := range p.Params {
		values, ok := ev.Fields[key]
		if !ok {
			return false
		}
		if re == nil {
			continue
		}
		if !anyMatch(re, values) {
			return false
		}
	}
	return true
}

func anyMatch(re *regexp.Regexp, values []string) bool {
	for _, v := range values {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

func (p Pattern) String() string {
	if p.Name != "" {
		return p.Name
	}
	var b strings.Builder
	b.WriteString(p.Direction.String())
	if p.URL != nil {
		b.WriteString(" ")
		b.WriteString(p.URL.String())
	}
	keys := make([]string, 0, len(p.Params))
	for k := range p.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		if re := p.Params[k]; re != nil {
			b.WriteString("~")
			b.WriteString(re.String())
		}
	}
	return b.String()
}
