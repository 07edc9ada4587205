package ratelimit

import (
	"fmt"
	"regexp"
	"strings"

	pylon "github.com/pylonhq/pylon/internal"
)

// Settings is the rate-limit configuration the Limiter enforces.
type Settings struct {
	Global      pylon.Rule
	DefaultUser pylon.Rule
	APIs        map[string]pylon.Rule
	Patterns    []Pattern
}

// Pattern pairs an identifier pattern with the rule applied to matching
// identifiers. The pattern is "METHOD /path" where "{name}" matches one
// path segment and "*" matches any suffix, e.g. "GET /users/{id}" or
// "POST /v1/chat/*".
type Pattern struct {
	Pattern string
	Rule    pylon.Rule
}

// Rules resolves the effective rule for an API identifier. Exact entries
// win over patterns; among patterns the first declared match wins.
type Rules struct {
	apis     map[string]pylon.Rule
	patterns []compiledPattern
}

type compiledPattern struct {
	method string
	path   *regexp.Regexp
	rule   pylon.Rule
}

// CompileRules validates and compiles the API rule table.
func CompileRules(apis map[string]pylon.Rule, patterns []Pattern) (*Rules, error) {
	r := &Rules{apis: make(map[string]pylon.Rule, len(apis))}
	for id, rule := range apis {
		r.apis[id] = rule
	}
	for _, p := range patterns {
		cp, err := compilePattern(p.Pattern)
		if err != nil {
			return nil, err
		}
		cp.rule = p.Rule
		r.patterns = append(r.patterns, cp)
	}
	return r, nil
}

// Match returns the rule for apiID, or nil when no entry applies.
func (r *Rules) Match(apiID string) *pylon.Rule {
	if rule, ok := r.apis[apiID]; ok {
		return &rule
	}
	method, path, ok := strings.Cut(apiID, " ")
	if !ok {
		return nil
	}
	for i := range r.patterns {
		p := &r.patterns[i]
		if strings.EqualFold(method, p.method) && p.path.MatchString(path) {
			rule := p.rule
			return &rule
		}
	}
	return nil
}

// compilePattern turns "METHOD /path/{name}/*" into a compiled matcher:
// "{name}" becomes "[^/]+", "*" becomes ".*", everything else is literal.
func compilePattern(pattern string) (compiledPattern, error) {
	method, path, ok := strings.Cut(pattern, " ")
	if !ok || method == "" || path == "" {
		return compiledPattern{}, fmt.Errorf("api pattern %q: want \"METHOD /path\"", pattern)
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(path); {
		switch path[i] {
		case '{':
			end := strings.IndexByte(path[i:], '}')
			if end < 0 {
				return compiledPattern{}, fmt.Errorf("api pattern %q: unclosed '{'", pattern)
			}
			b.WriteString(`[^/]+`)
			i += end + 1
		case '*':
			b.WriteString(`.*`)
			i++
		default:
			j := i
			for j < len(path) && path[j] != '{' && path[j] != '*' {
				j++
			}
			b.WriteString(regexp.QuoteMeta(path[i:j]))
			i = j
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return compiledPattern{}, fmt.Errorf("api pattern %q: %w", pattern, err)
	}
	return compiledPattern{method: strings.ToUpper(method), path: re}, nil
}
