package rules

import (
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/thalynlabs/mudscape"
)

const (
	matchTimeout     = 250 * time.Millisecond
	compileCacheSize = 1024
)

// Match is a successful match. Groups[0] is the whole match and Groups[n]
// the nth capture group. Plain matches have a single group: the pattern.
type Match struct {
	Groups []string
	Named  map[string]string
}

type Matcher interface {
	Match(text string) (*Match, bool)
}

type plainMatcher string

func (p plainMatcher) Match(text string) (*Match, bool) {
	if !strings.Contains(text, string(p)) {
		return nil, false
	}
	return &Match{Groups: []string{string(p)}}, true
}

type regexMatcher struct {
	re *regexp2.Regexp
}

func (r regexMatcher) Match(text string) (*Match, bool) {
	m, err := r.re.FindStringMatch(text)
	if err != nil || m == nil {
		// A timeout is a non-match like any other.
		return nil, false
	}
	groups := m.Groups()
	result := &Match{Groups: make([]string, 0, len(groups))}
	for _, g := range groups {
		result.Groups = append(result.Groups, g.String())
		if _, err := strconv.Atoi(g.Name); err != nil {
			if result.Named == nil {
				result.Named = map[string]string{}
			}
			result.Named[g.Name] = g.String()
		}
	}
	return result, true
}

type compileKey struct {
	pattern string
	mode    MatchMode
	dotAll  bool
}

type compiled struct {
	matcher Matcher
	err     error
}

var compileCache = func() *lru.Cache[compileKey, compiled] {
	c, err := lru.New[compileKey, compiled](compileCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}()

// Compile returns a matcher for pattern. Regex mode uses dotAll to let .
// match newlines, which multi-line triggers need. Results, including
// failures, are cached.
func Compile(pattern string, mode MatchMode, dotAll bool) (Matcher, error) {
	key := compileKey{pattern: pattern, mode: mode, dotAll: dotAll}
	if c, found := compileCache.Get(key); found {
		return c.matcher, c.err
	}
	var c compiled
	if mode == Plain {
		c.matcher = plainMatcher(pattern)
	} else {
		opts := regexp2.None
		if dotAll {
			opts |= regexp2.Singleline
		}
		re, err := regexp2.Compile(pattern, opts)
		if err != nil {
			c.err = mudscape.WithStack(err)
		} else {
			re.MatchTimeout = matchTimeout
			c.matcher = regexMatcher{re: re}
		}
	}
	compileCache.Add(key, c)
	return c.matcher, c.err
}

// CompileLoose compiles pattern as a regex, falling back to substring
// matching when it is not a valid regex.
func CompileLoose(pattern string) Matcher {
	if m, err := Compile(pattern, Regex, false); err == nil {
		return m
	}
	m, _ := Compile(pattern, Plain, false)
	return m
}

// MatchTrigger matches a single-line trigger against text. Invalid patterns
// never match.
func MatchTrigger(t Trigger, text string, dotAll bool) (*Match, bool) {
	m, err := Compile(t.Pattern, t.Mode, dotAll)
	if err != nil {
		return nil, false
	}
	return m.Match(text)
}

// Expand substitutes $1..$9 in template with the corresponding groups.
// Missing groups expand to the empty string.
func Expand(template string, groups []string) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c == '$' && i+1 < len(template) && template[i+1] >= '1' && template[i+1] <= '9' {
			n := int(template[i+1] - '0')
			if n < len(groups) {
				b.WriteString(groups[n])
			}
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
