// Package rules holds triggers, aliases, timers and classes: the permanent
// ones supplied by a profile and the temporary ones created by scripts.
package rules

import (
	"time"

	"github.com/pkg/errors"
)

type MatchMode string

const (
	Regex MatchMode = "regex"
	Plain MatchMode = "plain"
)

type Kind string

const (
	KindTrigger Kind = "trigger"
	KindAlias   Kind = "alias"
	KindTimer   Kind = "timer"
	KindClass   Kind = "class"
)

// ParseKind accepts singular and plural kind names.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "trigger", "triggers":
		return KindTrigger, nil
	case "alias", "aliases":
		return KindAlias, nil
	case "timer", "timers":
		return KindTimer, nil
	case "class", "classes":
		return KindClass, nil
	}
	return "", errors.Errorf("unknown rule kind %q", s)
}

type AliasKind string

const (
	// Command aliases substitute $1..$9 into a template and send the result.
	Command AliasKind = "command"
	// Script aliases run a script and send nothing themselves.
	Script AliasKind = "script"
)

// Sound is played when a trigger matches.
type Sound struct {
	File   string `yaml:"file" json:"file"`
	Volume int    `yaml:"volume,omitempty" json:"volume,omitempty"`
	Loops  int    `yaml:"loops,omitempty" json:"loops,omitempty"`
}

// MultiLine makes a trigger match against the last LineCount lines joined
// with Delimiter.
type MultiLine struct {
	LineCount int    `yaml:"lineCount" json:"lineCount"`
	Delimiter string `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`
}

func (m *MultiLine) Enabled() bool {
	return m != nil && m.LineCount > 1
}

func (m *MultiLine) Separator() string {
	if m.Delimiter == "" {
		return "\n"
	}
	return m.Delimiter
}

type Trigger struct {
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name,omitempty" json:"name,omitempty"`
	Pattern   string     `yaml:"pattern" json:"pattern"`
	Mode      MatchMode  `yaml:"type,omitempty" json:"type,omitempty"`
	Class     string     `yaml:"class,omitempty" json:"class,omitempty"`
	Active    bool       `yaml:"active" json:"active"`
	Script    string     `yaml:"script,omitempty" json:"script,omitempty"`
	Sound     *Sound     `yaml:"sound,omitempty" json:"sound,omitempty"`
	MultiLine *MultiLine `yaml:"multiLine,omitempty" json:"multiLine,omitempty"`
	Gag       bool       `yaml:"gag,omitempty" json:"gag,omitempty"`
}

type Alias struct {
	ID      string    `yaml:"id" json:"id"`
	Name    string    `yaml:"name,omitempty" json:"name,omitempty"`
	Pattern string    `yaml:"pattern" json:"pattern"`
	Kind    AliasKind `yaml:"type,omitempty" json:"type,omitempty"`
	Command string    `yaml:"command,omitempty" json:"command,omitempty"`
	Script  string    `yaml:"script,omitempty" json:"script,omitempty"`
	Class   string    `yaml:"class,omitempty" json:"class,omitempty"`
	Active  bool      `yaml:"active" json:"active"`
}

// Timer runs its script every Interval seconds while effectively active.
type Timer struct {
	ID       string  `yaml:"id" json:"id"`
	Name     string  `yaml:"name,omitempty" json:"name,omitempty"`
	Interval float64 `yaml:"interval" json:"interval"`
	Script   string  `yaml:"script" json:"script"`
	Class    string  `yaml:"class,omitempty" json:"class,omitempty"`
	Active   bool    `yaml:"active" json:"active"`
}

func (t Timer) Period() time.Duration {
	return Seconds(t.Interval)
}

// Class gates every rule that names it by ID or name.
type Class struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Active bool   `yaml:"active" json:"active"`
}

// Rules is the permanent rule set of a profile.
type Rules struct {
	Triggers []Trigger `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Aliases  []Alias   `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Timers   []Timer   `yaml:"timers,omitempty" json:"timers,omitempty"`
	Classes  []Class   `yaml:"classes,omitempty" json:"classes,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r Rules) Clone() Rules {
	return Rules{
		Triggers: append([]Trigger(nil), r.Triggers...),
		Aliases:  append([]Alias(nil), r.Aliases...),
		Timers:   append([]Timer(nil), r.Timers...),
		Classes:  append([]Class(nil), r.Classes...),
	}
}

// SetActive flips the active flag of the first rule of kind whose id, name
// or pattern equals ref. It returns the id of the changed rule, or "" if
// none matched. This is a linear scan.
func (r *Rules) SetActive(kind Kind, ref string, active bool) string {
	switch kind {
	case KindTrigger:
		for i := range r.Triggers {
			if t := &r.Triggers[i]; t.ID == ref || t.Name == ref || t.Pattern == ref {
				t.Active = active
				return t.ID
			}
		}
	case KindAlias:
		for i := range r.Aliases {
			if a := &r.Aliases[i]; a.ID == ref || a.Name == ref || a.Pattern == ref {
				a.Active = active
				return a.ID
			}
		}
	case KindTimer:
		for i := range r.Timers {
			if t := &r.Timers[i]; t.ID == ref || t.Name == ref {
				t.Active = active
				return t.ID
			}
		}
	case KindClass:
		for i := range r.Classes {
			if c := &r.Classes[i]; c.ID == ref || c.Name == ref {
				c.Active = active
				return c.ID
			}
		}
	}
	return ""
}

// Seconds converts script-facing fractional seconds to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

type TempTrigger struct {
	ID      string
	Pattern string
	Script  string
	Expires time.Time
	matcher Matcher
}

type TempAlias struct {
	ID      string
	Pattern string
	Script  string
	matcher Matcher
}

type TempTimer struct {
	ID     string
	Script string
	Due    time.Time
}
