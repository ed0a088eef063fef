// Package profile holds per-user automation settings: connection defaults,
// permanent rules and persistent script variables.
package profile

import (
	"maps"

	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape/rules"
	"gopkg.in/yaml.v3"
)

const (
	Lua        = "lua"
	JavaScript = "js"
)

type Profile struct {
	Name            string `yaml:"name" json:"name"`
	Host            string `yaml:"host,omitempty" json:"host,omitempty"`
	Port            int    `yaml:"port,omitempty" json:"port,omitempty"`
	Encoding        string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
	GMCP            bool   `yaml:"gmcp" json:"gmcp"`
	PromptPattern   string `yaml:"promptPattern,omitempty" json:"promptPattern,omitempty"`
	TriggersEnabled bool   `yaml:"triggersEnabled" json:"triggersEnabled"`
	ScriptLanguage  string `yaml:"scriptLanguage" json:"scriptLanguage"`

	rules.Rules `yaml:",inline"`

	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// Default returns an empty profile with processing enabled.
func Default(name string) *Profile {
	return &Profile{
		Name:            name,
		Encoding:        "utf-8",
		GMCP:            true,
		TriggersEnabled: true,
		ScriptLanguage:  Lua,
	}
}

// UnmarshalYAML fills fields missing from the document with defaults.
func (p *Profile) UnmarshalYAML(value *yaml.Node) error {
	type plain Profile
	raw := plain(*Default(""))
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*p = Profile(raw)
	return nil
}

func (p *Profile) Clone() *Profile {
	c := *p
	c.Rules = p.Rules.Clone()
	c.Variables = maps.Clone(p.Variables)
	return &c
}

func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile has no name")
	}
	if p.Port < 0 || p.Port > 65535 {
		return errors.Errorf("profile %q: port %d out of range", p.Name, p.Port)
	}
	switch p.ScriptLanguage {
	case Lua, JavaScript:
	default:
		return errors.Errorf("profile %q: unknown script language %q", p.Name, p.ScriptLanguage)
	}
	if p.PromptPattern != "" {
		if _, err := rules.Compile(p.PromptPattern, rules.Regex, false); err != nil {
			return errors.Wrapf(err, "profile %q: prompt pattern", p.Name)
		}
	}
	seen := map[string]bool{}
	for _, t := range p.Triggers {
		if t.ID == "" {
			return errors.Errorf("profile %q: trigger %q has no id", p.Name, t.Name)
		}
		if seen[t.ID] {
			return errors.Errorf("profile %q: duplicate trigger id %q", p.Name, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}
