package pipeline

import (
	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape/rules"
)

// ErrNoSender is returned when input arrives before a sender is attached.
var ErrNoSender = errors.New("no connection to send to")

func (p *Pipeline) send(text string) error {
	p.ingest.Lock()
	sender := p.sender
	p.ingest.Unlock()
	if sender == nil {
		return errors.WithStack(ErrNoSender)
	}
	return sender.Send(text)
}

func aliasOrigin(a rules.Alias) string {
	if a.Name != "" {
		return "alias " + a.Name
	}
	return "alias " + a.ID
}

// Input expands aliases in one line of user input and sends the result.
// The first matching permanent alias wins. Script aliases send nothing
// themselves. Without a permanent match the first matching temp alias runs;
// temp aliases stay in place after firing. Unmatched input is sent as is.
func (p *Pipeline) Input(text string) error {
	if p.store == nil {
		return p.send(text)
	}
	for _, a := range p.store.Aliases() {
		if !p.store.EffectiveActive(a.Active, a.Class) {
			continue
		}
		m, err := rules.Compile(a.Pattern, rules.Regex, false)
		if err != nil {
			continue
		}
		match, ok := m.Match(text)
		if !ok {
			continue
		}
		p.metrics.RuleFired(string(rules.KindAlias))
		if a.Kind == rules.Script {
			p.dispatch(aliasOrigin(a), a.Script, nil, match)
			return nil
		}
		return p.send(rules.Expand(a.Command, match.Groups))
	}
	for _, ta := range p.store.TempAliases() {
		match, ok := ta.Match(text)
		if !ok {
			continue
		}
		p.metrics.RuleFired("temp_alias")
		p.dispatch(ta.ID, ta.Script, nil, match)
		return nil
	}
	return p.send(text)
}

// Expand returns what Input would send for text without sending it, or
// false if a script alias would handle it.
func (p *Pipeline) Expand(text string) (string, bool) {
	if p.store == nil {
		return text, true
	}
	for _, a := range p.store.Aliases() {
		if !p.store.EffectiveActive(a.Active, a.Class) {
			continue
		}
		m, err := rules.Compile(a.Pattern, rules.Regex, false)
		if err != nil {
			continue
		}
		if match, ok := m.Match(text); ok {
			if a.Kind == rules.Script {
				return "", false
			}
			return rules.Expand(a.Command, match.Groups), true
		}
	}
	for _, ta := range p.store.TempAliases() {
		if _, ok := ta.Match(text); ok {
			return "", false
		}
	}
	return text, true
}
