package pipeline

import (
	"context"
	"fmt"

	"github.com/thalynlabs/mudscape/rules"
)

const maxFireDepth = 8

type fireDepthKey struct{}

func fireDepth(ctx context.Context) int {
	depth, _ := ctx.Value(fireDepthKey{}).(int)
	return depth
}

// hostAPI is the script.API of one dispatch. Gag, replace and echo act on
// the line that caused the dispatch, if any.
type hostAPI struct {
	p     *Pipeline
	ctx   context.Context
	line  *lineState
	match *rules.Match
}

func (h *hostAPI) Send(text string) error {
	return h.p.send(text)
}

func (h *hostAPI) Echo(text string) {
	h.p.echo(h.line, text)
}

func (h *hostAPI) GetVariable(name string) any {
	return h.p.vars.Variable(name)
}

func (h *hostAPI) SetVariable(name string, value any) error {
	return h.p.vars.SetVariable(name, value)
}

func (h *hostAPI) PlaySound(file string, volume, loops int) {
	if h.p.player != nil {
		h.p.player.Play(file, volume, loops)
	}
}

func (h *hostAPI) StopSound(file string) {
	if h.p.player != nil {
		h.p.player.Stop(file)
	}
}

func (h *hostAPI) LoopSound(file string, volume int) {
	if h.p.player != nil {
		h.p.player.Loop(file, volume)
	}
}

func (h *hostAPI) SetSoundPosition(file string, seconds float64) {
	if h.p.player != nil {
		h.p.player.SetPosition(file, seconds)
	}
}

func (h *hostAPI) Gag() {
	if h.line != nil {
		h.line.gag()
	}
}

func (h *hostAPI) Replace(old, new string) {
	if h.line != nil {
		h.line.replace(old, new)
	}
}

func (h *hostAPI) TempTrigger(pattern, script string, timeoutSeconds float64) string {
	return h.p.store.AddTempTrigger(pattern, script, rules.Seconds(timeoutSeconds))
}

func (h *hostAPI) TempAlias(pattern, script string) (string, error) {
	return h.p.store.AddTempAlias(pattern, script)
}

func (h *hostAPI) TempTimer(delaySeconds float64, script string) (string, error) {
	return h.p.store.AddTempTimer(rules.Seconds(delaySeconds), script)
}

func (h *hostAPI) KillTrigger(id string) bool {
	return h.p.store.KillTrigger(id)
}

func (h *hostAPI) KillAlias(id string) bool {
	return h.p.store.KillAlias(id)
}

func (h *hostAPI) KillTimer(id string) bool {
	return h.p.store.KillTimer(id)
}

func (h *hostAPI) SetEnabled(kind rules.Kind, ref string, enabled bool) (bool, error) {
	return h.p.store.SetActive(kind, ref, enabled)
}

func (h *hostAPI) ExpandAlias(text string) error {
	return h.p.Input(text)
}

// FireTrigger runs the named permanent trigger right away, inside the
// calling script, with the caller's line and matches.
func (h *hostAPI) FireTrigger(name string) bool {
	t, found := h.p.findTrigger(name)
	if !found {
		return false
	}
	depth := fireDepth(h.ctx)
	if depth >= maxFireDepth {
		h.p.echo(h.line, fmt.Sprintf("fireTrigger(%q): nested more than %d deep, not run.", name, maxFireDepth))
		return false
	}
	h.p.metrics.RuleFired(string(rules.KindTrigger))
	if t.Gag && h.line != nil {
		h.line.gag()
	}
	if t.Script != "" {
		h.p.run(context.WithValue(h.ctx, fireDepthKey{}, depth+1), triggerOrigin(t), t.Script, h.line, h.match)
	}
	return true
}

func (h *hostAPI) Notify(title, text string) {
	if h.p.display != nil {
		h.p.display.Notify(title, text)
	}
}

func (h *hostAPI) SetGauge(name string, value, max float64, color string) {
	if h.p.display != nil {
		h.p.display.SetGauge(name, value, max, color)
	}
}

func (h *hostAPI) ClearGauge(name string) {
	if h.p.display != nil {
		h.p.display.ClearGauge(name)
	}
}

func (h *hostAPI) Log(text string) {
	h.p.Log(text)
}

func (h *hostAPI) GetLog() []string {
	return h.p.LogEntries()
}

func (h *hostAPI) ClearLog() {
	h.p.ClearLog()
}
