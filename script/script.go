// Package script defines what a trigger, alias or timer script can see and
// call, independent of the language it is written in.
package script

import (
	"context"
	"fmt"

	"github.com/thalynlabs/mudscape/rules"
)

// API is the host surface exposed to scripts. Implementations bind the
// line mutators to the line being processed when the script was dispatched.
type API interface {
	Send(text string) error
	Echo(text string)

	GetVariable(name string) any
	SetVariable(name string, value any) error

	PlaySound(file string, volume, loops int)
	StopSound(file string)
	LoopSound(file string, volume int)
	SetSoundPosition(file string, seconds float64)

	Gag()
	Replace(old, new string)

	TempTrigger(pattern, script string, timeoutSeconds float64) string
	TempAlias(pattern, script string) (string, error)
	TempTimer(delaySeconds float64, script string) (string, error)
	KillTrigger(id string) bool
	KillAlias(id string) bool
	KillTimer(id string) bool
	SetEnabled(kind rules.Kind, ref string, enabled bool) (bool, error)

	ExpandAlias(text string) error
	FireTrigger(name string) bool

	Notify(title, text string)
	SetGauge(name string, value, max float64, color string)
	ClearGauge(name string)
	Log(text string)
	GetLog() []string
	ClearLog()
}

// Context is built for a single dispatch and must not be reused.
type Context struct {
	API API
	// Origin names the rule that dispatched the script, for error reports.
	Origin   string
	Line     string
	Matches  []string
	Named    map[string]string
	IsPrompt bool
}

// Engine runs script source. Engines are owned by one session and are not
// used concurrently.
type Engine interface {
	Run(ctx context.Context, c *Context, source string) error
	Close() error
}

// Error is a failure raised by a script.
type Error struct {
	Origin string
	Err    error
}

func (e *Error) Error() string {
	if e.Origin == "" {
		return fmt.Sprintf("script error: %v", e.Err)
	}
	return fmt.Sprintf("script error in %s: %v", e.Origin, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Functions lists the global names every engine defines, in the order the
// help text shows them.
var Functions = []string{
	"send", "echo",
	"getVariable", "setVariable",
	"playSound", "stopSound", "loopSound", "setSoundPosition",
	"gag", "replace",
	"tempTrigger", "tempAlias", "tempTimer",
	"killTrigger", "killAlias", "killTimer",
	"enableTrigger", "disableTrigger",
	"enableAlias", "disableAlias",
	"enableTimer", "disableTimer",
	"enableClass", "disableClass",
	"expandAlias", "fireTrigger",
	"notify", "setGauge", "clearGauge",
	"log", "getLog", "clearLog",
}

// Toggles maps the enable/disable function names to their rule kind and
// target state.
var Toggles = map[string]struct {
	Kind    rules.Kind
	Enabled bool
}{
	"enableTrigger":  {rules.KindTrigger, true},
	"disableTrigger": {rules.KindTrigger, false},
	"enableAlias":    {rules.KindAlias, true},
	"disableAlias":   {rules.KindAlias, false},
	"enableTimer":    {rules.KindTimer, true},
	"disableTimer":   {rules.KindTimer, false},
	"enableClass":    {rules.KindClass, true},
	"disableClass":   {rules.KindClass, false},
}
