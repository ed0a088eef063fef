// Package js runs scripts in pooled v8 isolates.
package js

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/script"
	"rogchap.com/v8go"
)

var (
	machinesOnce sync.Once
	machines     chan *machine
	machinesErr  error
)

func startMachines() {
	machines = make(chan *machine, runtime.NumCPU())
	for i := 0; i < runtime.NumCPU(); i++ {
		m, err := newMachine()
		if err != nil {
			machinesErr = err
			return
		}
		machines <- m
	}
}

func acquire() (*machine, error) {
	machinesOnce.Do(startMachines)
	if machinesErr != nil {
		return nil, machinesErr
	}
	return <-machines, nil
}

type machine struct {
	iso                    *v8go.Isolate
	vctx                   *v8go.Context
	unableToGenerateString *v8go.Value
}

func newMachine() (*machine, error) {
	m := &machine{
		iso: v8go.NewIsolate(),
	}
	m.vctx = v8go.NewContext(m.iso)
	var err error
	if m.unableToGenerateString, err = v8go.NewValue(m.iso, "unable to generate exception"); err != nil {
		return nil, mudscape.WithStack(err)
	}
	return m, nil
}

type callback func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value

// RunContext binds one run's script.Context to the machine executing it.
type RunContext struct {
	m *machine
	c *script.Context
}

func (rc *RunContext) Context() *v8go.Context {
	return rc.m.vctx
}

func (rc *RunContext) String(s string) *v8go.Value {
	if res, err := v8go.NewValue(rc.m.iso, s); err == nil {
		return res
	}
	return rc.m.unableToGenerateString
}

func (rc *RunContext) Bool(b bool) *v8go.Value {
	if res, err := v8go.NewValue(rc.m.iso, b); err == nil {
		return res
	}
	return nil
}

func (rc *RunContext) Throw(format string, args ...any) *v8go.Value {
	return rc.Context().Isolate().ThrowException(rc.String(fmt.Sprintf(format, args...)))
}

// toJS converts plain Go data through JSON.
func (rc *RunContext) toJS(v any) (*v8go.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, mudscape.WithStack(err)
	}
	val, err := v8go.JSONParse(rc.m.vctx, string(b))
	if err != nil {
		return nil, mudscape.WithStack(err)
	}
	return val, nil
}

func (rc *RunContext) fromJS(v *v8go.Value) (any, error) {
	if v == nil || v.IsUndefined() || v.IsNull() {
		return nil, nil
	}
	s, err := v8go.JSONStringify(rc.m.vctx, v)
	if err != nil {
		return nil, mudscape.WithStack(err)
	}
	var result any
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return nil, mudscape.WithStack(err)
	}
	return result, nil
}

func stringArg(info *v8go.FunctionCallbackInfo, i int) (string, bool) {
	args := info.Args()
	if i >= len(args) || !args[i].IsString() {
		return "", false
	}
	return args[i].String(), true
}

func numberArg(info *v8go.FunctionCallbackInfo, i int, def float64) float64 {
	args := info.Args()
	if i >= len(args) || !args[i].IsNumber() {
		return def
	}
	return args[i].Number()
}

func joinArgs(rc *RunContext, info *v8go.FunctionCallbackInfo) string {
	parts := []string{}
	for _, arg := range info.Args() {
		s := arg.String()
		if s == "[object Object]" {
			if j, err := v8go.JSONStringify(rc.Context(), arg); err == nil {
				s = j
			}
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// stringFunc adapts a host function taking one string argument.
func stringFunc(name string, f func(rc *RunContext, s string) *v8go.Value) callback {
	return func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
		s, ok := stringArg(info, 0)
		if !ok {
			return rc.Throw("%s takes [string] arguments", name)
		}
		return f(rc, s)
	}
}

func callbacks() map[string]callback {
	result := map[string]callback{
		"send": stringFunc("send", func(rc *RunContext, s string) *v8go.Value {
			if err := rc.c.API.Send(s); err != nil {
				return rc.Throw("send: %v", err)
			}
			return nil
		}),
		"echo": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			rc.c.API.Echo(joinArgs(rc, info))
			return nil
		},
		"getVariable": stringFunc("getVariable", func(rc *RunContext, s string) *v8go.Value {
			val, err := rc.toJS(rc.c.API.GetVariable(s))
			if err != nil {
				return rc.Throw("getVariable: %v", err)
			}
			return val
		}),
		"setVariable": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			name, ok := stringArg(info, 0)
			if !ok || len(info.Args()) < 2 {
				return rc.Throw("setVariable takes [string, any] arguments")
			}
			val, err := rc.fromJS(info.Args()[1])
			if err != nil {
				return rc.Throw("setVariable: %v", err)
			}
			if err := rc.c.API.SetVariable(name, val); err != nil {
				return rc.Throw("setVariable: %v", err)
			}
			return nil
		},
		"stopSound": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			file, _ := stringArg(info, 0)
			rc.c.API.StopSound(file)
			return nil
		},
		"playSound": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			file, ok := stringArg(info, 0)
			if !ok {
				return rc.Throw("playSound takes [string, number?, number?] arguments")
			}
			rc.c.API.PlaySound(file, int(numberArg(info, 1, 100)), int(numberArg(info, 2, 1)))
			return nil
		},
		"loopSound": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			file, ok := stringArg(info, 0)
			if !ok {
				return rc.Throw("loopSound takes [string, number?] arguments")
			}
			rc.c.API.LoopSound(file, int(numberArg(info, 1, 100)))
			return nil
		},
		"setSoundPosition": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			file, ok := stringArg(info, 0)
			if !ok {
				return rc.Throw("setSoundPosition takes [string, number] arguments")
			}
			rc.c.API.SetSoundPosition(file, numberArg(info, 1, 0))
			return nil
		},
		"gag": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			rc.c.API.Gag()
			return nil
		},
		"replace": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			old, ok1 := stringArg(info, 0)
			repl, ok2 := stringArg(info, 1)
			if !ok1 || !ok2 {
				return rc.Throw("replace takes [string, string] arguments")
			}
			rc.c.API.Replace(old, repl)
			return nil
		},
		"tempTrigger": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			pattern, ok1 := stringArg(info, 0)
			source, ok2 := stringArg(info, 1)
			if !ok1 || !ok2 {
				return rc.Throw("tempTrigger takes [string, string, number?] arguments")
			}
			return rc.String(rc.c.API.TempTrigger(pattern, source, numberArg(info, 2, 0)))
		},
		"tempAlias": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			pattern, ok1 := stringArg(info, 0)
			source, ok2 := stringArg(info, 1)
			if !ok1 || !ok2 {
				return rc.Throw("tempAlias takes [string, string] arguments")
			}
			id, err := rc.c.API.TempAlias(pattern, source)
			if err != nil {
				return rc.Throw("tempAlias: %v", err)
			}
			return rc.String(id)
		},
		"tempTimer": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			source, ok := stringArg(info, 1)
			if !ok || len(info.Args()) < 1 || !info.Args()[0].IsNumber() {
				return rc.Throw("tempTimer takes [number, string] arguments")
			}
			id, err := rc.c.API.TempTimer(info.Args()[0].Number(), source)
			if err != nil {
				return rc.Throw("tempTimer: %v", err)
			}
			return rc.String(id)
		},
		"killTrigger": stringFunc("killTrigger", func(rc *RunContext, s string) *v8go.Value {
			return rc.Bool(rc.c.API.KillTrigger(s))
		}),
		"killAlias": stringFunc("killAlias", func(rc *RunContext, s string) *v8go.Value {
			return rc.Bool(rc.c.API.KillAlias(s))
		}),
		"killTimer": stringFunc("killTimer", func(rc *RunContext, s string) *v8go.Value {
			return rc.Bool(rc.c.API.KillTimer(s))
		}),
		"expandAlias": stringFunc("expandAlias", func(rc *RunContext, s string) *v8go.Value {
			if err := rc.c.API.ExpandAlias(s); err != nil {
				return rc.Throw("expandAlias: %v", err)
			}
			return nil
		}),
		"fireTrigger": stringFunc("fireTrigger", func(rc *RunContext, s string) *v8go.Value {
			return rc.Bool(rc.c.API.FireTrigger(s))
		}),
		"notify": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			first, ok := stringArg(info, 0)
			if !ok {
				return rc.Throw("notify takes [string, string?] arguments")
			}
			if second, ok := stringArg(info, 1); ok {
				rc.c.API.Notify(first, second)
			} else {
				rc.c.API.Notify("", first)
			}
			return nil
		},
		"setGauge": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			name, ok := stringArg(info, 0)
			if !ok {
				return rc.Throw("setGauge takes [string, number, number?, string?] arguments")
			}
			color, _ := stringArg(info, 3)
			rc.c.API.SetGauge(name, numberArg(info, 1, 0), numberArg(info, 2, 100), color)
			return nil
		},
		"clearGauge": stringFunc("clearGauge", func(rc *RunContext, s string) *v8go.Value {
			rc.c.API.ClearGauge(s)
			return nil
		}),
		"log": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			rc.c.API.Log(joinArgs(rc, info))
			return nil
		},
		"getLog": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			val, err := rc.toJS(rc.c.API.GetLog())
			if err != nil {
				return rc.Throw("getLog: %v", err)
			}
			return val
		},
		"clearLog": func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			rc.c.API.ClearLog()
			return nil
		},
	}
	for name, toggle := range script.Toggles {
		result[name] = stringFunc(name, func(rc *RunContext, s string) *v8go.Value {
			changed, err := rc.c.API.SetEnabled(toggle.Kind, s, toggle.Enabled)
			if err != nil {
				return rc.Throw("%s: %v", name, err)
			}
			return rc.Bool(changed)
		})
	}
	return result
}

func (rc *RunContext) addCallback(name string, f callback) error {
	return mudscape.WithStack(
		rc.m.vctx.Global().Set(
			name,
			v8go.NewFunctionTemplate(
				rc.m.iso,
				func(info *v8go.FunctionCallbackInfo) *v8go.Value {
					return f(rc, info)
				},
			).GetFunction(rc.m.vctx),
		),
	)
}

func (rc *RunContext) prepare() error {
	for name, f := range callbacks() {
		if err := rc.addCallback(name, f); err != nil {
			return err
		}
	}
	return rc.setGlobals()
}

// setGlobals binds matches, named, line and isPrompt from rc.c.
func (rc *RunContext) setGlobals() error {
	matches := rc.c.Matches
	if matches == nil {
		matches = []string{}
	}
	named := rc.c.Named
	if named == nil {
		named = map[string]string{}
	}
	globals := map[string]any{
		"matches":  matches,
		"named":    named,
		"line":     rc.c.Line,
		"isPrompt": rc.c.IsPrompt,
	}
	for name, v := range globals {
		val, err := rc.toJS(v)
		if err != nil {
			return err
		}
		if err := rc.m.vctx.Global().Set(name, val); err != nil {
			return mudscape.WithStack(err)
		}
	}
	return nil
}

var (
	ErrTimeout = fmt.Errorf("Timeout")
)

type result struct {
	value *v8go.Value
	err   error
}

// withTimeout runs f and terminates the isolate if it outlives timeout. The
// machine is not released until f has returned.
func (rc *RunContext) withTimeout(ctx context.Context, f func() (*v8go.Value, error), timeout time.Duration) (*v8go.Value, error) {
	results := make(chan result, 1)
	go func() {
		val, err := f()
		results <- result{value: val, err: err}
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case res := <-results:
		return res.value, mudscape.WithStack(res.err)
	case <-deadline:
		rc.m.iso.TerminateExecution()
		<-results
		return nil, mudscape.WithStack(ErrTimeout)
	case <-ctx.Done():
		rc.m.iso.TerminateExecution()
		<-results
		return nil, mudscape.WithStack(ctx.Err())
	}
}

// Engine runs JavaScript. It holds no isolate of its own; each Run borrows
// one from the shared pool.
type Engine struct {
	Timeout time.Duration

	// active is the run in progress, if any. A script that fires another
	// trigger re-enters Run on the same machine.
	active *RunContext
}

func New(timeout time.Duration) *Engine {
	return &Engine{Timeout: timeout}
}

func (e *Engine) Run(ctx context.Context, c *script.Context, source string) error {
	origin := c.Origin
	if origin == "" {
		origin = "script"
	}
	if rc := e.active; rc != nil {
		return e.nested(rc, c, source, origin)
	}

	m, err := acquire()
	if err != nil {
		return &script.Error{Origin: c.Origin, Err: err}
	}
	defer func() { machines <- m }()

	rc := &RunContext{m: m, c: c}
	if err := rc.prepare(); err != nil {
		return &script.Error{Origin: c.Origin, Err: err}
	}
	e.active = rc
	defer func() { e.active = nil }()
	if _, err := rc.withTimeout(ctx, func() (*v8go.Value, error) {
		return rc.m.vctx.RunScript(wrap(source), origin)
	}, e.Timeout); err != nil {
		log.Printf("-- error in %q --\n%v", origin, err)
		return &script.Error{Origin: c.Origin, Err: err}
	}
	return nil
}

// nested runs source inside the outer run's callback, on its goroutine and
// under its timeout.
func (e *Engine) nested(rc *RunContext, c *script.Context, source, origin string) error {
	outer := rc.c
	rc.c = c
	defer func() {
		rc.c = outer
		if err := rc.setGlobals(); err != nil {
			log.Printf("restoring globals after %q: %v", origin, err)
		}
	}()
	if err := rc.setGlobals(); err != nil {
		return &script.Error{Origin: c.Origin, Err: err}
	}
	if _, err := rc.m.vctx.RunScript(wrap(source), origin); err != nil {
		return &script.Error{Origin: c.Origin, Err: mudscape.WithStack(err)}
	}
	return nil
}

// wrap gives each run its own scope, since the v8 context is shared by every
// run on the machine and top-level let/const would collide.
func wrap(source string) string {
	return "(function() {\n" + source + "\n})();"
}

func (e *Engine) Close() error {
	return nil
}
