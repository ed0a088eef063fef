// Package lua runs scripts with gopher-lua.
package lua

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/script"
	glua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

const compiledCacheSize = 256

// Globals removed from every state. Scripts talk to the world only through
// the host API.
var unsafeGlobals = []string{"os", "io", "dofile", "loadfile", "require", "module", "package", "debug"}

// Engine is one Lua state. It is not safe for concurrent use; the session's
// dispatcher is its only caller.
type Engine struct {
	L        *glua.LState
	Timeout  time.Duration
	current  *script.Context
	compiled *lru.Cache[string, *glua.FunctionProto]
}

func New(timeout time.Duration) (*Engine, error) {
	compiled, err := lru.New[string, *glua.FunctionProto](compiledCacheSize)
	if err != nil {
		return nil, mudscape.WithStack(err)
	}
	e := &Engine{
		L:        glua.NewState(),
		Timeout:  timeout,
		compiled: compiled,
	}
	for _, name := range unsafeGlobals {
		e.L.SetGlobal(name, glua.LNil)
	}
	for name, fn := range e.functions() {
		e.L.SetGlobal(name, e.L.NewFunction(fn))
	}
	return e, nil
}

func (e *Engine) Close() error {
	e.L.Close()
	return nil
}

func (e *Engine) compile(source string) (*glua.FunctionProto, error) {
	if proto, found := e.compiled.Get(source); found {
		return proto, nil
	}
	chunk, err := parse.Parse(strings.NewReader(source), "script")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	proto, err := glua.Compile(chunk, "script")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	e.compiled.Add(source, proto)
	return proto, nil
}

// Run executes source with matches, named, line and isPrompt bound from c.
// matches[0] is the whole match and matches[n] the nth group.
func (e *Engine) Run(ctx context.Context, c *script.Context, source string) error {
	proto, err := e.compile(source)
	if err != nil {
		return &script.Error{Origin: c.Origin, Err: err}
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	// Runs nest when a script fires another trigger; the outer run's
	// bindings are restored afterwards.
	prev := e.current
	prevGlobals := e.saveGlobals()
	prevCtx := e.L.Context()
	defer func() {
		e.current = prev
		e.restoreGlobals(prevGlobals)
		if prevCtx != nil {
			e.L.SetContext(prevCtx)
		} else {
			e.L.RemoveContext()
		}
	}()
	e.current = c

	matches := e.L.NewTable()
	for i, m := range c.Matches {
		matches.RawSetInt(i, glua.LString(m))
	}
	named := e.L.NewTable()
	for k, v := range c.Named {
		named.RawSetString(k, glua.LString(v))
	}
	e.L.SetGlobal("matches", matches)
	e.L.SetGlobal("named", named)
	e.L.SetGlobal("line", glua.LString(c.Line))
	e.L.SetGlobal("isPrompt", glua.LBool(c.IsPrompt))

	e.L.SetContext(ctx)
	base := e.L.GetTop()
	e.L.Push(e.L.NewFunctionFromProto(proto))
	err = e.L.PCall(0, glua.MultRet, nil)
	e.L.SetTop(base)
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Wrapf(ctx.Err(), "after %v", e.Timeout)
		}
		return &script.Error{Origin: c.Origin, Err: err}
	}
	return nil
}

var contextGlobals = []string{"matches", "named", "line", "isPrompt"}

func (e *Engine) saveGlobals() []glua.LValue {
	saved := make([]glua.LValue, len(contextGlobals))
	for i, name := range contextGlobals {
		saved[i] = e.L.GetGlobal(name)
	}
	return saved
}

func (e *Engine) restoreGlobals(saved []glua.LValue) {
	for i, name := range contextGlobals {
		e.L.SetGlobal(name, saved[i])
	}
}

func (e *Engine) api(L *glua.LState) script.API {
	if e.current == nil || e.current.API == nil {
		L.RaiseError("host functions are only available while a script runs")
	}
	return e.current.API
}

func (e *Engine) functions() map[string]glua.LGFunction {
	fns := map[string]glua.LGFunction{
		"send": func(L *glua.LState) int {
			if err := e.api(L).Send(L.CheckString(1)); err != nil {
				L.RaiseError("send: %v", err)
			}
			return 0
		},
		"echo": func(L *glua.LState) int {
			e.api(L).Echo(joinArgs(L))
			return 0
		},
		"getVariable": func(L *glua.LState) int {
			L.Push(toLua(L, e.api(L).GetVariable(L.CheckString(1))))
			return 1
		},
		"setVariable": func(L *glua.LState) int {
			if err := e.api(L).SetVariable(L.CheckString(1), fromLua(L.Get(2))); err != nil {
				L.RaiseError("setVariable: %v", err)
			}
			return 0
		},
		"playSound": func(L *glua.LState) int {
			e.api(L).PlaySound(L.CheckString(1), L.OptInt(2, 100), L.OptInt(3, 1))
			return 0
		},
		"stopSound": func(L *glua.LState) int {
			e.api(L).StopSound(L.OptString(1, ""))
			return 0
		},
		"loopSound": func(L *glua.LState) int {
			e.api(L).LoopSound(L.CheckString(1), L.OptInt(2, 100))
			return 0
		},
		"setSoundPosition": func(L *glua.LState) int {
			e.api(L).SetSoundPosition(L.CheckString(1), float64(L.CheckNumber(2)))
			return 0
		},
		"gag": func(L *glua.LState) int {
			e.api(L).Gag()
			return 0
		},
		"replace": func(L *glua.LState) int {
			e.api(L).Replace(L.CheckString(1), L.CheckString(2))
			return 0
		},
		"tempTrigger": func(L *glua.LState) int {
			L.Push(glua.LString(e.api(L).TempTrigger(L.CheckString(1), L.CheckString(2), float64(L.OptNumber(3, 0)))))
			return 1
		},
		"tempAlias": func(L *glua.LState) int {
			id, err := e.api(L).TempAlias(L.CheckString(1), L.CheckString(2))
			if err != nil {
				L.RaiseError("tempAlias: %v", err)
			}
			L.Push(glua.LString(id))
			return 1
		},
		"tempTimer": func(L *glua.LState) int {
			id, err := e.api(L).TempTimer(float64(L.CheckNumber(1)), L.CheckString(2))
			if err != nil {
				L.RaiseError("tempTimer: %v", err)
			}
			L.Push(glua.LString(id))
			return 1
		},
		"killTrigger": func(L *glua.LState) int {
			L.Push(glua.LBool(e.api(L).KillTrigger(L.CheckString(1))))
			return 1
		},
		"killAlias": func(L *glua.LState) int {
			L.Push(glua.LBool(e.api(L).KillAlias(L.CheckString(1))))
			return 1
		},
		"killTimer": func(L *glua.LState) int {
			L.Push(glua.LBool(e.api(L).KillTimer(L.CheckString(1))))
			return 1
		},
		"expandAlias": func(L *glua.LState) int {
			if err := e.api(L).ExpandAlias(L.CheckString(1)); err != nil {
				L.RaiseError("expandAlias: %v", err)
			}
			return 0
		},
		"fireTrigger": func(L *glua.LState) int {
			L.Push(glua.LBool(e.api(L).FireTrigger(L.CheckString(1))))
			return 1
		},
		"notify": func(L *glua.LState) int {
			if L.GetTop() >= 2 {
				e.api(L).Notify(L.CheckString(1), L.CheckString(2))
			} else {
				e.api(L).Notify("", L.CheckString(1))
			}
			return 0
		},
		"setGauge": func(L *glua.LState) int {
			e.api(L).SetGauge(L.CheckString(1), float64(L.CheckNumber(2)), float64(L.OptNumber(3, 100)), L.OptString(4, ""))
			return 0
		},
		"clearGauge": func(L *glua.LState) int {
			e.api(L).ClearGauge(L.CheckString(1))
			return 0
		},
		"log": func(L *glua.LState) int {
			e.api(L).Log(joinArgs(L))
			return 0
		},
		"getLog": func(L *glua.LState) int {
			t := L.NewTable()
			for _, entry := range e.api(L).GetLog() {
				t.Append(glua.LString(entry))
			}
			L.Push(t)
			return 1
		},
		"clearLog": func(L *glua.LState) int {
			e.api(L).ClearLog()
			return 0
		},
	}
	for name, toggle := range script.Toggles {
		fns[name] = func(L *glua.LState) int {
			changed, err := e.api(L).SetEnabled(toggle.Kind, L.CheckString(1), toggle.Enabled)
			if err != nil {
				L.RaiseError("%s: %v", name, err)
			}
			L.Push(glua.LBool(changed))
			return 1
		}
	}
	return fns
}

func joinArgs(L *glua.LState) string {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, " ")
}

// fromLua converts a Lua value to plain Go data: strings, float64, bool,
// nil, []any for sequences and map[string]any for other tables.
func fromLua(v glua.LValue) any {
	switch v := v.(type) {
	case glua.LString:
		return string(v)
	case glua.LNumber:
		return float64(v)
	case glua.LBool:
		return bool(v)
	case *glua.LTable:
		if n := v.Len(); n > 0 {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, fromLua(v.RawGetInt(i)))
			}
			return list
		}
		m := map[string]any{}
		v.ForEach(func(k, val glua.LValue) {
			m[k.String()] = fromLua(val)
		})
		return m
	}
	return nil
}

func toLua(L *glua.LState, v any) glua.LValue {
	switch v := v.(type) {
	case nil:
		return glua.LNil
	case string:
		return glua.LString(v)
	case bool:
		return glua.LBool(v)
	case float64:
		return glua.LNumber(v)
	case int:
		return glua.LNumber(v)
	case int64:
		return glua.LNumber(v)
	case []any:
		t := L.NewTable()
		for _, item := range v {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, v[k]))
		}
		return t
	}
	return glua.LString(fmt.Sprint(v))
}
