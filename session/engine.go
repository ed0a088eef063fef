package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape/profile"
	"github.com/thalynlabs/mudscape/script"
	"github.com/thalynlabs/mudscape/script/js"
	"github.com/thalynlabs/mudscape/script/lua"
)

// engines runs scripts in the language of the active profile. Engines are
// created on first use and kept until Close.
type engines struct {
	timeout time.Duration

	mu       sync.Mutex
	language string
	lua      *lua.Engine
	js       *js.Engine
}

func (e *engines) setLanguage(language string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.language = language
}

func (e *engines) current() (script.Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.language {
	case profile.JavaScript:
		if e.js == nil {
			e.js = js.New(e.timeout)
		}
		return e.js, nil
	case profile.Lua, "":
		if e.lua == nil {
			l, err := lua.New(e.timeout)
			if err != nil {
				return nil, err
			}
			e.lua = l
		}
		return e.lua, nil
	}
	return nil, errors.Errorf("unknown script language %q", e.language)
}

func (e *engines) Run(ctx context.Context, c *script.Context, source string) error {
	engine, err := e.current()
	if err != nil {
		return &script.Error{Origin: c.Origin, Err: err}
	}
	return engine.Run(ctx, c, source)
}

func (e *engines) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.lua != nil {
		err = e.lua.Close()
	}
	if e.js != nil {
		if jsErr := e.js.Close(); err == nil {
			err = jsErr
		}
	}
	return err
}
