package extension

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"meshbridge/internal/entity"
	"meshbridge/internal/gateway"
)

// Converters loads operator-supplied Lua scripts and applies their adjust
// hooks to outbound messages. Each script defines a global
// adjust(name, message) function returning the replacement attribute table;
// returning nil leaves the message unchanged.
type Converters struct {
	args   gateway.Args
	logger *slog.Logger

	mu      sync.Mutex
	scripts []*converterScript
}

type converterScript struct {
	name  string
	state *lua.LState
}

// NewConverters constructs the external-converters extension.
func NewConverters(args gateway.Args) gateway.Extension {
	return &Converters{
		args:   args,
		logger: args.Logger.With("extension", KindConverters),
	}
}

func (c *Converters) Start() error {
	dir := c.args.Config.ExternalConverters
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read converters dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".lua") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		script, err := c.loadScript(filepath.Join(dir, name))
		if err != nil {
			c.logger.Error("load converter", "name", name, "err", err)
			continue
		}
		c.scripts = append(c.scripts, script)
		c.logger.Info("converter loaded", "name", name)
	}
	return nil
}

func (c *Converters) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.scripts {
		s.state.Close()
	}
	c.scripts = nil
	return nil
}

func (c *Converters) loadScript(path string) (*converterScript, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous libs and functions
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	name := filepath.Base(path)
	logger := c.logger.With("script", name)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logger.Info(L.CheckString(1))
		return 0
	}))

	if err := L.DoString(string(code)); err != nil {
		L.Close()
		return nil, err
	}
	if _, ok := L.GetGlobal("adjust").(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("script %s does not define adjust()", name)
	}
	return &converterScript{name: name, state: L}, nil
}

// AdjustMessage runs every converter's adjust hook over the outbound message.
// Script errors are logged per script and never fail the pipeline.
func (c *Converters) AdjustMessage(e entity.Entity, message map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.scripts {
		c.applyScript(s, e, message)
	}
}

func (c *Converters) applyScript(s *converterScript, e entity.Entity, message map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("converter panic", "script", s.name, "panic", r)
		}
	}()

	L := s.state
	fn := L.GetGlobal("adjust").(*lua.LFunction)
	table := L.NewTable()
	for k, v := range message {
		table.RawSetString(k, goToLua(L, v))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(e.Name()), table); err != nil {
		c.logger.Error("converter error", "script", s.name, "err", err)
		return
	}
	ret := L.Get(-1)
	L.Pop(1)

	result, ok := ret.(*lua.LTable)
	if !ok {
		return // nil or non-table return leaves the message unchanged
	}
	for k := range message {
		delete(message, k)
	}
	result.ForEach(func(key, value lua.LValue) {
		if ks, ok := key.(lua.LString); ok {
			message[string(ks)] = luaToGo(value)
		}
	})
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value back to a Go value. Tables with only integer
// keys become slices, everything else becomes a string-keyed map.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		val.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok {
				m[string(ks)] = luaToGo(value)
			}
		})
		return m
	default:
		return val.String()
	}
}
