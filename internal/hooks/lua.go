package hooks

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// LuaHook runs a user-provided Lua script's `on_event(table) -> table`
// function as a single Chain callback. Grounded on
// marcgeld-Hermod/internal/lua's Transformer (its table<->map
// marshaling and CallByParam invocation pattern), generalized from a
// fixed "transform" entrypoint to any hookpoint's fold accumulator.
//
// This gives hookpoints like message.publish or client.check_acl a
// built-in scriptable backend without the broker importing any
// plugin-specific Go package.
type LuaHook struct {
	scriptPath string
	mu         sync.Mutex
	state      *lua.LState
}

// NewLuaHook loads scriptPath into a fresh Lua state.
func NewLuaHook(scriptPath string) (*LuaHook, error) {
	L := lua.NewState()
	if err := L.DoFile(scriptPath); err != nil {
		L.Close()
		return nil, fmt.Errorf("hooks: failed to load lua script %s: %w", scriptPath, err)
	}
	return &LuaHook{scriptPath: scriptPath, state: L}, nil
}

// Close releases the underlying Lua state.
func (h *LuaHook) Close() {
	if h.state != nil {
		h.state.Close()
	}
}

// Callback adapts the script's `on_event` function into a hooks.Callback
// bound to a specific entrypoint name, so one script can serve multiple
// hookpoints via distinct Lua globals (e.g. `on_message_publish`,
// `on_check_acl`).
func (h *LuaHook) Callback(entrypoint string) Callback {
	return func(_ context.Context, value any) (Outcome, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		fn := h.state.GetGlobal(entrypoint)
		if fn.Type() != lua.LTFunction {
			// Script doesn't implement this entrypoint: treat as a no-op
			// continue, not an error — scripts may only hook a subset of
			// events.
			return Continue, nil
		}

		arg := h.mapToTable(asStringMap(value))
		if err := h.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, arg); err != nil {
			return Outcome{Stop: true}, fmt.Errorf("hooks: lua %s failed: %w", entrypoint, err)
		}

		result := h.state.Get(-1)
		h.state.Pop(1)

		switch v := result.(type) {
		case *lua.LTable:
			return Outcome{Value: h.tableToMap(v)}, nil
		case lua.LBool:
			if !bool(v) {
				return Outcome{Stop: true, Value: false}, nil
			}
			return Continue, nil
		default:
			return Continue, nil
		}
	}
}

func asStringMap(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": value}
}

func (h *LuaHook) mapToTable(m map[string]any) *lua.LTable {
	table := h.state.NewTable()
	for k, v := range m {
		table.RawSetString(k, h.toLValue(v))
	}
	return table
}

func (h *LuaHook) toLValue(v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case []byte:
		return lua.LString(string(t))
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case uint64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case map[string]any:
		return h.mapToTable(t)
	default:
		return lua.LString(fmt.Sprintf("%v", t))
	}
}

func (h *LuaHook) tableToMap(tbl *lua.LTable) map[string]any {
	out := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		out[k.String()] = h.fromLValue(v)
	})
	return out
}

func (h *LuaHook) fromLValue(lv lua.LValue) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		return h.tableToMap(v)
	default:
		return nil
	}
}
