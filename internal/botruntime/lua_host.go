package botruntime

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dghilardi/hailstorm/internal/herrors"
)

// statusScriptError is the negative status recorded when a fire() callback
// raises.
const statusScriptError = -2

// LuaHost is the default Host backed by github.com/yuin/gopher-lua. Each
// Instantiate call gets its own *lua.LState, never touched from more than
// one goroutine at a time — this is what "the script evaluation context is
// single-threaded and pinned per-bot" means in practice.
type LuaHost struct {
	scriptPath string
}

// NewLuaHost builds a host that loads scriptPath fresh for every bot.
func NewLuaHost(scriptPath string) *LuaHost {
	return &LuaHost{scriptPath: scriptPath}
}

type luaHandle struct {
	L    *lua.LState
	self *lua.LTable
}

// Instantiate loads the script into a fresh Lua state and calls its global
// new(identity) constructor.
func (h *LuaHost) Instantiate(ctx context.Context, id Identity) (Handle, error) {
	L := lua.NewState()
	if err := L.DoFile(h.scriptPath); err != nil {
		L.Close()
		return nil, herrors.New("LuaHost.Instantiate", herrors.KindScriptLoad, fmt.Errorf("load %s: %w", h.scriptPath, err))
	}

	ctor := L.GetGlobal("new")
	if ctor.Type() != lua.LTFunction {
		L.Close()
		return nil, herrors.Newf("LuaHost.Instantiate", herrors.KindScriptLoad, "script %s has no global function new()", h.scriptPath)
	}

	idTable := L.NewTable()
	idTable.RawSetString("bot_id", lua.LNumber(id.BotID))
	idTable.RawSetString("internal_id", lua.LNumber(id.InternalID))
	idTable.RawSetString("global_id", lua.LNumber(id.GlobalID))

	if err := L.CallByParam(lua.P{Fn: ctor, NRet: 1, Protect: true}, idTable); err != nil {
		L.Close()
		return nil, herrors.New("LuaHost.Instantiate", herrors.KindScriptExecution, fmt.Errorf("%w: %v", herrors.ErrScriptConstruction, err))
	}
	ret := L.Get(-1)
	L.Pop(1)

	self, ok := ret.(*lua.LTable)
	if !ok {
		L.Close()
		return nil, herrors.New("LuaHost.Instantiate", herrors.KindScriptExecution, herrors.ErrScriptConstruction)
	}

	return &luaHandle{L: L, self: self}, nil
}

// Register calls the bot's register_bot(self, registry) method, or the
// script's global register_bot function when the bot table has none,
// collecting every alive/on_enter action and optional tick_interval the
// script declares. The registry passed to the script is write-only and
// discarded after this call returns.
func (h *LuaHost) Register(ctx context.Context, handle Handle) (ActionSet, error) {
	bh, ok := handle.(*luaHandle)
	if !ok {
		return ActionSet{}, herrors.Newf("LuaHost.Register", herrors.KindScriptExecution, "handle is not a lua bot")
	}

	registerFn := bh.self.RawGetString("register_bot")
	if registerFn.Type() != lua.LTFunction {
		registerFn = bh.L.GetGlobal("register_bot")
	}
	if registerFn.Type() != lua.LTFunction {
		return ActionSet{}, herrors.New("LuaHost.Register", herrors.KindScriptExecution, herrors.ErrRegistrationFailed)
	}

	var actions []ActionSpec
	tick := 5000 * time.Millisecond

	registry := bh.L.NewTable()
	registry.RawSetString("alive", bh.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		weight := L.CheckNumber(2)
		fn := L.CheckFunction(3)
		actions = append(actions, ActionSpec{Name: name, Trigger: TriggerAlive, Weight: float64(weight), handle: fn})
		return 0
	}))
	registry.RawSetString("on_enter", bh.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		state := L.CheckNumber(2)
		fn := L.CheckFunction(3)
		actions = append(actions, ActionSpec{Name: name, Trigger: TriggerEnterState, State: uint32(state), handle: fn})
		return 0
	}))
	registry.RawSetString("tick_interval", bh.L.NewFunction(func(L *lua.LState) int {
		ms := L.CheckNumber(1)
		tick = time.Duration(ms) * time.Millisecond
		return 0
	}))

	if err := bh.L.CallByParam(lua.P{Fn: registerFn, NRet: 0, Protect: true}, bh.self, registry); err != nil {
		return ActionSet{}, herrors.New("LuaHost.Register", herrors.KindScriptExecution, fmt.Errorf("%w: %v", herrors.ErrRegistrationFailed, err))
	}

	return ActionSet{Actions: actions, TickInterval: tick}, nil
}

// Fire invokes the registered callback, measuring wall-clock duration. A
// script error or panic is isolated to this bot and recorded as a negative
// status, never propagated to the scheduler.
func (h *LuaHost) Fire(ctx context.Context, handle Handle, action ActionSpec) (res Sample, err error) {
	bh, ok := handle.(*luaHandle)
	if !ok {
		return Sample{}, herrors.Newf("LuaHost.Fire", herrors.KindScriptExecution, "handle is not a lua bot")
	}
	fn, ok := action.handle.(*lua.LFunction)
	if !ok {
		return Sample{}, herrors.Newf("LuaHost.Fire", herrors.KindScriptExecution, "action %s has no callback", action.Name)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Sample{Action: action.Name, Status: statusScriptError, ElapsedNs: time.Since(start).Nanoseconds()}
			err = nil
		}
	}()

	callErr := bh.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, bh.self)
	elapsed := time.Since(start).Nanoseconds()
	if callErr != nil {
		return Sample{Action: action.Name, Status: statusScriptError, ElapsedNs: elapsed}, nil
	}
	return Sample{Action: action.Name, Status: 0, ElapsedNs: elapsed}, nil
}

// Destroy releases the bot's Lua state.
func (h *LuaHost) Destroy(handle Handle) {
	if bh, ok := handle.(*luaHandle); ok {
		bh.L.Close()
	}
}
