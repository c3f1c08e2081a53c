// Package engine implements the plugin execution engine: a sandboxed Lua
// interpreter host, the bridge of host functions exposed to plugin code,
// the orchestrator driving the enumerate/describe/fetch backup protocol,
// and the supervisor that isolates each run in its own goroutine.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Entry points the engine calls on a loaded plugin, by convention name.
const (
	fnEnumerate = "enumerate"
	fnDescribe  = "describe"
	fnFetch     = "fetch"
)

// SandboxConfig bounds one interpreter instance.
type SandboxConfig struct {
	CallTimeout     time.Duration // Wall-clock budget per entry-point call. 0 = 60s.
	RegistryMaxSize int           // Interpreter registry ceiling (memory bound). 0 = 1M slots.
	CallStackSize   int           // Lua call stack depth. 0 = interpreter default.
}

const (
	defaultCallTimeout     = 60 * time.Second
	defaultRegistryMaxSize = 1 << 20
)

// Sandbox is one isolated interpreter instance, owned by exactly one run.
// It exposes no filesystem, process, or network capability beyond the
// bridge, and converts every interpreter-level fault into a structured
// error at the call boundary.
type Sandbox struct {
	L      *lua.LState
	cfg    SandboxConfig
	logger *slog.Logger
	closed bool
}

// NewSandbox creates the interpreter state, opens a curated subset of the
// standard libraries, strips the escape hatches, and installs the bridge.
func NewSandbox(cfg SandboxConfig, bridge *Bridge, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxReg := cfg.RegistryMaxSize
	if maxReg <= 0 {
		maxReg = defaultRegistryMaxSize
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		RegistryMaxSize: maxReg,
		CallStackSize:   cfg.CallStackSize,
	})

	// Only base, table, string and math. The package lib must load first
	// for the others to register, then require is removed below.
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		_ = L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
	}

	// No module loading, no file access, no process escape.
	for _, name := range []string{"require", "dofile", "loadfile", "package", "io", "os"} {
		L.SetGlobal(name, lua.LNil)
	}

	// print goes to the host's structured log instead of stdout.
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts[i-1] = L.ToStringMeta(L.Get(i)).String()
		}
		logger.Debug("plugin print", slog.String("message", strings.Join(parts, "\t")))
		return 0
	}))

	if bridge != nil {
		bridge.Install(L)
	}

	return &Sandbox{L: L, cfg: cfg, logger: logger}
}

// Load compiles the plugin source and executes its top-level chunk so the
// entry points are bound. A malformed source fails at compile time without
// executing anything.
func (s *Sandbox) Load(source string) error {
	fn, err := s.L.LoadString(source)
	if err != nil {
		return &LoadError{Err: err}
	}
	s.L.Push(fn)
	if err := s.L.PCall(0, lua.MultRet, nil); err != nil {
		return &LoadError{Err: err}
	}
	return nil
}

// CallEnumerate invokes the plugin's enumeration entry point. The plugin
// is expected to call emit_item_id zero or more times and return.
func (s *Sandbox) CallEnumerate(ctx context.Context) error {
	_, err := s.call(ctx, fnEnumerate, 0)
	return err
}

// CallDescribe invokes describe(id) and decodes its return value into an
// ItemDescriptor with strict shape validation.
func (s *Sandbox) CallDescribe(ctx context.Context, itemID string) (*ItemDescriptor, error) {
	ret, err := s.call(ctx, fnDescribe, 1, lua.LString(itemID))
	if err != nil {
		return nil, err
	}
	desc, derr := decodeDescriptor(itemID, ret)
	if derr != nil {
		return nil, &CallError{Kind: InvalidReturnShape, Fn: fnDescribe, Err: derr}
	}
	return desc, nil
}

// CallFetch invokes fetch(id), expected to trigger request_download via
// the bridge. Any failure inside surfaces as a CallError.
func (s *Sandbox) CallFetch(ctx context.Context, itemID string) error {
	_, err := s.call(ctx, fnFetch, 0, lua.LString(itemID))
	return err
}

// Close destroys the interpreter state. Safe to call more than once;
// always called when the owning run ends.
func (s *Sandbox) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}

// call runs one entry point under the wall-clock budget with the error
// boundary: a thrown script error or a budget breach never unwinds into
// host code as a raw interpreter fault.
func (s *Sandbox) call(ctx context.Context, name string, nret int, args ...lua.LValue) (lua.LValue, error) {
	fn := s.L.GetGlobal(name)
	if _, ok := fn.(*lua.LFunction); !ok {
		return lua.LNil, &CallError{
			Kind: MissingFunction,
			Fn:   name,
			Err:  fmt.Errorf("plugin does not define %s", name),
		}
	}

	budget := s.cfg.CallTimeout
	if budget <= 0 {
		budget = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	s.L.SetContext(callCtx)
	defer s.L.RemoveContext()

	err := s.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...)
	if err != nil {
		return lua.LNil, s.classify(name, callCtx, err)
	}

	if nret == 0 {
		return lua.LNil, nil
	}
	ret := s.L.Get(-1)
	s.L.Pop(nret)
	return ret, nil
}

// classify maps an interpreter fault to the structured taxonomy.
func (s *Sandbox) classify(fn string, ctx context.Context, err error) *CallError {
	if ctx.Err() != nil {
		return &CallError{Kind: ResourceExceeded, Fn: fn, Err: ctx.Err()}
	}
	msg := err.Error()
	if strings.Contains(msg, "registry overflow") || strings.Contains(msg, "stack overflow") {
		return &CallError{Kind: ResourceExceeded, Fn: fn, Err: err}
	}
	return &CallError{Kind: ScriptFault, Fn: fn, Err: err}
}
