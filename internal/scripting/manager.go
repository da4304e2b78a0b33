package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine owns one sandboxed LState loaded from a script directory and
// dispatches hook calls to it.
//
// An LState is single-threaded, so hook calls are serialized by mu. An Engine
// with no scripts loaded answers every hook with LNil.
type Engine struct {
	mu     sync.Mutex
	state  *lua.LState
	limit  int
	logger *zap.Logger
}

// NewEngine creates an empty Engine.
//
// Precondition: logger must be non-nil.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("scripting")}
}

// Load creates a sandboxed VM, registers the worldlink module, then executes
// every *.lua file in scriptDir in lexicographic order. A successful Load
// replaces any previously loaded VM.
//
// Precondition: scriptDir must be a readable directory.
// Postcondition: returns error on Lua load failure, leaving the old VM in place.
func (e *Engine) Load(scriptDir string, instLimit int) error {
	L := NewSandboxedState()
	e.registerModules(L)

	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		L.Close()
		return fmt.Errorf("scripting: reading script dir %q: %w", scriptDir, err)
	}

	var luaFiles []string
	for _, ent := range entries {
		if !ent.IsDir() && filepath.Ext(ent.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, ent.Name()))
		}
	}
	sort.Strings(luaFiles)

	for _, path := range luaFiles {
		if err := RunLimited(L, instLimit, func() error { return L.DoFile(path) }); err != nil {
			L.Close()
			return fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	e.mu.Lock()
	old := e.state
	e.state = L
	e.limit = instLimit
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}
	e.logger.Info("scripts loaded",
		zap.String("dir", scriptDir),
		zap.Int("files", len(luaFiles)),
	)
	return nil
}

// Loaded reports whether a VM is present.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != nil
}

// Close releases the VM.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}

// CallHook calls the named Lua global function with args built inside the
// VM lock. Returns LNil if no VM is loaded or the hook is not defined. Lua
// runtime errors, instruction-limit overruns included, are logged at Warn
// level and never propagated.
//
// Postcondition: Returns the first return value of the hook, or LNil.
func (e *Engine) CallHook(hook string, args func(L *lua.LState) []lua.LValue) lua.LValue {
	e.mu.Lock()
	defer e.mu.Unlock()
	L := e.state
	if L == nil {
		return lua.LNil
	}
	fn := L.GetGlobal(hook)
	if fn.Type() != lua.LTFunction {
		return lua.LNil
	}

	var argv []lua.LValue
	if args != nil {
		argv = args(L)
	}
	err := RunLimited(L, e.limit, func() error {
		return L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, argv...)
	})
	if err != nil {
		e.logger.Warn("Lua runtime error",
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret
}
