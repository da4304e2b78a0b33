// Package scripting runs operator-supplied Lua auto-reply policies in a
// sandbox. Scripts see plain tables describing a prompt and return a
// decision; they cannot reach sessions or the host.
package scripting

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the maximum number of Lua opcodes allowed per
// hook call when no override is configured.
const DefaultInstructionLimit = 100_000

// opBudget is a context that cancels itself once Done has been polled
// limit times. The Lua VM polls Done once per opcode when a context is set,
// so the budget is an exact opcode count.
type opBudget struct {
	context.Context
	cancel context.CancelFunc
	left   atomic.Int64
}

func (b *opBudget) Done() <-chan struct{} {
	if b.left.Add(-1) <= 0 {
		b.cancel()
	}
	return b.Context.Done()
}

func newOpBudget(limit int) *opBudget {
	ctx, cancel := context.WithCancel(context.Background())
	b := &opBudget{Context: ctx, cancel: cancel}
	b.left.Store(int64(limit))
	return b
}

// NewSandboxedState creates an LState with only the base, table, string,
// and math libraries, and without the globals that load code or modules.
//
// Postcondition: Returns a non-nil LState. The caller owns the LState and
// must call L.Close() when done. Run code through RunLimited to bound it.
func NewSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// RunLimited runs fn with L bound to a fresh budget of limit opcodes.
// The budget does not carry over between calls.
//
// Precondition: limit >= 0; 0 uses DefaultInstructionLimit.
func RunLimited(L *lua.LState, limit int, fn func() error) error {
	if limit <= 0 {
		limit = DefaultInstructionLimit
	}
	budget := newOpBudget(limit)
	defer budget.cancel()
	L.SetContext(budget)
	defer L.RemoveContext()
	return fn()
}
