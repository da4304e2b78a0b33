package scripting_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/worldlink/internal/scripting"
)

func newTestEngine(t testing.TB) (*scripting.Engine, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	e := scripting.NewEngine(zap.New(core))
	t.Cleanup(e.Close)
	return e, logs
}

func writeTempLua(t testing.TB, filename, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(src), 0644))
	return dir
}

func numbers(ns ...float64) func(L *lua.LState) []lua.LValue {
	return func(*lua.LState) []lua.LValue {
		out := make([]lua.LValue, len(ns))
		for i, n := range ns {
			out[i] = lua.LNumber(n)
		}
		return out
	}
}

func TestEngine_Load_CallsHook(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := writeTempLua(t, "hooks.lua", `
		function test_hook(a, b)
			return a + b
		end
	`)
	require.NoError(t, e.Load(dir, 0))
	assert.True(t, e.Loaded())
	assert.Equal(t, lua.LNumber(7), e.CallHook("test_hook", numbers(3, 4)))
}

func TestEngine_FilesLoadInOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`value = "a"`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`value = value .. "b"; function get() return value end`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`not lua`), 0644))
	require.NoError(t, e.Load(dir, 0))
	assert.Equal(t, lua.LString("ab"), e.CallHook("get", nil))
}

func TestEngine_NotLoaded_ReturnsNil(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.False(t, e.Loaded())
	assert.Equal(t, lua.LNil, e.CallHook("anything", nil))
}

func TestEngine_MissingHook_NoOp(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Load(writeTempLua(t, "empty.lua", `-- no functions`), 0))
	assert.Equal(t, lua.LNil, e.CallHook("nonexistent_hook", nil))
}

func TestEngine_RuntimeError_WarnLogNoPanic(t *testing.T) {
	e, logs := newTestEngine(t)
	require.NoError(t, e.Load(writeTempLua(t, "bad.lua", `
		function bad_hook()
			error("intentional error")
		end
	`), 0))
	assert.Equal(t, lua.LNil, e.CallHook("bad_hook", nil))
	assert.Equal(t, 1, logs.FilterMessage("Lua runtime error").Len())
}

func TestEngine_InstructionLimitPerCall(t *testing.T) {
	e, logs := newTestEngine(t)
	require.NoError(t, e.Load(writeTempLua(t, "loop.lua", `
		function spin() while true do end end
		function quick() return 1 end
	`), 500))
	assert.Equal(t, lua.LNil, e.CallHook("spin", nil))
	assert.Equal(t, 1, logs.FilterMessage("Lua runtime error").Len())
	assert.Equal(t, lua.LNumber(1), e.CallHook("quick", nil))
}

func TestEngine_LoadErrorKeepsOldVM(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Load(writeTempLua(t, "ok.lua", `function f() return "old" end`), 0))
	assert.Error(t, e.Load(writeTempLua(t, "broken.lua", `function (`), 0))
	assert.Error(t, e.Load("/nonexistent/dir", 0))
	assert.Equal(t, lua.LString("old"), e.CallHook("f", nil))
}

func TestEngine_ConcurrentCalls(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Load(writeTempLua(t, "add.lua", `function add(a, b) return a + b end`), 0))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.Equal(t, lua.LNumber(i+1), e.CallHook("add", numbers(float64(i), 1)))
		}(i)
	}
	wg.Wait()
}
