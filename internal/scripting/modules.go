package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Permission bits a script may be asked to grant.
var permissionFlags = map[string]uint32{
	"DEBIT":             0x2,
	"TAKE_CONTROLS":     0x4,
	"TRIGGER_ANIMATION": 0x10,
	"ATTACH":            0x20,
	"CHANGE_LINKS":      0x80,
	"TRACK_CAMERA":      0x400,
	"CONTROL_CAMERA":    0x800,
	"TELEPORT":          0x1000,
}

// registerModules defines the worldlink global:
//
//	worldlink.log(msg)           log at info
//	worldlink.has(perms, flag)   bit test, flag a name or number
//	worldlink.PERMISSION.<NAME>  permission bits
func (e *Engine) registerModules(L *lua.LState) {
	mod := L.NewTable()

	perms := L.NewTable()
	for name, bit := range permissionFlags {
		perms.RawSetString(name, lua.LNumber(bit))
	}
	mod.RawSetString("PERMISSION", perms)

	logger := e.logger
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		logger.Info("script log", zap.String("msg", L.CheckString(1)))
		return 0
	}))
	mod.RawSetString("has", L.NewFunction(func(L *lua.LState) int {
		have := uint32(L.CheckNumber(1))
		var want uint32
		switch v := L.Get(2).(type) {
		case lua.LNumber:
			want = uint32(v)
		case lua.LString:
			bit, ok := permissionFlags[string(v)]
			if !ok {
				L.ArgError(2, "unknown permission "+string(v))
				return 0
			}
			want = bit
		default:
			L.ArgError(2, "permission name or number expected")
			return 0
		}
		L.Push(lua.LBool(want != 0 && have&want == want))
		return 1
	}))

	L.SetGlobal("worldlink", mod)
}
