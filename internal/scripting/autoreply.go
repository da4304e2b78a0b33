package scripting

import (
	"strings"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/observability"
	"github.com/cory-johannsen/worldlink/internal/world"
)

// Hook names looked up in the loaded scripts.
const (
	HookScriptDialog     = "on_script_dialog"
	HookScriptPermission = "on_script_permission"
	HookTeleportRequest  = "on_teleport_request"
)

// DialogChoice is an automatic answer to a script dialog.
type DialogChoice struct {
	Index int
	Label string
}

// DecideDialog asks on_script_dialog for a button. The hook may return the
// button label or its 1-based index; anything else, including a label the
// dialog does not offer, means no decision.
func (e *Engine) DecideDialog(accountID uuid.UUID, d world.ScriptDialog) (DialogChoice, bool) {
	ret := e.CallHook(HookScriptDialog, func(L *lua.LState) []lua.LValue {
		t := L.NewTable()
		t.RawSetString("account_id", lua.LString(accountID.String()))
		t.RawSetString("id", lua.LString(d.ID.String()))
		t.RawSetString("object_id", lua.LString(d.ObjectID.String()))
		t.RawSetString("object_name", lua.LString(d.ObjectName))
		t.RawSetString("owner_name", lua.LString(d.OwnerName))
		t.RawSetString("message", lua.LString(d.Message))
		t.RawSetString("channel", lua.LNumber(d.Channel))
		buttons := L.NewTable()
		for _, b := range d.Buttons {
			buttons.Append(lua.LString(b))
		}
		t.RawSetString("buttons", buttons)
		return []lua.LValue{t}
	})
	switch v := ret.(type) {
	case lua.LString:
		for i, b := range d.Buttons {
			if b == string(v) {
				return DialogChoice{Index: i, Label: b}, true
			}
		}
	case lua.LNumber:
		i := int(v) - 1
		if float64(v) == float64(int(v)) && i >= 0 && i < len(d.Buttons) {
			return DialogChoice{Index: i, Label: d.Buttons[i]}, true
		}
	default:
		return DialogChoice{}, false
	}
	e.logger.Warn("ignoring dialog decision not offered by the dialog",
		observability.Account(accountID),
		zap.String("decision", ret.String()),
	)
	return DialogChoice{}, false
}

// DecidePermission asks on_script_permission; "grant" or true grants,
// "deny" or false denies.
func (e *Engine) DecidePermission(accountID uuid.UUID, p world.ScriptPermission) (grant, ok bool) {
	ret := e.CallHook(HookScriptPermission, func(L *lua.LState) []lua.LValue {
		t := L.NewTable()
		t.RawSetString("account_id", lua.LString(accountID.String()))
		t.RawSetString("id", lua.LString(p.ID.String()))
		t.RawSetString("task_id", lua.LString(p.TaskID.String()))
		t.RawSetString("item_id", lua.LString(p.ItemID.String()))
		t.RawSetString("object_name", lua.LString(p.ObjectName))
		t.RawSetString("owner_name", lua.LString(p.OwnerName))
		t.RawSetString("permissions", lua.LNumber(p.Permissions))
		return []lua.LValue{t}
	})
	return yesNo(ret, "grant", "deny")
}

// DecideTeleport asks on_teleport_request; "accept" or true accepts,
// "decline" or false declines.
func (e *Engine) DecideTeleport(accountID uuid.UUID, o world.TeleportOffer) (accept, ok bool) {
	ret := e.CallHook(HookTeleportRequest, func(L *lua.LState) []lua.LValue {
		t := L.NewTable()
		t.RawSetString("account_id", lua.LString(accountID.String()))
		t.RawSetString("id", lua.LString(o.ID.String()))
		t.RawSetString("from_id", lua.LString(o.FromID.String()))
		t.RawSetString("from_name", lua.LString(o.FromName))
		t.RawSetString("message", lua.LString(o.Message))
		return []lua.LValue{t}
	})
	return yesNo(ret, "accept", "decline")
}

func yesNo(v lua.LValue, yes, no string) (bool, bool) {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v), true
	case lua.LString:
		switch strings.ToLower(string(v)) {
		case yes:
			return true, true
		case no:
			return false, true
		}
	}
	return false, false
}
