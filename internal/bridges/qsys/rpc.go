package qsys

import (
	"encoding/json"
	"strconv"
)

const jsonRPCVersion = "2.0"

// Method names used on the wire.
const (
	methodLogon        = "Logon"
	methodNoOp         = "NoOp"
	methodCGDestroy    = "ChangeGroup.Destroy"
	methodCGAddControl = "ChangeGroup.AddControl"
	methodCGInvalidate = "ChangeGroup.Invalidate"
	methodCGPoll       = "ChangeGroup.Poll"
	methodControlSet   = "Control.Set"
	methodControlGet   = "Control.Get"
	notificationEngine = "EngineStatus"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// envelope covers responses and notifications; which one it is depends on
// whether Method is set.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (e *envelope) isNotification() bool {
	return e.Method != ""
}

// numericID extracts the correlation id. Devices echo the number we sent;
// a quoted number is accepted too.
func (e *envelope) numericID() (int64, bool) {
	if len(e.ID) == 0 || string(e.ID) == "null" {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(e.ID, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(e.ID, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

type logonParams struct {
	User     string `json:"User"`
	Password string `json:"Password"`
}

type groupParams struct {
	ID string `json:"Id"`
}

type addControlParams struct {
	ID       string   `json:"Id"`
	Controls []string `json:"Controls"`
}

type setParams struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

type pollResult struct {
	ID      string       `json:"Id"`
	Changes []changeItem `json:"Changes"`
}

// changeItem is one control report, from a poll result or a notification.
// Field matching is case-insensitive, so "name" and "value" also land here.
type changeItem struct {
	Name       string          `json:"Name"`
	Control    string          `json:"Control"`
	Identifier string          `json:"Identifier"`
	Value      json.RawMessage `json:"Value"`
	String     *string         `json:"String"`
}

func (c changeItem) controlID() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.Control != "":
		return c.Control
	default:
		return c.Identifier
	}
}

// rawValue prefers Value and falls back to String when Value is null or
// absent.
func (c changeItem) rawValue() (any, bool) {
	if len(c.Value) > 0 && string(c.Value) != "null" {
		var v any
		if err := json.Unmarshal(c.Value, &v); err == nil {
			return v, true
		}
	}
	if c.String != nil {
		return *c.String, true
	}
	return nil, false
}

// decodeChanges accepts {"Changes": [...]} or a bare array.
func decodeChanges(raw json.RawMessage) []changeItem {
	if len(raw) == 0 {
		return nil
	}
	var res pollResult
	if err := json.Unmarshal(raw, &res); err == nil {
		return res.Changes
	}
	var items []changeItem
	if err := json.Unmarshal(raw, &items); err == nil {
		return items
	}
	return nil
}

type engineStatus struct {
	State      string `json:"State"`
	DesignName string `json:"DesignName"`
	Platform   string `json:"Platform"`
}
