package core

import (
	"fmt"
	"strings"
)

// ToolRule maps a tool name to a level, optionally varying by an action field.
type ToolRule struct {
	// Level applies when Actions is empty.
	Level  RiskLevel
	Reason string
	// Actions maps values of the "action" argument to levels. When set, an
	// absent or unknown action yields no verdict.
	Actions map[string]RiskLevel
}

// ToolTable is the exact-match table of known tools.
type ToolTable map[string]ToolRule

// DefaultToolTable returns the built-in tool table.
func DefaultToolTable() ToolTable {
	readOnly := ToolRule{Level: L0, Reason: "read-only tool"}
	modify := ToolRule{Level: L1, Reason: "file modification"}
	destructive := ToolRule{Level: L2, Reason: "destructive file operation"}
	outbound := ToolRule{Level: L2, Reason: "outbound network action"}

	return ToolTable{
		"read_file":      readOnly,
		"list_files":     readOnly,
		"list_directory": readOnly,
		"search_files":   readOnly,
		"grep":           readOnly,
		"glob":           readOnly,
		"get_time":       readOnly,
		"web_search":     readOnly,

		"write_file":  modify,
		"edit_file":   modify,
		"create_file": modify,
		"append_file": modify,

		"delete_file": destructive,
		"remove_file": destructive,
		"move_file":   destructive,

		"http_request": outbound,
		"webhook":      outbound,
		"send_email":   outbound,

		"cron": {Reason: "scheduled task", Actions: map[string]RiskLevel{
			"list": L0, "get": L0, "status": L0,
			"create": L1, "update": L1, "pause": L1, "resume": L1,
			"delete": L2,
		}},
		"memory": {Reason: "memory store", Actions: map[string]RiskLevel{
			"list": L0, "get": L0, "search": L0,
			"save": L1, "create": L1, "update": L1,
			"delete": L2, "clear": L2,
		}},
		"git": {Reason: "git operation", Actions: map[string]RiskLevel{
			"status": L0, "log": L0, "diff": L0, "show": L0, "branch": L0,
			"add": L1, "commit": L1, "checkout": L1, "stash": L1,
			"push": L2, "reset": L2, "rebase": L2, "merge": L2,
		}},
		"sandbox": {Reason: "sandbox", Actions: map[string]RiskLevel{
			"list": L0, "status": L0, "logs": L0,
			"create": L1,
			"run": L2, "exec": L2, "destroy": L2,
		}},
	}
}

// Lookup returns the table verdict for tool and its arguments.
func (t ToolTable) Lookup(tool string, args map[string]any) (Classification, bool) {
	r, ok := t[strings.ToLower(strings.TrimSpace(tool))]
	if !ok {
		return Classification{}, false
	}
	if len(r.Actions) == 0 {
		return Classification{Level: r.Level, Reason: r.Reason, Deterministic: true}, true
	}

	action, _ := args["action"].(string)
	action = strings.ToLower(strings.TrimSpace(action))
	level, ok := r.Actions[action]
	if !ok {
		return Classification{}, false
	}
	return Classification{
		Level:         level,
		Reason:        fmt.Sprintf("%s: %s", r.Reason, action),
		Deterministic: true,
	}, true
}
