package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/necessary-nu/tracey/internal/model"
	"github.com/necessary-nu/tracey/internal/query"
)

// RegisterAll registers every query-surface tool (spec.md §4.9 "AI tool
// bridge exposes the query surface as discrete tools") against api.
func RegisterAll(r *Registry, api query.API) {
	r.Register(&statusTool{api})
	r.Register(&listTool{api: api, name: "uncovered", desc: "List requirements with no implementation reference.", fn: api.Uncovered})
	r.Register(&listTool{api: api, name: "untested", desc: "List requirements with no verify reference at the current version.", fn: api.Untested})
	r.Register(&listTool{api: api, name: "stale", desc: "List requirements whose implementation references pin only older versions than currently defined.", fn: api.Stale})
	r.Register(&unmappedTool{api})
	r.Register(&ruleTool{api})
	r.Register(&forwardTool{api})
	r.Register(&validateTool{api})
	r.Register(&configGetTool{api})
	r.Register(&configSetTool{api})
}

type filterParams struct {
	Spec       string `json:"spec,omitempty"`
	Impl       string `json:"impl,omitempty"`
	BasePrefix string `json:"basePrefix,omitempty"`
}

func (p filterParams) toFilter() query.Filter {
	return query.Filter{Spec: p.Spec, Impl: p.Impl, BasePrefix: p.BasePrefix}
}

// --- status ---

type statusTool struct{ api query.API }

func (t *statusTool) Name() string        { return "tracey_status" }
func (t *statusTool) Description() string { return "Get per (spec, implementation) coverage totals and percentages." }
func (t *statusTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (t *statusTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	return JSONResult(t.api.Status())
}

// --- uncovered / untested / stale (shared shape) ---

type listTool struct {
	api  query.API
	name string
	desc string
	fn   func(query.Filter) []query.RequirementEntry
}

func (t *listTool) Name() string        { return "tracey_" + t.name }
func (t *listTool) Description() string { return t.desc }
func (t *listTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "spec": {"type": "string", "description": "restrict to this spec prefix"},
    "impl": {"type": "string", "description": "restrict to this implementation name"},
    "basePrefix": {"type": "string", "description": "restrict to base IDs starting with this prefix"}
  }
}`)
}
func (t *listTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	var p filterParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
	}
	return JSONResult(t.fn(p.toFilter()))
}

// --- unmapped ---

type unmappedTool struct{ api query.API }

func (t *unmappedTool) Name() string { return "tracey_unmapped" }
func (t *unmappedTool) Description() string {
	return "Get the unmapped-file tree for an implementation, or the unreferenced code units of one file."
}
func (t *unmappedTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "spec": {"type": "string"},
    "impl": {"type": "string"},
    "path": {"type": "string", "description": "file or directory path to zoom into, relative to workspace root"}
  }
}`)
}
func (t *unmappedTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	var p struct {
		filterParams
		Path string `json:"path,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
	}
	node, err := t.api.Unmapped(p.toFilter(), p.Path)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return JSONResult(node)
}

// --- rule ---

type ruleTool struct{ api query.API }

func (t *ruleTool) Name() string        { return "tracey_rule" }
func (t *ruleTool) Description() string { return "Get a requirement's full markdown text and every reference to it across implementations." }
func (t *ruleTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "spec": {"type": "string", "description": "spec prefix, e.g. \"auth\""},
    "base": {"type": "string", "description": "base ID, e.g. \"login\""}
  },
  "required": ["spec", "base"]
}`)
}
func (t *ruleTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	var p struct{ Spec, Base string }
	if err := json.Unmarshal(params, &p); err != nil {
		return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	detail, err := t.api.Rule(p.Spec, p.Base)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return JSONResult(detail)
}

// --- forward ---

type forwardTool struct{ api query.API }

func (t *forwardTool) Name() string { return "tracey_forward" }
func (t *forwardTool) Description() string {
	return "List every requirement in a spec with its coverage state against one implementation, requirement text included."
}
func (t *forwardTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "spec": {"type": "string"},
    "impl": {"type": "string"}
  },
  "required": ["spec", "impl"]
}`)
}
func (t *forwardTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	var p struct{ Spec, Impl string }
	if err := json.Unmarshal(params, &p); err != nil {
		return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	entries, err := t.api.Forward(p.Spec, p.Impl)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return JSONResult(entries)
}

// --- validate ---

type validateTool struct{ api query.API }

func (t *validateTool) Name() string        { return "tracey_validate" }
func (t *validateTool) Description() string { return "Get the full validation error report for the current snapshot." }
func (t *validateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (t *validateTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	return JSONResult(t.api.Validate())
}

// --- config_get / config_set ---

type configGetTool struct{ api query.API }

func (t *configGetTool) Name() string        { return "tracey_config_get" }
func (t *configGetTool) Description() string { return "Get the current workspace configuration." }
func (t *configGetTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (t *configGetTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	return JSONResult(t.api.ConfigGet())
}

type configSetTool struct{ api query.API }

func (t *configSetTool) Name() string        { return "tracey_config_set" }
func (t *configSetTool) Description() string { return "Replace the workspace configuration and re-serialize it to disk." }
func (t *configSetTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","description":"a full WorkspaceConfig document"}`)
}
func (t *configSetTool) Execute(ctx context.Context, params json.RawMessage) (*ToolsCallResult, error) {
	var cfg model.WorkspaceConfig
	if err := json.Unmarshal(params, &cfg); err != nil {
		return ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	ws, err := t.api.ConfigSet(ctx, &cfg)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return JSONResult(ws)
}
