package pilot

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewMCPServer returns an MCP server carrying every dompilot tool.
func (p *Pilot) NewMCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "dompilot", Version: Version}, nil)
	p.RegisterMCP(srv)
	return srv
}

// RegisterMCP registers dompilot tools on an MCP server.
func (p *Pilot) RegisterMCP(srv *mcp.Server) {
	r := p.Router()
	for _, t := range mcpTools() {
		registerTool(srv, r, t.op, t.tool)
	}
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerTool exposes one router operation as a tool. The tool result is
// the envelope; IsError is set when the operation could not run.
func registerTool(srv *mcp.Server, r *Router, op string, tool *mcp.Tool) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		out := r.Call(ctx, op, args)

		var env Envelope
		if err := json.Unmarshal(out, &env); err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		res := &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(out)}}}
		res.IsError = !env.OK
		return res, nil
	})
}

type mcpTool struct {
	op   string
	tool *mcp.Tool
}

var (
	sessionIDProp = map[string]any{"type": "string", "description": "Session handle returned by dompilot_open_session"}
	tierProp      = map[string]any{
		"type":        "string",
		"enum":        []any{"adaptive", "lightning", "quick", "standard", "deep"},
		"description": "Perception tier (default adaptive)",
	}
	targetProp = map[string]any{
		"description": `Element target: a description ("sign in button"), "css:<selector>", "role:<role>:<name>", or {"kind","value","name"}`,
	}
)

func mcpTools() []mcpTool {
	return []mcpTool{
		{OpOpenSession, &mcp.Tool{
			Name:        "dompilot_open_session",
			Description: "Open a browser session. Returns its session_id.",
			InputSchema: inputSchema(map[string]any{}, nil),
		}},
		{OpCloseSession, &mcp.Tool{
			Name:        "dompilot_close_session",
			Description: "Close a browser session and release its page.",
			InputSchema: inputSchema(map[string]any{"session_id": sessionIDProp}, []string{"session_id"}),
		}},
		{OpPerceive, &mcp.Tool{
			Name:        "dompilot_perceive",
			Description: "Analyse the current page at a perception tier, optionally navigating first. Cached results are reused until the page changes.",
			InputSchema: inputSchema(map[string]any{
				"session_id": sessionIDProp,
				"tier":       tierProp,
				"url":        map[string]any{"type": "string", "description": "Navigate here before perceiving"},
			}, []string{"session_id"}),
		}},
		{OpResolve, &mcp.Tool{
			Name:        "dompilot_resolve",
			Description: "Map a target onto ranked element candidates on the current page.",
			InputSchema: inputSchema(map[string]any{
				"session_id": sessionIDProp,
				"target":     targetProp,
				"tier":       tierProp,
			}, []string{"session_id", "target"}),
		}},
		{OpExecuteAction, &mcp.Tool{
			Name:        "dompilot_execute_action",
			Description: "Execute an action with retries and post-condition verification. A failed action still returns ok with success=false and the reason.",
			InputSchema: inputSchema(map[string]any{
				"session_id": sessionIDProp,
				"type": map[string]any{
					"type": "string",
					"enum": []any{"click", "type", "navigate", "hover", "scroll", "wait", "select", "extract", "evaluate", "screenshot"},
				},
				"target": targetProp,
				"params": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text":    map[string]any{"type": "string"},
						"url":     map[string]any{"type": "string"},
						"option":  map[string]any{"type": "string"},
						"script":  map[string]any{"type": "string"},
						"dx":      map[string]any{"type": "number"},
						"dy":      map[string]any{"type": "number"},
						"wait_ms": map[string]any{"type": "integer"},
					},
				},
				"retries": map[string]any{"type": "integer", "description": "Maximum attempts (default from config)"},
				"verify":  map[string]any{"type": "boolean", "description": "Check the post-condition after acting"},
				"tier":    tierProp,
			}, []string{"session_id", "type"}),
		}},
		{OpSessionHealth, &mcp.Tool{
			Name:        "dompilot_session_health",
			Description: "Report a session's state, cache hit rate and per-tier latency and success rates.",
			InputSchema: inputSchema(map[string]any{"session_id": sessionIDProp}, []string{"session_id"}),
		}},
		{OpSystemHealth, &mcp.Tool{
			Name:        "dompilot_system_health",
			Description: "Report pool occupancy, degraded sessions and runtime resource usage.",
			InputSchema: inputSchema(map[string]any{}, nil),
		}},
		{OpEvents, &mcp.Tool{
			Name:        "dompilot_events",
			Description: "List recent journal events, newest first.",
			InputSchema: inputSchema(map[string]any{
				"session_id": sessionIDProp,
				"kind":       map[string]any{"type": "string", "enum": []any{"perception", "action", "session", "error"}},
				"limit":      map[string]any{"type": "integer", "description": "Max events (default 50)"},
			}, nil),
		}},
	}
}

// ServeStdio serves the MCP tools over stdin/stdout until ctx is done or
// the client disconnects.
func (p *Pilot) ServeStdio(ctx context.Context) error {
	err := p.NewMCPServer().Run(ctx, &mcp.StdioTransport{})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
