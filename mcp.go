package relais

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/relais/internal/dispatch"
	"github.com/hazyhaar/relais/internal/kit"
	"github.com/hazyhaar/relais/internal/snapstore"
)

// RegisterMCP registers all relais tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerDispatch(srv)
	e.registerHead(srv)
	e.registerSnapshot(srv)
	e.registerHistory(srv)
	e.registerVersions(srv)
	e.registerEvents(srv)
}

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

// snapshotRecord renders a snapshot with its state document inlined when
// it is valid JSON, quoted otherwise.
type snapshotRecord struct {
	Seq       uint64          `json:"seq"`
	Parent    uint64          `json:"parent,omitempty"`
	Tag       string          `json:"tag"`
	State     json.RawMessage `json:"state,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

func renderSnapshot(s *snapstore.Snapshot) snapshotRecord {
	rec := snapshotRecord{Seq: s.Seq, Parent: s.Parent, Tag: s.Tag, CreatedAt: s.CreatedAt}
	if len(s.Payload) == 0 {
		return rec
	}
	if json.Valid(s.Payload) {
		rec.State = json.RawMessage(s.Payload)
		return rec
	}
	quoted, _ := json.Marshal(string(s.Payload))
	rec.State = quoted
	return rec
}

func (e *Engine) registerDispatch(srv *mcp.Server) {
	type req struct {
		ID        string            `json:"id"`
		Kind      string            `json:"kind"`
		Params    map[string]string `json:"params"`
		Body      json.RawMessage   `json:"body"`
		Priority  int               `json:"priority"`
		TimeoutMS int64             `json:"timeout_ms"`
	}

	tool := &mcp.Tool{
		Name:        "relais_dispatch",
		Description: "Dispatch a capability request through its provider chain and commit the outcome",
		InputSchema: inputSchema(map[string]any{
			"id":         map[string]any{"type": "string", "description": "Request ID, generated when empty"},
			"kind":       map[string]any{"type": "string", "description": "Capability kind: search, browser-action, captcha-resolve, self-modify"},
			"params":     map[string]any{"type": "object", "description": "Kind-specific string parameters"},
			"body":       map[string]any{"type": "object", "description": "Kind-specific JSON body (e.g. a self-modify changeset)"},
			"priority":   map[string]any{"type": "integer", "description": "Scheduling hint, higher runs first"},
			"timeout_ms": map[string]any{"type": "integer", "description": "Per-dispatch deadline in ms"},
		}, []string{"kind"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		res, rep := e.Dispatch(ctx, &dispatch.Request{
			ID:       p.ID,
			Kind:     dispatch.Kind(p.Kind),
			Params:   p.Params,
			Body:     p.Body,
			Priority: p.Priority,
			Timeout:  time.Duration(p.TimeoutMS) * time.Millisecond,
		})
		return struct {
			Report *dispatch.Report `json:"report"`
			Result *dispatch.Result `json:"result,omitempty"`
		}{Report: rep, Result: res}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (e *Engine) registerHead(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "relais_head",
		Description: "Read the current durable state snapshot",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		head, err := e.Head(ctx)
		if err != nil {
			return nil, err
		}
		return renderSnapshot(head), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &req{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (e *Engine) registerSnapshot(srv *mcp.Server) {
	type req struct {
		Seq uint64 `json:"seq"`
	}

	tool := &mcp.Tool{
		Name:        "relais_snapshot",
		Description: "Read one historical snapshot by sequence number without moving the head",
		InputSchema: inputSchema(map[string]any{
			"seq": map[string]any{"type": "integer", "description": "Snapshot sequence number"},
		}, []string{"seq"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		snap, err := e.Restore(ctx, p.Seq)
		if err != nil {
			return nil, err
		}
		return renderSnapshot(snap), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (e *Engine) registerHistory(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "relais_history",
		Description: "List recent snapshots, newest first",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max snapshots to return (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		snaps, err := e.History(ctx, p.Limit)
		if err != nil {
			return nil, err
		}
		out := make([]snapshotRecord, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, renderSnapshot(s))
		}
		return out, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (e *Engine) registerVersions(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "relais_versions",
		Description: "Report the version tag every source shows and whether they agree",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		records, err := e.Versions(ctx)
		if err != nil {
			return nil, err
		}
		sync := len(records) > 0
		for _, rec := range records {
			if rec.Tag != records[0].Tag {
				sync = false
				break
			}
		}
		return struct {
			Records      any  `json:"records"`
			Synchronized bool `json:"synchronized"`
		}{Records: records, Synchronized: sync}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &req{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (e *Engine) registerEvents(srv *mcp.Server) {
	type req struct {
		After string `json:"after"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "relais_events",
		Description: "Read the journal feed, oldest first",
		InputSchema: inputSchema(map[string]any{
			"after": map[string]any{"type": "string", "description": "Return events after this event ID"},
			"limit": map[string]any{"type": "integer", "description": "Max events to return (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		events, err := e.journal.Feed(ctx, p.After, p.Limit)
		if err != nil {
			return nil, err
		}
		return events, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
