package harvester

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/harvester/kit"
)

// RegisterMCP exposes the control endpoints as MCP tools on srv.
func (h *Harvester) RegisterMCP(srv *mcp.Server) {
	ep := h.Endpoints()
	noArgs := kit.InputSchema(map[string]any{}, nil)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "harvester_status",
		Description: "Show the current harvest run: phase, cursor, queue size and capture counts",
		InputSchema: noArgs,
	}, ep.Status, kit.DecodeJSON[struct{}]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "harvester_start",
		Description: "Start a new harvest run from a list view URL. Refused while another run is active",
		InputSchema: kit.InputSchema(map[string]any{
			"anchor": map[string]any{"type": "string", "description": "List view URL; defaults to the configured anchor"},
		}, nil),
	}, ep.Start, kit.DecodeJSON[StartRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "harvester_stop",
		Description: "Ask the active run to stop at the next safe point; it can be resumed",
		InputSchema: noArgs,
	}, ep.Stop, kit.DecodeJSON[struct{}]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "harvester_resume",
		Description: "Resume a stopped run at its persisted phase and cursor",
		InputSchema: noArgs,
	}, ep.Resume, kit.DecodeJSON[struct{}]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "harvester_repair",
		Description: "Validate indexed records and, with apply, drop the invalid ones from the index. Dry run by default",
		InputSchema: kit.InputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Limit to one run; empty scans every run"},
			"apply":  map[string]any{"type": "boolean", "description": "Remove invalid entries"},
		}, nil),
	}, ep.Repair, kit.DecodeJSON[RepairRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "harvester_ledger",
		Description: "Read ledger events of a run in sequence order",
		InputSchema: kit.InputSchema(map[string]any{
			"run_id":    map[string]any{"type": "string", "description": "Run id; defaults to the current run"},
			"types":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Event types to keep"},
			"after_seq": map[string]any{"type": "integer", "description": "Only events after this sequence number"},
			"limit":     map[string]any{"type": "integer", "description": "Maximum number of events"},
		}, nil),
	}, ep.Ledger, kit.DecodeJSON[LedgerRequest]())
}
