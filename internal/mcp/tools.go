package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all chainscript tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("chainscript_status",
		gomcp.WithDescription("Get current run status: operation progress, transfers submitted, receipts received, pending effects, recoveries, latency stats."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("chainscript unreachable: %v\n\nIs the runner started?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("chainscript_health",
		gomcp.WithDescription("Quick health check for the runner. Checks chain RPC connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("chainscript unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("chainscript_history",
		gomcp.WithDescription("List completed runs with summary metrics (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset)

		raw, err := client.Get(path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("chainscript_run_detail",
		gomcp.WithDescription("Get detailed results for a specific run by ID."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}

		raw, err := client.Get("/v1/history/" + id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("chainscript_delete_run",
		gomcp.WithDescription("Delete a run record by ID. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}

		if _, err := client.Delete("/v1/history/" + id); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText("Deleted run " + id), nil
	})
}

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Run Status"),
		kv("Status", getStr(m, "status")),
		kv("Operations", fmt.Sprintf("%s / %s",
			formatNumber(getNum(m, "operationsDone")),
			formatNumber(getNum(m, "operationsTotal")))),
		kv("Transfers", formatNumber(getNum(m, "transfersSubmitted"))),
		kv("Waits", formatNumber(getNum(m, "waitsCompleted"))),
		kv("Receipts", formatNumber(getNum(m, "receiptsReceived"))),
		kv("Pending Effects", formatNumber(getNum(m, "pendingEffects"))),
		kv("Receipt Timeouts", formatNumber(getNum(m, "receiptTimeouts"))),
		kv("Recoveries", formatNumber(getNum(m, "recoveries"))),
		kv("Elapsed", fmt.Sprintf("%.1fs", getNum(m, "elapsedMs")/1000)),
	)

	if lat, ok := m["latency"].(map[string]any); ok {
		lines += "\n\n" + joinLines(
			section("Receipt Latency"),
			kv("Min", formatMs(getNum(lat, "min"))),
			kv("P50", formatMs(getNum(lat, "p50"))),
			kv("P95", formatMs(getNum(lat, "p95"))),
			kv("P99", formatMs(getNum(lat, "p99"))),
			kv("Max", formatMs(getNum(lat, "max"))),
		)
	}

	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Chainscript Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				name := getStr(check, "name")
				status := getStr(check, "status")
				latencyMs := getNum(check, "latency_ms")
				errMsg := getStr(check, "error")
				line := fmt.Sprintf("  %-15s %s (%dms)", name, status, int64(latencyMs))
				if errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func formatHistory(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	total := getNum(m, "total")
	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(total)),
		"",
	)

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		lines += "No runs found."
		return lines
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}

		startedAt := getStr(run, "startedAt")
		started := startedAt
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			started = t.Format("2006-01-02 15:04:05")
		}

		lines += fmt.Sprintf("### %s\n", getStr(run, "id"))
		lines += joinLines(
			kv("Status", getStr(run, "status")),
			kv("Transfers", formatNumber(getNum(run, "transfersSubmitted"))),
			kv("Receipts", formatNumber(getNum(run, "receiptsReceived"))),
			kv("Recoveries", formatNumber(getNum(run, "recoveries"))),
			kv("Started", started),
		)
		lines += "\n\n"
	}

	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}

	lines := joinLines(
		section("Run "+getStr(m, "id")),
		kv("Status", getStr(m, "status")),
		kv("Script", getStr(m, "scriptPath")),
		kv("Operations", formatNumber(getNum(m, "operationsTotal"))),
		kv("Transfers", formatNumber(getNum(m, "transfersSubmitted"))),
		kv("Waits", formatNumber(getNum(m, "waitsCompleted"))),
		kv("Receipts", formatNumber(getNum(m, "receiptsReceived"))),
		kv("Receipt Timeouts", formatNumber(getNum(m, "receiptTimeouts"))),
		kv("Effects Cleared", formatNumber(getNum(m, "effectsCleared"))),
		kv("Recoveries", formatNumber(getNum(m, "recoveries"))),
	)

	if errMsg := getStr(m, "errorMessage"); errMsg != "" {
		lines += "\n" + kv("Error", errMsg)
	}

	if lat, ok := m["latency"].(map[string]any); ok {
		lines += "\n\n" + joinLines(
			section("Receipt Latency"),
			kv("Count", formatNumber(getNum(lat, "count"))),
			kv("Min", formatMs(getNum(lat, "min"))),
			kv("Avg", formatMs(getNum(lat, "avg"))),
			kv("P50", formatMs(getNum(lat, "p50"))),
			kv("P95", formatMs(getNum(lat, "p95"))),
			kv("P99", formatMs(getNum(lat, "p99"))),
			kv("Max", formatMs(getNum(lat, "max"))),
		)
	}

	return lines
}
