package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/mikabot/mika/internal/tools"
)

// bridgeTool wraps a discovered MCP tool as a registry tool. The handler
// forwards arguments over the MCP connection and flattens the result
// content blocks to text.
func bridgeTool(name, server string, mcpTool mcpgo.Tool, client *mcpclient.Client, timeoutSec int, connected *atomic.Bool) *tools.Tool {
	params := schemaToMap(mcpTool.InputSchema)

	return &tools.Tool{
		Name:        name,
		Description: mcpTool.Description,
		Parameters:  params,
		Source:      tools.SourceMCP,
		Enabled:     true,
		Meta:        map[string]string{"server": server, "original_name": mcpTool.Name},
		Handler: func(ctx context.Context, args map[string]interface{}, _ string) (string, error) {
			if !connected.Load() {
				return "", fmt.Errorf("mcp server %q is disconnected", server)
			}

			ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
			defer cancel()

			req := mcpgo.CallToolRequest{}
			req.Params.Name = mcpTool.Name
			req.Params.Arguments = args

			result, err := client.CallTool(ctx, req)
			if err != nil {
				return "", fmt.Errorf("call %s/%s: %w", server, mcpTool.Name, err)
			}

			text := flattenContent(result.Content)
			if result.IsError {
				return "", fmt.Errorf("tool error: %s", text)
			}
			return text, nil
		},
	}
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func flattenContent(blocks []mcpgo.Content) string {
	var parts []string
	for _, block := range blocks {
		if text, ok := mcpgo.AsTextContent(block); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
