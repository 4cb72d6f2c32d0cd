package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/skein/internal/store"
)

func registerRecentRunsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"skein://runs/recent",
		"Recent Runs",
		mcp.WithResourceDescription("The most recent clustering runs with threshold, tier and stats."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runs, err := st.ListRuns(ctx, 20)
		if err != nil {
			return nil, fmt.Errorf("querying recent runs resource: %w", err)
		}

		data, _ := json.MarshalIndent(runsPayload(runs), "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
