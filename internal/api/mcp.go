package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mmerah/ai-gamemaster-sub005/internal/campaign"
	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
	"github.com/mmerah/ai-gamemaster-sub005/internal/game"
	"github.com/mmerah/ai-gamemaster-sub005/internal/knowledge"
	"github.com/mmerah/ai-gamemaster-sub005/internal/packs"
	"github.com/mmerah/ai-gamemaster-sub005/internal/retrieval"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Registry  *packs.Registry
	Campaigns *campaign.Manager
	Base      *knowledge.Base
	Retrieval *retrieval.Service
}

// NewMCPServer creates an MCP server exposing retrieval to agentic game
// masters: one tool for assembled context, one for exact entity lookup, and
// the installed packs as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"gamemaster",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("gamemaster — rulebook and campaign content retrieval for tabletop sessions."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("retrieve_context",
			mcp.WithDescription("Retrieve rule, monster, spell, and lore snippets relevant to a player utterance, assembled into prompt-ready text."),
			mcp.WithString("text", mcp.Description("The player utterance or scene description"), mcp.Required()),
			mcp.WithString("campaign_id", mcp.Description("Campaign whose pack priority list to use")),
			mcp.WithBoolean("in_combat", mcp.Description("Whether the session is currently in combat")),
			mcp.WithString("location", mcp.Description("Current in-game location")),
			mcp.WithNumber("top_k", mcp.Description("Maximum snippets per category")),
			mcp.WithNumber("token_budget", mcp.Description("Token budget for the assembled context")),
		),
		mcpRetrieveContext(deps),
	)

	s.AddTool(
		mcp.NewTool("lookup_entity",
			mcp.WithDescription("Look up a single entity by type and name, honoring pack override order."),
			mcp.WithString("type", mcp.Description("Entity type: monster, spell, item, npc, rule, or lore"), mcp.Required()),
			mcp.WithString("name", mcp.Description("Entity name, e.g. \"Fireball\""), mcp.Required()),
			mcp.WithString("campaign_id", mcp.Description("Campaign whose pack priority list to use")),
		),
		mcpLookupEntity(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"packs://installed",
			"Installed Content Packs",
			mcp.WithResourceDescription("Installed content packs with priority and active state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePacks(deps),
	)

	return s
}

// campaignPriority resolves an optional campaign id into its priority list.
// An empty id means no explicit list.
func campaignPriority(deps MCPDeps, campaignID string) ([]string, error) {
	if campaignID == "" {
		return nil, nil
	}
	c, err := deps.Campaigns.Get(campaignID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("campaign %q not found", campaignID)
		}
		return nil, fmt.Errorf("loading campaign: %w", err)
	}
	return c.PackPriority, nil
}

func mcpRetrieveContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		priority, err := campaignPriority(deps, req.GetString("campaign_id", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		result, err := deps.Retrieval.Retrieve(ctx, retrieval.Request{
			Text: text,
			Session: game.Session{
				InCombat: req.GetBool("in_combat", false),
				Location: req.GetString("location", ""),
			},
			PackPriority: priority,
			TopK:         req.GetInt("top_k", 0),
			TokenBudget:  req.GetInt("token_budget", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}

		rendered := result.Bundle.Render()
		if rendered == "" {
			return mcpText("No relevant content found."), nil
		}
		return mcpText(rendered), nil
	}
}

func mcpLookupEntity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		typeStr, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}

		entityType := content.EntityType(strings.ToLower(strings.TrimSpace(typeStr)))
		if !entityType.Valid() {
			return mcpError(fmt.Sprintf("unknown entity type %q", typeStr)), nil
		}

		priority, err := campaignPriority(deps, req.GetString("campaign_id", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		installed, err := deps.Registry.List()
		if err != nil {
			return mcpError(fmt.Sprintf("listing packs: %v", err)), nil
		}
		res := packs.NewResolution(priority, installed)

		entity, err := deps.Base.Lookup(entityType, name, res)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("no %s named %q in any readable pack", entityType, name)), nil
			}
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}

		type entityResult struct {
			ID       string             `json:"id"`
			PackID   string             `json:"pack_id"`
			Type     content.EntityType `json:"type"`
			Key      string             `json:"key"`
			Name     string             `json:"name"`
			Rendered string             `json:"rendered"`
		}
		b, err := json.Marshal(entityResult{
			ID:       entity.ID,
			PackID:   entity.PackID,
			Type:     entity.Type,
			Key:      entity.Key,
			Name:     entity.Name,
			Rendered: entity.RenderText(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entity: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourcePacks(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		installed, err := deps.Registry.List()
		if err != nil {
			return nil, fmt.Errorf("failed to list packs: %w", err)
		}

		type packSummary struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Priority  int    `json:"priority"`
			Active    bool   `json:"active"`
			Builtin   bool   `json:"builtin"`
			UpdatedAt string `json:"updated_at"`
		}

		summaries := make([]packSummary, len(installed))
		for i, p := range installed {
			summaries[i] = packSummary{
				ID:        p.ID,
				Name:      p.Name,
				Priority:  p.Priority,
				Active:    p.Active,
				Builtin:   p.Builtin,
				UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal packs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
