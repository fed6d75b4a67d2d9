package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/lessonforge/internal/orchestrator"
	"github.com/michaelbrown/lessonforge/internal/storage"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve lesson tools to MCP clients over stdio",
	RunE:  runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s := server.NewMCPServer("lessonforge", "0.1.0")
	a.registerMCPTools(s)

	// stdout belongs to the protocol; logs already go to stderr.
	return server.ServeStdio(s)
}

func (a *app) registerMCPTools(s *server.MCPServer) {
	s.AddTool(mcp.Tool{
		Name:        "create_lesson",
		Description: "Create a lesson from an outline. With run=true the lesson is generated and deployed to a sandbox before returning.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"outline": map[string]any{
					"type":        "string",
					"description": "What the lesson should teach",
				},
				"run": map[string]any{
					"type":        "boolean",
					"description": "Generate and deploy immediately (default false)",
				},
			},
			Required: []string{"outline"},
		},
	}, a.handleCreateLessonTool)

	s.AddTool(mcp.Tool{
		Name:        "get_lesson",
		Description: "Get a lesson's status, sandbox URL and error message by id or id prefix.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Lesson id or unique prefix",
				},
			},
			Required: []string{"id"},
		},
	}, a.handleGetLessonTool)

	s.AddTool(mcp.Tool{
		Name:        "list_lessons",
		Description: "List lessons, newest first.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"status": map[string]any{
					"type":        "string",
					"description": "Filter by status: generating, generated or failed (optional)",
				},
				"limit": map[string]any{
					"type":        "number",
					"description": "Max lessons to return (default 20)",
				},
			},
		},
	}, a.handleListLessonsTool)

	s.AddTool(mcp.Tool{
		Name:        "recreate_sandbox",
		Description: "Deploy a lesson's stored content into a fresh sandbox and return the new URL.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Lesson id or unique prefix",
				},
			},
			Required: []string{"id"},
		},
	}, a.handleRecreateTool)
}

func (a *app) handleCreateLessonTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	outline, _ := args["outline"].(string)
	outline = strings.TrimSpace(outline)
	if outline == "" {
		return errResult("error: outline is required"), nil
	}
	run, _ := args["run"].(bool)

	l := storage.NewLesson(outline)
	if err := a.store.CreateLesson(ctx, l); err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	a.metrics.LessonCreated()

	if !run {
		return textResult(fmt.Sprintf("Created lesson %s (%s). Status: %s", l.ID, l.Title, l.Status)), nil
	}

	res := a.orchestrator.Run(ctx, l.ID, orchestrator.ModeExecute)
	out := textResult(resultJSON(res))
	out.IsError = !res.Success
	return out, nil
}

func (a *app) handleGetLessonTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	id, _ := args["id"].(string)
	if id == "" {
		return errResult("error: id is required"), nil
	}

	l, err := a.store.GetLesson(ctx, id)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\ntitle: %s\nstatus: %s\n", l.ID, l.Title, l.Status)
	if l.SandboxURL != "" {
		fmt.Fprintf(&b, "sandbox_url: %s\n", l.SandboxURL)
	}
	if l.ErrorMessage != "" {
		fmt.Fprintf(&b, "error: %s\n", l.ErrorMessage)
	}
	fmt.Fprintf(&b, "content_bytes: %d\n", len(l.Content))
	return textResult(b.String()), nil
}

func (a *app) handleListLessonsTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)

	opts := storage.ListOptions{Limit: 20}
	if status, _ := args["status"].(string); status != "" {
		opts.Status = storage.Status(status)
		if !opts.Status.Valid() {
			return errResult("error: unknown status " + status), nil
		}
	}
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		opts.Limit = int(limit)
	}

	lessons, err := a.store.ListLessons(ctx, opts)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	if len(lessons) == 0 {
		return textResult("No lessons found."), nil
	}

	var b strings.Builder
	for _, l := range lessons {
		fmt.Fprintf(&b, "%s  %-10s %s", l.ID, l.Status, truncate(l.Title, 60))
		if l.SandboxURL != "" {
			fmt.Fprintf(&b, "  %s", l.SandboxURL)
		}
		b.WriteString("\n")
	}
	return textResult(b.String()), nil
}

func (a *app) handleRecreateTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	id, _ := args["id"].(string)
	if id == "" {
		return errResult("error: id is required"), nil
	}

	l, err := a.store.GetLesson(ctx, id)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	res := a.orchestrator.Run(ctx, l.ID, orchestrator.ModeRecreate)
	out := textResult(resultJSON(res))
	out.IsError = !res.Success
	return out, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
