package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// mcpHandler exposes the session surface to MCP clients over streamable
// HTTP. An agent in one session can observe and drive its sibling
// sessions through these tools.
func (s *Server) mcpHandler() http.Handler {
	srv := mcpserver.NewMCPServer(
		"tidemux",
		s.version,
		mcpserver.WithToolCapabilities(true),
	)

	srv.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all terminal sessions with their readiness state, active process and working directory."),
		),
		s.mcpListSessions,
	)

	srv.AddTool(
		mcp.NewTool("send_input",
			mcp.WithDescription("Send keystrokes to a session. Append \\r to submit a command."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to write to"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The raw text to type into the terminal"),
			),
		),
		s.mcpSendInput,
	)

	srv.AddTool(
		mcp.NewTool("capture_pane",
			mcp.WithDescription("Capture the visible pane content of a tmux-backed session."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to capture"),
			),
		),
		s.mcpCapturePane,
	)

	srv.AddTool(
		mcp.NewTool("readiness",
			mcp.WithDescription("Report whether a session is ready for input, busy, or in an unknown state, with the reason."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to inspect"),
			),
		),
		s.mcpReadiness,
	)

	srv.AddTool(
		mcp.NewTool("assign_task",
			mcp.WithDescription("Record which task a session is working on. An empty task_id clears the assignment."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID the task belongs to"),
			),
			mcp.WithString("task_id",
				mcp.Description("The task identifier, or empty to clear"),
			),
		),
		s.mcpAssignTask,
	)

	srv.AddTool(
		mcp.NewTool("current_task",
			mcp.WithDescription("Return the task currently assigned to a session, if any."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to look up"),
			),
		),
		s.mcpCurrentTask,
	)

	return mcpserver.NewStreamableHTTPServer(srv,
		mcpserver.WithEndpointPath("/mcp"),
	)
}

func (s *Server) mcpListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(s.rt.List(), "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

func (s *Server) mcpSendInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, ok := s.rt.Summary(id); !ok {
		return mcp.NewToolResultError("session not found: " + id), nil
	}
	s.rt.WriteInput(id, []byte(text))
	return mcp.NewToolResultText("ok"), nil
}

func (s *Server) mcpCapturePane(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, ok := s.rt.SnapshotPane(id)
	if !ok {
		return mcp.NewToolResultError("no pane available for session: " + id), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) mcpReadiness(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sum, ok := s.rt.Summary(id)
	if !ok {
		return mcp.NewToolResultError("session not found: " + id), nil
	}
	formatted, _ := json.MarshalIndent(map[string]any{
		"state":         sum.ReadyState,
		"indicator":     sum.ReadyIndicator,
		"reason":        sum.ReadyReason,
		"changedAt":     sum.ReadyStateChangedAt,
		"activeProcess": sum.ActiveProcess,
	}, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func (s *Server) mcpAssignTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID := req.GetString("task_id", "")
	if err := s.rt.AssignTask(id, taskID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to assign task: %v", err)), nil
	}
	if taskID == "" {
		return mcp.NewToolResultText("cleared"), nil
	}
	return mcp.NewToolResultText("assigned " + taskID), nil
}

func (s *Server) mcpCurrentTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskID, ok, err := s.rt.ActiveTask(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to look up task: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultText("no active task"), nil
	}
	return mcp.NewToolResultText(taskID), nil
}
