package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/radiumce/microsandbox/internal/auth"
	"github.com/radiumce/microsandbox/internal/config"
	"github.com/radiumce/microsandbox/internal/portal"
)

// jsonResult marshals v to JSON and returns it as a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errorResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal error result: %w", err)
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = true
	return result, nil
}

// registerMCPTools registers the simplified MCP adapter surface from spec §6:
// execute_code, execute_command, get_sessions, stop_session,
// get_volume_path. These map onto the session manager (C8) rather than the
// raw sandbox RPC methods, matching the SDK's session-oriented usage.
func (s *Server) registerMCPTools() {
	s.mcpServer.AddTool(mcp.NewTool("execute_code",
		mcp.WithDescription("Execute code in a sandboxed Python or Node.js interpreter, creating a session if needed."),
		mcp.WithString("code", mcp.Required(), mcp.Description("The source code to execute.")),
		mcp.WithString("language", mcp.Description("python or nodejs (default: python).")),
		mcp.WithString("session_id", mcp.Description("Reuse an existing session; omitted or unknown creates a new one.")),
		mcp.WithString("template", mcp.Description("Sandbox image template (default: microsandbox/python).")),
		mcp.WithString("namespace", mcp.Description("Namespace to run in (default: default).")),
	), s.handleExecuteCode)

	s.mcpServer.AddTool(mcp.NewTool("execute_command",
		mcp.WithDescription("Execute a shell command in a sandbox, creating a session if needed."),
		mcp.WithString("command", mcp.Required(), mcp.Description("The command to run.")),
		mcp.WithString("args", mcp.Description("Space-separated arguments.")),
		mcp.WithString("session_id", mcp.Description("Reuse an existing session; present-but-unknown creates a fresh one.")),
		mcp.WithString("template", mcp.Description("Sandbox image template (default: microsandbox/python).")),
		mcp.WithString("namespace", mcp.Description("Namespace to run in (default: default).")),
	), s.handleExecuteCommand)

	s.mcpServer.AddTool(mcp.NewTool("get_sessions",
		mcp.WithDescription("List all tracked sessions."),
	), s.handleGetSessions)

	s.mcpServer.AddTool(mcp.NewTool("stop_session",
		mcp.WithDescription("Stop a session and its underlying sandbox."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to stop.")),
	), s.handleStopSession)

	s.mcpServer.AddTool(mcp.NewTool("get_volume_path",
		mcp.WithDescription("Resolve the host path backing a shared volume mount."),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Namespace owning the volume.")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Volume mount name.")),
	), s.handleGetVolumePath)
}

// mcpNamespace resolves the effective namespace for a tool call and checks
// it against the bearer token's scope; the MCP transport is mounted behind
// the same auth middleware as /api/v1/rpc, so the namespace is already in
// context by the time a tool handler runs.
func mcpNamespace(ctx context.Context, request mcp.CallToolRequest, fallback string) (string, error) {
	ns := request.GetString("namespace", fallback)
	if !auth.Authorize(auth.NamespaceFromContext(ctx), ns) {
		return "", fmt.Errorf("token not scoped for namespace %q", ns)
	}
	return ns, nil
}

func (s *Server) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	namespace, err := mcpNamespace(ctx, request, "default")
	if err != nil {
		return errorResult(map[string]any{"error": err.Error()})
	}
	language := request.GetString("language", "python")
	template := request.GetString("template", "microsandbox/python")
	sessionID := request.GetString("session_id", "")

	id, sandboxName, err := s.sessionSandbox(ctx, namespace, sessionID, template)
	if err != nil {
		return errorResult(map[string]any{"error": err.Error()})
	}

	s.sessions.MarkProcessing(id)
	defer s.sessions.MarkReady(id)

	res, err := s.supervisor.ExecCode(ctx, namespace, sandboxName, portal.RunCodeRequest{
		Language: language, Code: request.GetString("code", ""),
	})
	if err != nil {
		return errorResult(map[string]any{"error": err.Error()})
	}
	return jsonResult(map[string]any{
		"output": res.Stdout, "error": res.Stderr, "has_error": res.HasError,
	})
}

func (s *Server) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	namespace, err := mcpNamespace(ctx, request, "default")
	if err != nil {
		return errorResult(map[string]any{"error": err.Error()})
	}
	template := request.GetString("template", "microsandbox/python")
	sessionID := request.GetString("session_id", "")

	id, sandboxName, err := s.sessionSandbox(ctx, namespace, sessionID, template)
	if err != nil {
		return errorResult(map[string]any{"error": err.Error()})
	}

	s.sessions.MarkProcessing(id)
	defer s.sessions.MarkReady(id)

	res, err := s.supervisor.ExecCommand(ctx, namespace, sandboxName, portal.CommandRequest{
		Command: request.GetString("command", ""),
		Args:    strings.Fields(request.GetString("args", "")),
	})
	if err != nil {
		return errorResult(map[string]any{"error": err.Error()})
	}
	exitCode := 0
	if res.ExitCode != nil {
		exitCode = *res.ExitCode
	}
	return jsonResult(map[string]any{
		"exit_code": exitCode, "success": res.Success, "output": res.Stdout, "error": res.Stderr,
	})
}

// sessionSandbox resolves (or, per spec's Open Question (b), creates) the
// session backing this tool call and returns its id and sandbox name.
func (s *Server) sessionSandbox(ctx context.Context, namespace, sessionID, template string) (string, string, error) {
	id, _, err := s.sessions.GetOrCreate(ctx, namespace, sessionID, template, config.FlavorSmall, func(ctx context.Context, ns, sandboxName string, flavor config.Flavor) error {
		shape := config.FlavorShapes[flavor]
		_, err := s.supervisor.Start(ctx, ns, config.SandboxSpec{Name: sandboxName, ImageRef: template, MemoryMiB: shape.MemoryMiB, CPUs: shape.CPUs})
		return err
	})
	if err != nil {
		return "", "", err
	}
	s.sessions.Touch(id)
	for _, info := range s.sessions.List() {
		if info.ID == id {
			return id, info.SandboxName, nil
		}
	}
	return "", "", fmt.Errorf("session %s vanished before use", id)
}

func (s *Server) handleGetSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.sessions.List()
	out := make([]map[string]any, 0, len(sessions))
	for _, info := range sessions {
		out = append(out, map[string]any{
			"session_id":    info.ID,
			"namespace":     info.Namespace,
			"sandbox":       info.SandboxName,
			"template":      info.Template,
			"status":        info.Status,
			"created_at":    info.CreatedAt,
			"last_accessed": info.LastAccessed,
		})
	}
	return jsonResult(map[string]any{"sessions": out, "count": len(out)})
}

func (s *Server) handleStopSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("session_id", "")
	if id == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	ok := s.sessions.StopSession(id)
	return jsonResult(map[string]any{"stopped": ok, "session_id": id})
}

func (s *Server) handleGetVolumePath(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	namespace := request.GetString("namespace", "")
	name := request.GetString("name", "")
	if namespace == "" || name == "" {
		return nil, fmt.Errorf("namespace and name are required")
	}
	return jsonResult(map[string]any{
		"namespace": namespace,
		"name":      name,
		"host_path": config.ResolveHostPath(s.store.NamespaceDir(namespace), name),
	})
}
