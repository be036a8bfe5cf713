// Package rpcshell is the thin RPC shell around the Facade: it decodes
// line-delimited JSON-RPC requests arriving on standard input and
// dispatches them to Facade operations, framed as MCP tools over stdio
// (grounded on the reference repo's own mcp_server.go / mcp_proxy.go use
// of mark3labs/mcp-go's NewTool + server.ServeStdio). The transport
// framing and method dispatch themselves are an external collaborator
// per spec.md §1; this package is the wrapper that exposes the Facade's
// operation set (spec.md §2, §6) as that collaborator's tool surface.
package rpcshell

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/dizzident/xvfb-sessiond/internal/facade"
	"github.com/dizzident/xvfb-sessiond/internal/session"
	"github.com/dizzident/xvfb-sessiond/internal/sessionerr"
)

// Server wires a Facade's operations into an mcp-go stdio server.
type Server struct {
	mcpServer *server.MCPServer
	facade    *facade.Facade
	logger    zerolog.Logger
}

// New builds a Server exposing every Facade operation as an MCP tool.
func New(f *facade.Facade, logger zerolog.Logger) *Server {
	s := &Server{
		facade: f,
		logger: logger,
	}

	s.mcpServer = server.NewMCPServer(
		"xvfb-sessiond",
		"1.0.0",
		server.WithResourceCapabilities(false, false),
		server.WithLogging(),
	)

	s.registerTools()
	return s
}

// Serve runs the server on standard input/output until ctx is cancelled
// or the transport closes (spec.md §1, §6).
func (s *Server) Serve(ctx context.Context) error {
	return server.ServeStdio(s.mcpServer, server.WithStdioContextFunc(func(c context.Context) context.Context { return ctx }))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Creates a new isolated virtual display session."),
		mcp.WithNumber("width", mcp.Description("Display width in pixels (default 1920)")),
		mcp.WithNumber("height", mcp.Description("Display height in pixels (default 1080)")),
		mcp.WithNumber("depth", mcp.Description("Color depth in bits (default 24)")),
		mcp.WithBoolean("no_window_manager", mcp.Description("Skip starting a window manager")),
	), s.handleCreate)

	s.mcpServer.AddTool(mcp.NewTool("destroy_session",
		mcp.WithDescription("Destroys a session and all processes running inside it."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
	), s.handleDestroy)

	s.mcpServer.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("Lists every live session and its launched processes."),
	), s.handleList)

	s.mcpServer.AddTool(mcp.NewTool("run_in_session",
		mcp.WithDescription("Launches a command inside a session, detached."),
		mcp.WithString("session_id", mcp.Description("Session identifier (omit if exactly one session exists)")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Executable to launch")),
	), s.handleExec)

	s.mcpServer.AddTool(mcp.NewTool("computer",
		mcp.WithDescription("Drives keyboard and mouse input, screenshot capture, and window queries against a session."),
		mcp.WithString("session_id", mcp.Description("Session identifier (omit if exactly one session exists)")),
		mcp.WithString("action", mcp.Required(), mcp.Description("One of: key, type, mouse_move, left_click, right_click, middle_click, double_click, drag, scroll, get_cursor_position, get_screenshot")),
		mcp.WithString("text", mcp.Description("Key name, combo, or literal text, depending on action")),
		mcp.WithArray("coordinate", mcp.Description("[x, y] in API image space")),
		mcp.WithString("scroll_direction", mcp.Description("up, down, left, or right")),
		mcp.WithNumber("scroll_amount", mcp.Description("Scroll magnitude (default 300)")),
	), s.handleComputer)

	s.mcpServer.AddTool(mcp.NewTool("find_windows",
		mcp.WithDescription("Lists windows on a session's display matching an optional title pattern."),
		mcp.WithString("session_id", mcp.Description("Session identifier (omit if exactly one session exists)")),
		mcp.WithString("title_pattern", mcp.Description("Substring/pattern to match window titles against")),
	), s.handleFindWindows)

	s.mcpServer.AddTool(mcp.NewTool("wait_for_window",
		mcp.WithDescription("Polls for a window matching a title pattern until found or timeout."),
		mcp.WithString("session_id", mcp.Description("Session identifier (omit if exactly one session exists)")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Title pattern to wait for")),
		mcp.WithNumber("timeout_ms", mcp.Description("Timeout in milliseconds (default 10000)")),
	), s.handleWaitForWindow)
}

func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := session.CreateOptions{
		Width:  int(req.GetFloat("width", 0)),
		Height: int(req.GetFloat("height", 0)),
		Depth:  int(req.GetFloat("depth", 0)),
	}
	opts.NoWindowManager = req.GetBool("no_window_manager", false)

	result, err := s.facade.Create(ctx, opts)
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		`{"session_id":%q,"display":%d,"width":%d,"height":%d}`,
		result.SessionID, result.Display, result.Width, result.Height)), nil
}

func (s *Server) handleDestroy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return errResult(sessionerr.New(sessionerr.InvalidArgument, "session_id is required")), nil
	}
	if err := s.facade.Destroy(ctx, id); err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"ok":true,"destroyed":%q}`, id)), nil
}

func (s *Server) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summaries := s.facade.List()
	return mcp.NewToolResultText(fmt.Sprintf("%d session(s) registered: %v", len(summaries), summaries)), nil
}

func (s *Server) handleExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return errResult(sessionerr.New(sessionerr.InvalidArgument, "command is required")), nil
	}
	id := req.GetString("session_id", "")

	pid, sessionID, err := s.facade.Exec(ctx, id, command, nil, nil)
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"pid":%d,"session_id":%q}`, pid, sessionID)), nil
}

func (s *Server) handleComputer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	action, err := req.RequireString("action")
	if err != nil {
		return errResult(sessionerr.New(sessionerr.InvalidArgument, "action is required")), nil
	}

	coord := readCoordinate(req)

	switch action {
	case "key":
		if err := s.facade.SendKey(ctx, id, req.GetString("text", "")); err != nil {
			return errResult(err), nil
		}
	case "type":
		if err := s.facade.SendType(ctx, id, req.GetString("text", "")); err != nil {
			return errResult(err), nil
		}
	case "mouse_move":
		if coord == nil {
			return errResult(sessionerr.New(sessionerr.InvalidArgument, "coordinate is required for mouse_move")), nil
		}
		if err := s.facade.MouseMove(ctx, id, coord[0], coord[1]); err != nil {
			return errResult(err), nil
		}
	case "left_click", "middle_click", "right_click":
		button := map[string]int{"left_click": 1, "middle_click": 2, "right_click": 3}[action]
		cx, cy := coordPtrs(coord)
		if err := s.facade.MouseClick(ctx, id, button, cx, cy); err != nil {
			return errResult(err), nil
		}
	case "double_click":
		cx, cy := coordPtrs(coord)
		if err := s.facade.MouseDoubleClick(ctx, id, cx, cy); err != nil {
			return errResult(err), nil
		}
	case "drag":
		if coord == nil {
			return errResult(sessionerr.New(sessionerr.InvalidArgument, "coordinate is required for drag")), nil
		}
		if err := s.facade.MouseDrag(ctx, id, coord[0], coord[1]); err != nil {
			return errResult(err), nil
		}
	case "scroll":
		dir := req.GetString("scroll_direction", "")
		amt := int(req.GetFloat("scroll_amount", 0))
		cx, cy := coordPtrs(coord)
		if err := s.facade.MouseScroll(ctx, id, dir, amt, cx, cy); err != nil {
			return errResult(err), nil
		}
	case "get_cursor_position":
		x, y, err := s.facade.GetCursorPosition(ctx, id)
		if err != nil {
			return errResult(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"x":%d,"y":%d}`, x, y)), nil
	case "get_screenshot":
		shot, err := s.facade.Screenshot(ctx, id)
		if err != nil {
			return errResult(err), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: fmt.Sprintf(`{"display_width_px":%d,"display_height_px":%d}`, shot.Width, shot.Height)},
				mcp.ImageContent{Type: "image", Data: shot.PNGBase64, MIMEType: "image/png"},
			},
		}, nil
	default:
		return errResult(sessionerr.Newf(sessionerr.InvalidArgument, "unknown action %q", action)), nil
	}

	return mcp.NewToolResultText(`{"ok":true}`), nil
}

func (s *Server) handleFindWindows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	pattern := req.GetString("title_pattern", "")

	windows, err := s.facade.FindWindows(ctx, id, pattern)
	if err != nil {
		return errResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%v", windows)), nil
}

func (s *Server) handleWaitForWindow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("session_id", "")
	title, err := req.RequireString("title")
	if err != nil {
		return errResult(sessionerr.New(sessionerr.InvalidArgument, "title is required")), nil
	}
	timeoutMs := req.GetFloat("timeout_ms", 10000)

	info, found, err := s.facade.WaitForWindow(ctx, id, title, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return errResult(err), nil
	}
	if !found {
		return mcp.NewToolResultText(fmt.Sprintf(`{"found":false,"title":%q,"timeout_ms":%d}`, title, int(timeoutMs))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		`{"found":true,"windowId":%q,"name":%q,"x":%d,"y":%d,"width":%d,"height":%d}`,
		info.WindowID, info.Name, info.X, info.Y, info.Width, info.Height)), nil
}

func readCoordinate(req mcp.CallToolRequest) []int {
	raw, ok := req.GetArguments()["coordinate"].([]any)
	if !ok || len(raw) != 2 {
		return nil
	}
	x, okX := raw[0].(float64)
	y, okY := raw[1].(float64)
	if !okX || !okY {
		return nil
	}
	return []int{int(x), int(y)}
}

func coordPtrs(coord []int) (*int, *int) {
	if coord == nil {
		return nil, nil
	}
	x, y := coord[0], coord[1]
	return &x, &y
}

func errResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}
