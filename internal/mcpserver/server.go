// Package mcpserver exposes the active conversation as MCP tools, so another
// agent can talk to the chatbot over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/chatbot-go/internal/chat"
	"github.com/comigor/chatbot-go/internal/logger"
)

const (
	ToolSendMessage       = "send_message"
	ToolListMessages      = "list_messages"
	ToolClearConversation = "clear_conversation"
)

// Chat is the part of a session the tools drive.
type Chat interface {
	Send(ctx context.Context, text string) (chat.Message, error)
	Messages() []chat.Message
	Clear(ctx context.Context) error
}

// Server wraps an MCP server whose tools are backed by a Chat.
type Server struct {
	chat Chat
	mcp  *server.MCPServer
}

// New registers the conversation tools.
func New(c Chat, version string) *Server {
	s := &Server{
		chat: c,
		mcp:  server.NewMCPServer("chatbot", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool(ToolSendMessage,
		mcp.WithDescription("Send a user message to the chatbot and return its reply."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The message to send.")),
	), s.sendMessage)

	s.mcp.AddTool(mcp.NewTool(ToolListMessages,
		mcp.WithDescription("List the conversation, newest message first, as JSON."),
	), s.listMessages)

	s.mcp.AddTool(mcp.NewTool(ToolClearConversation,
		mcp.WithDescription("Delete every message of the conversation."),
	), s.clearConversation)

	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio blocks serving the tools on stdin/stdout.
func (s *Server) ServeStdio() error {
	logger.L.Info("serving MCP tools on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, _ := req.GetArguments()["text"].(string)
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}

	reply, err := s.chat.Send(ctx, text)
	if err != nil {
		logger.L.Warn("send_message failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(reply.Text), nil
}

func (s *Server) listMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(s.chat.Messages())
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *Server) clearConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.chat.Clear(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("conversation cleared"), nil
}
