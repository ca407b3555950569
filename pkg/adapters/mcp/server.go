// Package mcp exposes the conversation orchestrator as an MCP server, so
// agent hosts can drive requirement-gathering conversations as tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/parley-dev/parley/pkg/domain"
)

// Coordinator is the orchestration surface the MCP tools call into.
type Coordinator interface {
	Submit(ctx context.Context, conversationID, content string) (string, error)
	Attach(ctx context.Context, conversationID string) ([]domain.Frame, <-chan domain.Frame, func(), error)
	Transcript(ctx context.Context, conversationID string) (*domain.Transcript, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, conversationID string) error
}

// SendMessageResponse is the structured result of the send_message tool.
type SendMessageResponse struct {
	ConversationID string `json:"conversation_id" jsonschema_description:"The conversation the message belongs to"`
	TurnID         string `json:"turn_id" jsonschema_description:"The turn created for the message"`
	Reply          string `json:"reply" jsonschema_description:"The assistant's textual reply for this turn"`
	Outcome        string `json:"outcome" jsonschema_description:"Terminal outcome of the turn: ok or error"`
}

// Server wraps the coordinator and exposes it as an MCP server.
type Server struct {
	coordinator Coordinator
	mcpServer   *server.MCPServer
	turnTimeout time.Duration
}

// NewServer creates an MCP server over the coordinator.
func NewServer(coordinator Coordinator, version string) *Server {
	s := &Server{
		coordinator: coordinator,
		mcpServer:   server.NewMCPServer("parley-mcp", version),
		turnTimeout: 2 * time.Minute,
	}
	s.registerTools()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE starts the server on the given port using SSE.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	sendTool := mcp.NewTool("send_message",
		mcp.WithDescription("Send a user message to a conversation and wait for the assistant's reply."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("The conversation to send the message to")),
		mcp.WithString("content", mcp.Required(), mcp.Description("The user message text")),
		mcp.WithOutputSchema[SendMessageResponse](),
	)
	s.mcpServer.AddTool(sendTool, mcp.NewStructuredToolHandler(s.handleSendMessage))

	s.mcpServer.AddTool(mcp.NewTool("get_transcript",
		mcp.WithDescription("Get the full message history of a conversation."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("The conversation to load")),
	), s.handleGetTranscript)

	s.mcpServer.AddTool(mcp.NewTool("list_conversations",
		mcp.WithDescription("List the known conversation ids."),
	), s.handleListConversations)

	s.mcpServer.AddTool(mcp.NewTool("delete_conversation",
		mcp.WithDescription("Delete a conversation and its transcript."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("The conversation to delete")),
	), s.handleDeleteConversation)
}

// handleSendMessage submits the message and follows the event stream until
// the turn's done frame, collecting the assistant text on the way.
func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (SendMessageResponse, error) {
	conversationID, _ := args["conversation_id"].(string)
	content, _ := args["content"].(string)
	if conversationID == "" || content == "" {
		return SendMessageResponse{}, fmt.Errorf("conversation_id and content are required")
	}

	_, frames, cancel, err := s.coordinator.Attach(ctx, conversationID)
	if err != nil {
		return SendMessageResponse{}, fmt.Errorf("attach failed: %w", err)
	}
	defer cancel()

	turnID, err := s.coordinator.Submit(ctx, conversationID, content)
	if err != nil {
		return SendMessageResponse{}, fmt.Errorf("submit failed: %w", err)
	}

	resp := SendMessageResponse{
		ConversationID: conversationID,
		TurnID:         turnID,
		Outcome:        "ok",
	}
	timeout := time.After(s.turnTimeout)
	for {
		select {
		case <-ctx.Done():
			return SendMessageResponse{}, ctx.Err()
		case <-timeout:
			return SendMessageResponse{}, fmt.Errorf("timed out waiting for turn %s", turnID)
		case frame, ok := <-frames:
			if !ok {
				return SendMessageResponse{}, fmt.Errorf("stream detached before turn %s finished", turnID)
			}
			if frame.TurnID != turnID {
				continue
			}
			switch frame.Kind {
			case domain.UnitText:
				var p domain.TextPayload
				if err := frame.Unit().DecodePayload(&p); err == nil {
					if resp.Reply == "" {
						resp.Reply = p.Content
					} else {
						resp.Reply += "\n\n" + p.Content
					}
				}
			case domain.UnitError:
				var p domain.ErrorPayload
				if err := frame.Unit().DecodePayload(&p); err == nil {
					resp.Reply = p.Message
				}
				resp.Outcome = "error"
			case domain.UnitDone:
				return resp, nil
			}
		}
	}
}

func (s *Server) handleGetTranscript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	tr, err := s.coordinator.Transcript(ctx, conversationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("transcript load failed: %v", err)), nil
	}
	jsonBytes, err := json.Marshal(tr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListConversations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := s.coordinator.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(ids)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleDeleteConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.coordinator.Delete(ctx, conversationID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", err)), nil
	}
	return mcp.NewToolResultText("deleted"), nil
}
