// Package api exposes the client over the Model Context Protocol so other
// agents can ask questions against the knowledge base and inspect ingestion.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/dgpt/internal/conversation"
	"github.com/kalambet/dgpt/internal/gateway"
	"github.com/kalambet/dgpt/internal/session"
	"github.com/kalambet/dgpt/internal/storage"
)

// MCPChat is the conversation controller as seen by the MCP layer.
type MCPChat interface {
	Ask(ctx context.Context, prompt string) error
	NewChat() error
	Store() *conversation.Store
}

// MCPGateway is the subset of backend calls the tools make directly.
type MCPGateway interface {
	Sources(ctx context.Context) ([]gateway.Document, error)
	TaskStatus(ctx context.Context, taskID string) (gateway.TaskStatus, error)
}

// MCPSession reads and changes the document selection.
type MCPSession interface {
	RefreshSources(ctx context.Context, lister session.SourceLister) ([]gateway.Document, error)
	SelectDocs(ids ...string) error
	SelectedDocs() []gateway.Document
}

// MCPLedger reads locally recorded ingest tasks.
type MCPLedger interface {
	GetTask(taskID string) (storage.TaskRecord, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Chat    MCPChat
	Gateway MCPGateway
	Session MCPSession
	Ledger  MCPLedger // optional
	Version string
}

// NewMCPServer creates an MCP server with all dgpt tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"dgpt",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("dgpt: ask questions against a DocsGPT knowledge base and track document ingestion."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question against the selected documents. Follow-up questions share the conversation."),
			mcp.WithString("question", mcp.Description("The question to ask"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("new_chat",
			mcp.WithDescription("Start a new conversation, forgetting previous questions."),
		),
		mcpNewChat(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sources",
			mcp.WithDescription("List the documents available on the backend, marking the selected ones."),
		),
		mcpListSources(deps),
	)

	s.AddTool(
		mcp.NewTool("select_sources",
			mcp.WithDescription("Select the documents that answers are grounded on."),
			mcp.WithArray("ids", mcp.Description("Document ids from list_sources"), mcp.Required()),
		),
		mcpSelectSources(deps),
	)

	s.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Report the training status of an ingestion task."),
			mcp.WithString("task_id", mcp.Description("Task id returned when the ingestion was submitted"), mcp.Required()),
		),
		mcpTaskStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"dgpt://conversation",
			"Current Conversation",
			mcp.WithResourceDescription("Questions and answers of the current conversation as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceConversation(deps),
	)

	return s
}

type sourceRef struct {
	Title  string `json:"title"`
	Source string `json:"source,omitempty"`
}

type answerResult struct {
	Answer         string      `json:"answer"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Sources        []sourceRef `json:"sources,omitempty"`
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil || strings.TrimSpace(question) == "" {
			return mcpError("question is required"), nil
		}

		if err := deps.Chat.Ask(ctx, question); err != nil {
			if errors.Is(err, conversation.ErrBusy) {
				return mcpError("another question is still being answered"), nil
			}
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		store := deps.Chat.Store()
		q, err := store.At(store.Len() - 1)
		if err != nil {
			return mcpError(fmt.Sprintf("reading answer: %v", err)), nil
		}
		if q.Failed() {
			return mcpError(q.Error), nil
		}

		res := answerResult{Answer: q.Response, ConversationID: store.ConversationID()}
		for _, s := range q.Sources {
			res.Sources = append(res.Sources, sourceRef{Title: s.Title, Source: s.Source})
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpNewChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Chat.NewChat(); err != nil {
			return mcpError(fmt.Sprintf("new chat failed: %v", err)), nil
		}
		return mcpText("Started a new conversation"), nil
	}
}

type sourceResult struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Date     string `json:"date,omitempty"`
	Tokens   int64  `json:"tokens"`
	Type     string `json:"type,omitempty"`
	Selected bool   `json:"selected"`
}

func mcpListSources(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docs, err := deps.Session.RefreshSources(ctx, deps.Gateway)
		if err != nil {
			return mcpError(fmt.Sprintf("listing sources failed: %v", err)), nil
		}

		selected := make(map[string]bool)
		for _, d := range deps.Session.SelectedDocs() {
			selected[d.ID] = true
		}

		results := make([]sourceResult, len(docs))
		for i, d := range docs {
			results[i] = sourceResult{
				ID:       d.ID,
				Name:     d.Name,
				Date:     d.Date,
				Tokens:   d.TokenCount(),
				Type:     d.Type,
				Selected: selected[d.ID],
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sources: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSelectSources(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := req.GetStringSlice("ids", nil)
		if len(ids) == 0 {
			return mcpError("ids is required"), nil
		}

		if _, err := deps.Session.RefreshSources(ctx, deps.Gateway); err != nil {
			return mcpError(fmt.Sprintf("listing sources failed: %v", err)), nil
		}
		if err := deps.Session.SelectDocs(ids...); err != nil {
			return mcpError(fmt.Sprintf("select failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Selected %d document(s)", len(ids))), nil
	}
}

type taskResult struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Limited  bool   `json:"limited"`
	Name     string `json:"name,omitempty"`
	Phase    string `json:"local_phase,omitempty"`
}

func mcpTaskStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil || taskID == "" {
			return mcpError("task_id is required"), nil
		}

		st, err := deps.Gateway.TaskStatus(ctx, taskID)
		if err != nil {
			return mcpError(fmt.Sprintf("task status failed: %v", err)), nil
		}

		res := taskResult{
			TaskID:   taskID,
			Status:   st.Status,
			Progress: st.Result.Current,
			Limited:  st.Result.Limited,
		}
		if st.Status == gateway.TaskSuccess {
			res.Progress = 100
		}
		if deps.Ledger != nil {
			if rec, err := deps.Ledger.GetTask(taskID); err == nil {
				res.Name = rec.Name
				res.Phase = rec.Phase
			}
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceConversation(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type turn struct {
			Prompt   string `json:"prompt"`
			Response string `json:"response,omitempty"`
			Error    string `json:"error,omitempty"`
			Feedback string `json:"feedback,omitempty"`
		}

		store := deps.Chat.Store()
		queries := store.Queries()
		turns := make([]turn, len(queries))
		for i, q := range queries {
			turns[i] = turn{Prompt: q.Prompt, Response: q.Response, Error: q.Error}
			if q.Feedback != conversation.FeedbackUnset {
				turns[i].Feedback = q.Feedback.String()
			}
		}

		b, err := json.Marshal(map[string]any{
			"conversation_id": store.ConversationID(),
			"queries":         turns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversation: %w", err)
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
