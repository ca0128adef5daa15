// Package mcp exposes course search and chat as MCP tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/usecase/chat"
	"github.com/m-mizutani/ragademic/pkg/usecase/index"
	"github.com/m-mizutani/ragademic/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultSession = "mcp"

// Server serves the tools list_courses, search_course and ask_course
type Server struct {
	store   *index.Store
	chats   *chat.Manager
	version string
	topK    int
}

type Option func(*Server)

func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// WithTopK sets the default number of search_course hits
func WithTopK(k int) Option {
	return func(s *Server) {
		if k > 0 {
			s.topK = k
		}
	}
}

func New(store *index.Store, chats *chat.Manager, opts ...Option) *Server {
	s := &Server{
		store:   store,
		chats:   chats,
		version: "0.1.0",
		topK:    chat.DefaultTopK,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type listCoursesParams struct{}

type searchCourseParams struct {
	Course string `json:"course" jsonschema:"Course name (collection) to search"`
	Query  string `json:"query" jsonschema:"Natural-language search query"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"Maximum number of chunks to return"`
}

type askCourseParams struct {
	Course  string `json:"course" jsonschema:"Course name to ask about"`
	Session string `json:"session,omitempty" jsonschema:"Conversation session ID; turns in the same session share memory"`
	Message string `json:"message" jsonschema:"Question for the teaching assistant"`
}

// MCPServer builds the SDK server with every tool registered
func (s *Server) MCPServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "ragademic",
		Version: s.version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_courses",
		Description: "List courses that have a built document index",
	}, s.listCourses)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_course",
		Description: "Retrieve the course material chunks most similar to a query",
	}, s.searchCourse)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask_course",
		Description: "Ask the course teaching assistant a question, answered from retrieved course material",
	}, s.askCourse)

	return server
}

// RunStdio serves over stdin/stdout until ctx is done
func (s *Server) RunStdio(ctx context.Context) error {
	if err := s.MCPServer().Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "MCP stdio server failed")
	}
	return nil
}

// Handler returns a streamable HTTP handler for the server
func (s *Server) Handler() http.Handler {
	server := s.MCPServer()
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return server
	}, nil)
}

// RunHTTP serves streamable HTTP on addr until ctx is done
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("MCP server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return goerr.Wrap(err, "MCP HTTP server failed", goerr.V("addr", addr))
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "failed to shutdown MCP HTTP server")
		}
		return nil
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// errorResult reports a failure to the calling model instead of failing the protocol call
func errorResult(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	logging.From(ctx).Warn("tool call failed", "tool", tool, "error", err)

	var msg string
	switch model.KindOf(err) {
	case model.ErrorKindOverloaded:
		msg = chat.OverloadedMessage
	case model.ErrorKindNotFound:
		msg = "Course not found. Build the course index first: " + err.Error()
	default:
		msg = "Error: " + err.Error()
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

func (s *Server) listCourses(ctx context.Context, req *mcp.CallToolRequest, params *listCoursesParams) (*mcp.CallToolResult, any, error) {
	infos, err := s.store.List(ctx)
	if err != nil {
		return errorResult(ctx, "list_courses", err), nil, nil
	}
	if len(infos) == 0 {
		return textResult("No courses have been built yet."), nil, nil
	}

	var b strings.Builder
	for _, info := range infos {
		fmt.Fprintf(&b, "%s (created %s)\n", info.Name, info.CreatedAt.Format(time.DateOnly))
	}
	return textResult(strings.TrimRight(b.String(), "\n")), nil, nil
}

func (s *Server) searchCourse(ctx context.Context, req *mcp.CallToolRequest, params *searchCourseParams) (*mcp.CallToolResult, any, error) {
	if params.Course == "" || strings.TrimSpace(params.Query) == "" {
		return errorResult(ctx, "search_course", goerr.Wrap(model.ErrInvalidArgument, "course and query are required")), nil, nil
	}
	topK := params.TopK
	if topK <= 0 {
		topK = s.topK
	}

	col, err := s.store.Reload(ctx, params.Course)
	if err != nil {
		return errorResult(ctx, "search_course", err), nil, nil
	}
	hits, err := col.Search(ctx, params.Query, model.CourseFilter(params.Course), topK)
	if err != nil {
		return errorResult(ctx, "search_course", err), nil, nil
	}
	if len(hits) == 0 {
		return textResult(fmt.Sprintf("No matching material found in %s.", params.Course)), nil, nil
	}

	return textResult(FormatHits(hits)), nil, nil
}

func (s *Server) askCourse(ctx context.Context, req *mcp.CallToolRequest, params *askCourseParams) (*mcp.CallToolResult, any, error) {
	session := params.Session
	if session == "" {
		session = defaultSession
	}

	answer, err := s.chats.Ask(ctx, params.Course, session, params.Message)
	if err != nil {
		return errorResult(ctx, "ask_course", err), nil, nil
	}
	return textResult(answer.Message.Text), nil, nil
}

// FormatHits renders search results as numbered blocks with their source
func FormatHits(hits []*model.ScoredChunk) string {
	var b strings.Builder
	for i, hit := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		source := hit.Chunk.Metadata[model.MetaFileName]
		if source == "" {
			source = hit.Chunk.Metadata[model.MetaTopic]
		}
		if page := hit.Chunk.Metadata[model.MetaPageLabel]; page != "" {
			source += " p." + page
		}
		fmt.Fprintf(&b, "[%d] %s (score %.3f)\n%s", i+1, source, hit.Score, hit.Chunk.Text)
	}
	return b.String()
}
