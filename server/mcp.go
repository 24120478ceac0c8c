package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type MCPServer struct {
	Server *server.MCPServer
	// Addr serves MCP over SSE. When empty the server speaks stdio.
	Addr string
}

func NewMCPServer(addr string) *MCPServer {
	return &MCPServer{Server: server.NewMCPServer("msgroute", Version), Addr: addr}
}

func (s *MCPServer) Start(ctx context.Context) error {
	if s.Addr == "" {
		slog.Info("Started stdio MCP server")
		defer slog.Info("Shut down stdio MCP server")
		errCh := make(chan error, 1)
		go func() { errCh <- server.ServeStdio(s.Server) }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}

	sse := server.NewSSEServer(s.Server)
	errCh := make(chan error, 1)
	go func() { errCh <- sse.Start(s.Addr) }()
	slog.Info("Started SSE MCP server", "addr", s.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("Shut down SSE MCP server", "addr", s.Addr)
	return sse.Shutdown(sctx)
}

// RegisterTools exposes the coordinator's routing state.
func (s *MCPServer) RegisterTools(c *Coordinator) {
	s.Server.AddTool(
		mcp.NewTool("list_transports", mcp.WithDescription("List the transport drivers and whether their stub factories are ready")),
		c.handleListTransports,
	)
	s.Server.AddTool(
		mcp.NewTool("list_stubs", mcp.WithDescription("List the destination addresses with a cached stub")),
		c.handleListStubs,
	)
	s.Server.AddTool(
		mcp.NewTool("list_participants", mcp.WithDescription("List the local participants messages are dispatched to")),
		c.handleListParticipants,
	)
}

type transportElement struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Protocol  string `json:"protocol"`
	Address   string `json:"address,omitempty"`
	Clients   int    `json:"clients"`
	Listeners int    `json:"listeners"`
	Connected bool   `json:"connected"`
	Ready     bool   `json:"ready"`
}

func (c *Coordinator) handleListTransports(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	drivers := c.Drivers()
	res := make([]transportElement, 0, len(drivers))
	for _, d := range drivers {
		m := d.Meta()
		res = append(res, transportElement{
			Name:      m.Name,
			Type:      string(m.Type),
			Protocol:  m.Protocol,
			Address:   m.Address,
			Clients:   m.Clients,
			Listeners: d.Skeleton().Listeners(),
			Connected: m.Connected,
			Ready:     m.Ready,
		})
	}
	return jsonResult(res)
}

func (c *Coordinator) handleListStubs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type stubElement struct {
		Type    string `json:"type"`
		Address string `json:"address"`
	}
	addrs := c.Router.Stubs()
	res := make([]stubElement, 0, len(addrs))
	for _, a := range addrs {
		res = append(res, stubElement{Type: string(a.Type()), Address: a.String()})
	}
	return jsonResult(res)
}

func (c *Coordinator) handleListParticipants(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(c.Participants.IDs())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(jsonBytes),
			},
		}}, nil
}
