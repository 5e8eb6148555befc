// Package mcp exposes relay administration as MCP tools over stdio.
package mcp

import (
	"context"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/usecase"
)

// Server provides relay administration tools
type Server struct {
	server *gomcp.Server
	admin  *usecase.AdminUsecase
	log    zerolog.Logger
}

// NewServer creates the MCP server and registers its tools
func NewServer(admin *usecase.AdminUsecase, version string, log zerolog.Logger) *Server {
	s := &Server{
		server: gomcp.NewServer(&gomcp.Implementation{Name: "feishu-relay", Version: version}, nil),
		admin:  admin,
		log:    log,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "relay_status",
		Description: "Show queue counts per status, active operations, the lock holder and whether the emergency stop is engaged.",
	}, s.handleStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "relay_emergency_stop",
		Description: "Engage or clear the emergency stop. While engaged no response is generated or posted by any relay process.",
	}, s.handleEmergencyStop)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "relay_list_errors",
		Description: "List inbound or outbound items that ended in error, with their error detail.",
	}, s.handleListErrors)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "relay_retry",
		Description: "Move an errored inbound or outbound item back to pending so the daemons pick it up again.",
	}, s.handleRetry)
}

// Run serves tools over stdin/stdout until ctx is done
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Msg("mcp server starting on stdio")
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// StatusInput is empty
type StatusInput struct{}

// StatusOutput summarizes the deployment
type StatusOutput struct {
	Inbound          map[string]int `json:"inbound"`
	Outbound         map[string]int `json:"outbound"`
	Responded        int            `json:"responded"`
	ActiveOperations int            `json:"active_operations"`
	LockHolder       string         `json:"lock_holder,omitempty"`
	EmergencyStop    bool           `json:"emergency_stop"`
	StopReason       string         `json:"stop_reason,omitempty"`
}

func (s *Server) handleStatus(ctx context.Context, req *gomcp.CallToolRequest, input StatusInput) (*gomcp.CallToolResult, StatusOutput, error) {
	st, err := s.admin.Status(ctx)
	if err != nil {
		return nil, StatusOutput{}, err
	}

	out := StatusOutput{
		Inbound:          make(map[string]int),
		Outbound:         make(map[string]int),
		Responded:        st.Queue.Responded,
		ActiveOperations: len(st.Operations),
		EmergencyStop:    st.EmergencyStop.Active,
		StopReason:       st.EmergencyStop.Reason,
	}
	for k, v := range st.Queue.Inbound {
		out.Inbound[string(k)] = v
	}
	for k, v := range st.Queue.Outbound {
		out.Outbound[string(k)] = v
	}
	if st.Lock != nil {
		out.LockHolder = fmt.Sprintf("%s (pid %d on %s, since %s)",
			st.Lock.Owner, st.Lock.PID, st.Lock.Host, st.Lock.AcquiredAt.Format(time.RFC3339))
	}
	return nil, out, nil
}

// EmergencyStopInput engages or clears the stop
type EmergencyStopInput struct {
	Active bool   `json:"active" jsonschema:"true to engage the stop, false to clear it"`
	Reason string `json:"reason,omitempty" jsonschema:"why the stop is engaged"`
}

// EmergencyStopOutput is the resulting stop state
type EmergencyStopOutput struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleEmergencyStop(ctx context.Context, req *gomcp.CallToolRequest, input EmergencyStopInput) (*gomcp.CallToolResult, EmergencyStopOutput, error) {
	st, err := s.admin.SetEmergencyStop(input.Active, input.Reason)
	if err != nil {
		return nil, EmergencyStopOutput{}, err
	}
	s.log.Warn().Bool("active", st.Active).Str("reason", st.Reason).Msg("emergency stop changed over mcp")
	return nil, EmergencyStopOutput{Active: st.Active, Reason: st.Reason}, nil
}

// ListErrorsInput selects the queue to inspect
type ListErrorsInput struct {
	Queue string `json:"queue" jsonschema:"inbound or outbound"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of items (default 50)"`
}

// ErrorItem is one errored queue entry
type ErrorItem struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Detail    string `json:"detail"`
	Retries   int    `json:"retries,omitempty"`
}

// ListErrorsOutput holds the errored items
type ListErrorsOutput struct {
	Items []ErrorItem `json:"items"`
}

func (s *Server) handleListErrors(ctx context.Context, req *gomcp.CallToolRequest, input ListErrorsInput) (*gomcp.CallToolResult, ListErrorsOutput, error) {
	out := ListErrorsOutput{Items: []ErrorItem{}}
	switch input.Queue {
	case "inbound":
		items, err := s.admin.ListInbound(ctx, domain.InboundError, input.Limit)
		if err != nil {
			return nil, out, err
		}
		for _, it := range items {
			out.Items = append(out.Items, ErrorItem{ID: it.ID, ChannelID: it.ChannelID, ThreadID: it.ThreadID, Detail: it.ErrorDetail})
		}
	case "outbound":
		items, err := s.admin.ListOutbound(ctx, domain.OutboundError, input.Limit)
		if err != nil {
			return nil, out, err
		}
		for _, it := range items {
			out.Items = append(out.Items, ErrorItem{ID: it.ID, ChannelID: it.ChannelID, ThreadID: it.ThreadID, Detail: it.ErrorDetail, Retries: it.Retries})
		}
	default:
		return nil, out, fmt.Errorf("queue must be inbound or outbound, got %q", input.Queue)
	}
	return nil, out, nil
}

// RetryInput names the item to retry
type RetryInput struct {
	Queue string `json:"queue" jsonschema:"inbound or outbound"`
	ID    string `json:"id" jsonschema:"the message id of the item"`
}

// RetryOutput confirms the retry
type RetryOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleRetry(ctx context.Context, req *gomcp.CallToolRequest, input RetryInput) (*gomcp.CallToolResult, RetryOutput, error) {
	if input.ID == "" {
		return nil, RetryOutput{}, fmt.Errorf("id is required")
	}
	switch input.Queue {
	case "inbound":
		if err := s.admin.RetryInbound(ctx, input.ID); err != nil {
			return nil, RetryOutput{}, err
		}
	case "outbound":
		if err := s.admin.RetryOutbound(ctx, input.ID); err != nil {
			return nil, RetryOutput{}, err
		}
	default:
		return nil, RetryOutput{}, fmt.Errorf("queue must be inbound or outbound, got %q", input.Queue)
	}
	s.log.Info().Str("queue", input.Queue).Str("id", input.ID).Msg("item requeued over mcp")
	return nil, RetryOutput{ID: input.ID, Status: "pending"}, nil
}
