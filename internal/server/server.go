package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/notify"
	"github.com/joshdurbin/strava-mirror/internal/workers"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "strava-mirror"
	serverVersion = "1.0.0"
)

// ptr returns a pointer to the given value - useful for optional fields in structs
func ptr[T any](v T) *T {
	return &v
}

// Modules is the slice of the orchestrator the MCP tools drive.
type Modules interface {
	Modules() []workers.ModuleStatus
	Module(identifier string) (workers.ModuleStatus, bool)
	RunCycle(ctx context.Context, identifier string) error
	AuthorizationURL(identifier string) (string, error)
}

// Events exposes the retained module events.
type Events interface {
	Latest(identifier string) (notify.Event, bool)
	Last(identifier string) (notify.Event, bool)
}

// Server wraps the MCP server around the module registry
type Server struct {
	mcp     *mcp.Server
	modules Modules
	events  Events
}

// MCPServer returns the underlying MCP server (for use with HTTP/SSE transport)
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

func New(modules Modules, events Events) *Server {
	logging.Info("MCP server initializing", "name", serverName, "version", serverVersion)

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: serverVersion,
		}, nil),
		modules: modules,
		events:  events,
	}

	s.registerTools()
	s.registerResources()

	logging.Info("MCP server initialized", "tools_registered", 4, "resources_registered", 2)
	return s
}

// Run starts the MCP server over stdio transport
func (s *Server) Run(ctx context.Context) error {
	logging.Info("MCP server starting")
	defer logging.Info("MCP server stopped")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// SSEHandler serves the MCP server over HTTP/SSE.
func (s *Server) SSEHandler() http.Handler {
	return mcp.NewSSEHandler(func(r *http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}

func (s *Server) registerTools() {
	logging.Debug("Registering tool", "name", "list_modules")
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "list_modules",
		Description: `List every registered mirror module with its mode, period, authorization state and schedule.

Use when:
- User asks "Which Strava widgets are configured?"
- User wants to know whether a module still needs authorization

Returns: One entry per module ordered by identifier.`,
		Annotations: &mcp.ToolAnnotations{
			Title:           "List Modules",
			ReadOnlyHint:    true,
			IdempotentHint:  true,
			OpenWorldHint:   ptr(false),
			DestructiveHint: ptr(false),
		},
	}, s.listModules)

	logging.Debug("Registering tool", "name", "get_module_data")
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "get_module_data",
		Description: `Get the data a module last displayed, along with its most recent error or warning.

Parameters:
- identifier (string): The module identifier, e.g. "MMM-Strava_1".

Returns: The module status, the last DATA payload (totals, chart intervals or goal progress) and the latest message.

Example: {"identifier": "MMM-Strava_1"}`,
		Annotations: &mcp.ToolAnnotations{
			Title:           "Get Module Data",
			ReadOnlyHint:    true,
			IdempotentHint:  true,
			OpenWorldHint:   ptr(false),
			DestructiveHint: ptr(false),
		},
	}, s.getModuleData)

	logging.Debug("Registering tool", "name", "refresh_module")
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "refresh_module",
		Description: `Run a fetch cycle for a module now instead of waiting for its next scheduled reload.

Parameters:
- identifier (string): The module identifier.

Returns: The cycle outcome and the freshly published data.`,
		Annotations: &mcp.ToolAnnotations{
			Title:           "Refresh Module",
			ReadOnlyHint:    false,
			IdempotentHint:  true,
			OpenWorldHint:   ptr(true),
			DestructiveHint: ptr(false),
		},
	}, s.refreshModule)

	logging.Debug("Registering tool", "name", "get_authorization_url")
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "get_authorization_url",
		Description: `Get the Strava authorization link for a module that is not yet authorized.

Parameters:
- identifier (string): The module identifier.

Returns: The URL the user opens in a browser to grant access.`,
		Annotations: &mcp.ToolAnnotations{
			Title:           "Get Authorization URL",
			ReadOnlyHint:    true,
			IdempotentHint:  true,
			OpenWorldHint:   ptr(false),
			DestructiveHint: ptr(false),
		},
	}, s.getAuthorizationURL)
}

type ListModulesInput struct{}

type ListModulesOutput struct {
	Count   int          `json:"count"`
	Modules []ModuleInfo `json:"modules"`
}

type ModuleInput struct {
	Identifier string `json:"identifier" jsonschema:"The module identifier as registered by the mirror, e.g. MMM-Strava_1."`
}

// ModuleInfo is workers.ModuleStatus with timestamps rendered as RFC 3339.
type ModuleInfo struct {
	Identifier       string `json:"identifier"`
	ClientID         string `json:"client_id"`
	Mode             string `json:"mode"`
	Period           string `json:"period"`
	Valid            bool   `json:"valid"`
	AuthState        string `json:"auth_state"`
	ReloadIntervalMS int64  `json:"reload_interval_ms"`
	LastCycle        string `json:"last_cycle,omitempty"`
	LastResult       string `json:"last_result,omitempty"`
	NextCycle        string `json:"next_cycle,omitempty"`
}

type ModuleDataOutput struct {
	Module    ModuleInfo `json:"module"`
	Data      any        `json:"data,omitempty"`
	UpdatedAt string     `json:"updated_at,omitempty"`
	LastEvent string     `json:"last_event,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type RefreshModuleOutput struct {
	Identifier string `json:"identifier"`
	Result     string `json:"result"`
	Data       any    `json:"data,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

type AuthorizationOutput struct {
	Identifier string `json:"identifier"`
	URL        string `json:"url"`
	AuthState  string `json:"auth_state"`
}

func convertStatus(st workers.ModuleStatus) ModuleInfo {
	return ModuleInfo{
		Identifier:       st.Identifier,
		ClientID:         st.ClientID,
		Mode:             st.Mode,
		Period:           st.Period,
		Valid:            st.Valid,
		AuthState:        st.AuthState.String(),
		ReloadIntervalMS: st.ReloadIntervalMS,
		LastCycle:        formatTime(st.LastCycle),
		LastResult:       st.LastResult,
		NextCycle:        formatTime(st.NextCycle),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// Tool handlers

func (s *Server) listModules(ctx context.Context, req *mcp.CallToolRequest, input ListModulesInput) (*mcp.CallToolResult, ListModulesOutput, error) {
	logging.Info("MCP tool call", "tool", "list_modules")

	statuses := s.modules.Modules()
	output := ListModulesOutput{
		Count:   len(statuses),
		Modules: make([]ModuleInfo, 0, len(statuses)),
	}
	for _, st := range statuses {
		output.Modules = append(output.Modules, convertStatus(st))
	}
	return nil, output, nil
}

func (s *Server) getModuleData(ctx context.Context, req *mcp.CallToolRequest, input ModuleInput) (*mcp.CallToolResult, ModuleDataOutput, error) {
	logging.Info("MCP tool call", "tool", "get_module_data", "identifier", input.Identifier)
	if input.Identifier == "" {
		return nil, ModuleDataOutput{}, invalidInput("identifier is required")
	}

	st, ok := s.modules.Module(input.Identifier)
	if !ok {
		return nil, ModuleDataOutput{}, moduleNotFound(input.Identifier)
	}

	output := ModuleDataOutput{Module: convertStatus(st)}
	if e, ok := s.events.Latest(input.Identifier); ok {
		output.Data = e.Data
		output.UpdatedAt = formatTime(e.Time)
	}
	if e, ok := s.events.Last(input.Identifier); ok {
		output.LastEvent = string(e.Type)
		if msg, ok := e.Data.(notify.Message); ok {
			output.Message = msg.Message
		}
	}

	if logging.IsVerbose() {
		logging.Debug("MCP response", "tool", "get_module_data", "output", logging.ToJSON(output))
	}
	return nil, output, nil
}

func (s *Server) refreshModule(ctx context.Context, req *mcp.CallToolRequest, input ModuleInput) (*mcp.CallToolResult, RefreshModuleOutput, error) {
	logging.Info("MCP tool call", "tool", "refresh_module", "identifier", input.Identifier)
	if input.Identifier == "" {
		return nil, RefreshModuleOutput{}, invalidInput("identifier is required")
	}

	output := RefreshModuleOutput{Identifier: input.Identifier, Result: "success"}
	err := s.modules.RunCycle(ctx, input.Identifier)
	if errors.Is(err, workers.ErrCycleInFlight) {
		output.Result = "skipped"
	} else if toolErr := cycleError(input.Identifier, err); toolErr != nil {
		logging.Error("refresh_module failed", "identifier", input.Identifier, "error", err)
		return nil, RefreshModuleOutput{}, toolErr
	}

	if e, ok := s.events.Latest(input.Identifier); ok {
		output.Data = e.Data
		output.UpdatedAt = formatTime(e.Time)
	}
	return nil, output, nil
}

func (s *Server) getAuthorizationURL(ctx context.Context, req *mcp.CallToolRequest, input ModuleInput) (*mcp.CallToolResult, AuthorizationOutput, error) {
	logging.Info("MCP tool call", "tool", "get_authorization_url", "identifier", input.Identifier)

	st, ok := s.modules.Module(input.Identifier)
	if !ok {
		return nil, AuthorizationOutput{}, moduleNotFound(input.Identifier)
	}
	url, err := s.modules.AuthorizationURL(input.Identifier)
	if err != nil {
		return nil, AuthorizationOutput{}, invalidInput("%v", err)
	}
	return nil, AuthorizationOutput{
		Identifier: input.Identifier,
		URL:        url,
		AuthState:  st.AuthState.String(),
	}, nil
}
