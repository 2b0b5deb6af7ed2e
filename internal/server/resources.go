package server

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	modulesURI       = "mirror://modules"
	modulePrefix     = modulesURI + "/"
	resourceMIMEType = "application/json"
)

// registerResources registers all MCP resources for the server
func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		URI:         modulesURI,
		Name:        "modules",
		Description: "Every registered mirror module with its authorization state and schedule",
		MIMEType:    resourceMIMEType,
	}, s.readModules)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: modulesURI + "/{identifier}",
		Name:        "module_data",
		Description: "The last data and message published for one module",
		MIMEType:    resourceMIMEType,
	}, s.readModule)

	logging.Debug("MCP resources registered", "count", 2)
}

func (s *Server) readModules(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	logging.Info("MCP resource read", "resource", "modules")

	_, output, err := s.listModules(ctx, nil, ListModulesInput{})
	if err != nil {
		return nil, err
	}
	return jsonResource(modulesURI, output)
}

func (s *Server) readModule(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	identifier := strings.TrimPrefix(uri, modulePrefix)
	logging.Info("MCP resource read", "resource", "module_data", "identifier", identifier)

	if identifier == "" || identifier == uri {
		return nil, invalidInput("invalid module URI %q", uri)
	}

	_, output, err := s.getModuleData(ctx, nil, ModuleInput{Identifier: identifier})
	if err != nil {
		return nil, err
	}
	return jsonResource(uri, output)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, internalError("failed to marshal resource", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: resourceMIMEType,
				Text:     string(data),
			},
		},
	}, nil
}
