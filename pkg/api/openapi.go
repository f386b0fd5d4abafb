package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sandboxrunner/sandboxd/pkg/monitoring"
)

// OpenAPISpec represents the OpenAPI 3.0 document served at
// /api/openapi.json.
type OpenAPISpec struct {
	OpenAPI    string                 `json:"openapi"`
	Info       OpenAPIInfo            `json:"info"`
	Servers    []OpenAPIServer        `json:"servers,omitempty"`
	Paths      map[string]OpenAPIPath `json:"paths"`
	Components OpenAPIComponents      `json:"components"`
	Tags       []OpenAPITag           `json:"tags,omitempty"`
}

// OpenAPIInfo contains API information
type OpenAPIInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// OpenAPIServer represents a server
type OpenAPIServer struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// OpenAPIPath maps lower-case HTTP methods to operations.
type OpenAPIPath map[string]OpenAPIOperation

// OpenAPIOperation represents an HTTP operation
type OpenAPIOperation struct {
	Tags        []string                   `json:"tags,omitempty"`
	Summary     string                     `json:"summary,omitempty"`
	OperationID string                     `json:"operationId,omitempty"`
	Parameters  []OpenAPIParameter         `json:"parameters,omitempty"`
	RequestBody *OpenAPIRequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]OpenAPIResponse `json:"responses"`
}

// OpenAPIParameter represents a parameter
type OpenAPIParameter struct {
	Name     string         `json:"name"`
	In       string         `json:"in"`
	Required bool           `json:"required,omitempty"`
	Schema   *OpenAPISchema `json:"schema,omitempty"`
}

// OpenAPIRequestBody represents a request body
type OpenAPIRequestBody struct {
	Content  map[string]OpenAPIMediaType `json:"content"`
	Required bool                        `json:"required,omitempty"`
}

// OpenAPIResponse represents a response
type OpenAPIResponse struct {
	Description string                      `json:"description"`
	Content     map[string]OpenAPIMediaType `json:"content,omitempty"`
}

// OpenAPIMediaType represents a media type
type OpenAPIMediaType struct {
	Schema *OpenAPISchema `json:"schema,omitempty"`
}

// OpenAPISchema represents a schema
type OpenAPISchema struct {
	Type       string                    `json:"type,omitempty"`
	Format     string                    `json:"format,omitempty"`
	Properties map[string]*OpenAPISchema `json:"properties,omitempty"`
	Items      *OpenAPISchema            `json:"items,omitempty"`
	Required   []string                  `json:"required,omitempty"`
	Ref        string                    `json:"$ref,omitempty"`
}

// OpenAPIComponents holds reusable objects
type OpenAPIComponents struct {
	Schemas map[string]*OpenAPISchema `json:"schemas,omitempty"`
}

// OpenAPITag represents a tag
type OpenAPITag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type routeDoc struct {
	method  string
	path    string
	tag     string
	summary string
	id      string
	body    string
	status  string
	result  string
}

var routeDocs = []routeDoc{
	{"GET", "/permissions", "permissions", "List the permission catalogue", "listPermissions", "", "200", "PermissionList"},
	{"GET", "/statistics", "system", "Manager statistics", "getStatistics", "", "200", "Statistics"},
	{"GET", "/audit", "audit", "Query the persisted audit trail", "queryAudit", "", "200", "AuditRecordList"},
	{"GET", "/policies", "policies", "List registered policies", "listPolicies", "", "200", "PolicyList"},
	{"POST", "/policies", "policies", "Register a YAML policy document", "applyPolicy", "yaml", "201", "Policy"},
	{"GET", "/policies/{name}", "policies", "Get a policy and its document", "getPolicy", "", "200", "Policy"},
	{"DELETE", "/policies/{name}", "policies", "Unregister a policy", "deletePolicy", "", "204", ""},
	{"GET", "/sandboxes", "sandboxes", "List sandboxes", "listSandboxes", "", "200", "SandboxList"},
	{"POST", "/sandboxes", "sandboxes", "Create and optionally start a sandbox", "createSandbox", "CreateSandboxRequest", "201", "Sandbox"},
	{"GET", "/sandboxes/{name}", "sandboxes", "Get a sandbox snapshot", "getSandbox", "", "200", "Sandbox"},
	{"DELETE", "/sandboxes/{name}", "sandboxes", "Destroy a stopped sandbox", "destroySandbox", "", "204", ""},
	{"POST", "/sandboxes/{name}/start", "sandboxes", "Start a sandbox with an entry process", "startSandbox", "ProcessRequest", "200", "Sandbox"},
	{"POST", "/sandboxes/{name}/exec", "sandboxes", "Execute a process in a running sandbox", "execSandbox", "ProcessRequest", "201", "ExecResponse"},
	{"POST", "/sandboxes/{name}/stop", "sandboxes", "Stop a sandbox", "stopSandbox", "", "200", "Sandbox"},
	{"POST", "/sandboxes/{name}/suspend", "sandboxes", "Suspend a running sandbox", "suspendSandbox", "", "200", "Sandbox"},
	{"POST", "/sandboxes/{name}/resume", "sandboxes", "Resume a suspended sandbox", "resumeSandbox", "", "200", "Sandbox"},
	{"POST", "/sandboxes/{name}/kill", "sandboxes", "Signal every process of a sandbox", "killSandbox", "KillRequest", "202", ""},
	{"POST", "/sandboxes/{name}/check", "mediation", "Check a permission", "checkPermission", "CheckRequest", "200", "CheckResponse"},
	{"PUT", "/sandboxes/{name}/permissions/{permission}", "mediation", "Grant a permission for this sandbox", "grantPermission", "GrantRequest", "204", ""},
	{"DELETE", "/sandboxes/{name}/permissions/{permission}", "mediation", "Revoke a sandbox grant", "revokePermission", "", "204", ""},
	{"GET", "/sandboxes/{name}/audit", "audit", "Recent audit records of a sandbox", "sandboxAudit", "", "200", "AuditRecordList"},
	{"GET", "/sandboxes/{name}/audit/stream", "audit", "Websocket stream of audit records and transitions", "streamAudit", "", "101", ""},
}

func schemaRef(name string) *OpenAPISchema {
	return &OpenAPISchema{Ref: "#/components/schemas/" + name}
}

func jsonContent(schema *OpenAPISchema) map[string]OpenAPIMediaType {
	return map[string]OpenAPIMediaType{"application/json": {Schema: schema}}
}

func pathParams(path string) []OpenAPIParameter {
	var params []OpenAPIParameter
	for _, seg := range strings.Split(path, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params = append(params, OpenAPIParameter{
				Name:     strings.Trim(seg, "{}"),
				In:       "path",
				Required: true,
				Schema:   &OpenAPISchema{Type: "string"},
			})
		}
	}
	return params
}

// generateOpenAPISpec builds the document from the route table.
func generateOpenAPISpec() *OpenAPISpec {
	spec := &OpenAPISpec{
		OpenAPI: "3.0.3",
		Info: OpenAPIInfo{
			Title:       "sandboxd API",
			Description: "Management API for policy-driven application sandboxes",
			Version:     monitoring.Version,
		},
		Servers: []OpenAPIServer{{URL: BasePath, Description: "sandboxd"}},
		Tags: []OpenAPITag{
			{Name: "policies", Description: "Policy registration"},
			{Name: "sandboxes", Description: "Sandbox lifecycle"},
			{Name: "mediation", Description: "Permission checks and grants"},
			{Name: "audit", Description: "Audit trail"},
			{Name: "permissions", Description: "Permission catalogue"},
			{Name: "system", Description: "Statistics"},
		},
		Paths:      make(map[string]OpenAPIPath),
		Components: OpenAPIComponents{Schemas: generateSchemas()},
	}

	for _, rd := range routeDocs {
		op := OpenAPIOperation{
			Tags:        []string{rd.tag},
			Summary:     rd.summary,
			OperationID: rd.id,
			Parameters:  pathParams(rd.path),
			Responses: map[string]OpenAPIResponse{
				"default": {Description: "Error", Content: jsonContent(schemaRef("ErrorResponse"))},
			},
		}
		switch rd.body {
		case "":
		case "yaml":
			op.RequestBody = &OpenAPIRequestBody{
				Required: true,
				Content:  map[string]OpenAPIMediaType{"application/yaml": {Schema: &OpenAPISchema{Type: "string"}}},
			}
		default:
			op.RequestBody = &OpenAPIRequestBody{Required: true, Content: jsonContent(schemaRef(rd.body))}
		}
		code, _ := strconv.Atoi(rd.status)
		resp := OpenAPIResponse{Description: http.StatusText(code)}
		if rd.result != "" {
			resp.Content = jsonContent(schemaRef(rd.result))
		}
		op.Responses[rd.status] = resp

		if spec.Paths[rd.path] == nil {
			spec.Paths[rd.path] = OpenAPIPath{}
		}
		spec.Paths[rd.path][strings.ToLower(rd.method)] = op
	}
	return spec
}

func generateSchemas() map[string]*OpenAPISchema {
	str := &OpenAPISchema{Type: "string"}
	strs := &OpenAPISchema{Type: "array", Items: str}
	obj := func(required []string, props map[string]*OpenAPISchema) *OpenAPISchema {
		return &OpenAPISchema{Type: "object", Properties: props, Required: required}
	}
	list := func(item string) *OpenAPISchema {
		return obj(nil, map[string]*OpenAPISchema{
			"data":      {Type: "array", Items: schemaRef(item)},
			"total":     {Type: "integer"},
			"timestamp": {Type: "string", Format: "date-time"},
		})
	}

	return map[string]*OpenAPISchema{
		"ErrorResponse": obj([]string{"error", "kind"}, map[string]*OpenAPISchema{"error": str, "kind": str}),
		"Policy": obj(nil, map[string]*OpenAPISchema{
			"id": str, "name": str, "type": str, "description": str, "security_level": str,
			"default_deny": {Type: "boolean"}, "enterprise_managed": {Type: "boolean"},
			"permissions": {Type: "integer"}, "limits": {Type: "integer"}, "document": str,
		}),
		"PolicyList": list("Policy"),
		"Sandbox": obj(nil, map[string]*OpenAPISchema{
			"id": str, "name": str, "policy": str, "state": str,
			"processes": {Type: "array", Items: &OpenAPISchema{Type: "object"}},
			"limits":    {Type: "array", Items: &OpenAPISchema{Type: "object"}},
			"security":  {Type: "object"},
		}),
		"SandboxList":          list("Sandbox"),
		"CreateSandboxRequest": obj([]string{"name", "policy"}, map[string]*OpenAPISchema{"name": str, "policy": str, "command": strs, "env": strs, "working_dir": str}),
		"ProcessRequest":       obj([]string{"command"}, map[string]*OpenAPISchema{"command": strs, "env": strs, "working_dir": str, "user": str}),
		"ExecResponse":         obj(nil, map[string]*OpenAPISchema{"pid": {Type: "integer"}}),
		"KillRequest":          obj(nil, map[string]*OpenAPISchema{"signal": str}),
		"CheckRequest":         obj([]string{"permission"}, map[string]*OpenAPISchema{"permission": str, "path": str, "confirmed": {Type: "boolean"}, "pid": {Type: "integer"}}),
		"CheckResponse":        obj(nil, map[string]*OpenAPISchema{"permission": str, "decision": str}),
		"GrantRequest":         obj([]string{"state"}, map[string]*OpenAPISchema{"state": str}),
		"Permission":           obj(nil, map[string]*OpenAPISchema{"name": str, "category": str, "dangerous": {Type: "boolean"}, "summary": str}),
		"PermissionList":       list("Permission"),
		"AuditRecord": obj(nil, map[string]*OpenAPISchema{
			"id": str, "sequence": {Type: "integer"}, "timestamp": {Type: "string", Format: "date-time"},
			"sandbox_id": str, "sandbox_name": str, "policy": str, "state": str, "kind": str,
			"severity": str, "subject": str, "description": str, "response": str, "signature": str,
		}),
		"AuditRecordList": list("AuditRecord"),
		"Statistics":      &OpenAPISchema{Type: "object"},
	}
}

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, generateOpenAPISpec())
}
