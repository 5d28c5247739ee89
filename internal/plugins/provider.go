package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Client is the subset of an MCP client a plugin needs. Satisfied by
// *client.Client for both stdio and in-process transports.
type Client interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

var _ Client = (*client.Client)(nil)

// ToolInfo describes one action a plugin exposes.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// provider is one connected plugin: an initialized MCP session plus the
// tools it advertised at connect time.
type provider struct {
	name   string
	client Client

	mu    sync.RWMutex
	tools map[string]ToolInfo
}

// connect performs the MCP handshake on c and discovers its tools.
func connect(ctx context.Context, name string, c Client) (*provider, error) {
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.Capabilities = mcp.ClientCapabilities{}
	init.Params.ClientInfo = mcp.Implementation{Name: "stepflow", Version: "1.0.0"}

	if _, err := c.Initialize(ctx, init); err != nil {
		return nil, fmt.Errorf("initialize plugin %q: %w", name, err)
	}

	p := &provider{name: name, client: c}
	if err := p.refresh(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// refresh re-reads the tool list.
func (p *provider) refresh(ctx context.Context) error {
	res, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools of plugin %q: %w", p.name, err)
	}
	tools := make(map[string]ToolInfo, len(res.Tools))
	for _, t := range res.Tools {
		raw, _ := json.Marshal(t.InputSchema)
		tools[t.Name] = ToolInfo{Name: t.Name, Description: t.Description, InputSchema: raw}
	}
	p.mu.Lock()
	p.tools = tools
	p.mu.Unlock()
	return nil
}

func (p *provider) hasTool(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.tools[name]
	return ok
}

func (p *provider) toolList() []ToolInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ToolInfo, 0, len(p.tools))
	for _, t := range p.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// call invokes tool with args.
func (p *provider) call(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	return p.client.CallTool(ctx, req)
}

// resultData extracts the payload of a tool result: structured content when
// present, otherwise the text content decoded as JSON if it parses, or the
// raw text.
func resultData(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	text := resultText(res)
	if text == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
