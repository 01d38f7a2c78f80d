package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"

	"github.com/fyrsmithlabs/deepresearch/internal/config"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is the part of *mcp.ClientSession the gateway uses.
type Session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Connector opens an initialized session to one provider. The context bounds
// the lifetime of the connection, not just the handshake.
type Connector func(ctx context.Context, provider config.MCPServerConfig) (Session, error)

// NewConnector returns a Connector that speaks MCP over the provider's
// configured transport, identifying itself as impl.
func NewConnector(impl *mcp.Implementation) Connector {
	return func(ctx context.Context, provider config.MCPServerConfig) (Session, error) {
		transport, err := NewTransport(provider)
		if err != nil {
			return nil, err
		}
		client := mcp.NewClient(impl, nil)
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			return nil, fmt.Errorf("connect %s over %s: %w", provider.Name, provider.Transport, err)
		}
		return session, nil
	}
}

// NewTransport builds the client transport for a provider.
func NewTransport(provider config.MCPServerConfig) (mcp.Transport, error) {
	if err := provider.Validate(); err != nil {
		return nil, err
	}

	switch provider.Transport {
	case config.TransportStdio:
		cmd := exec.Command(provider.Command, provider.Args...)
		cmd.Env = commandEnv(provider.Env)
		cmd.Stderr = os.Stderr
		return &mcp.CommandTransport{Command: cmd}, nil

	case config.TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   provider.URL,
			HTTPClient: &http.Client{Transport: newHeaderTransport(provider.Headers, nil)},
		}, nil

	case config.TransportWebSocket:
		return &WebSocketTransport{URL: provider.URL, Header: toHeader(provider.Headers)}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", provider.Transport)
}

// commandEnv appends the provider env to the current environment in sorted
// key order.
func commandEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func toHeader(headers map[string]string) http.Header {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	header http.Header
	base   http.RoundTripper
}

func newHeaderTransport(headers map[string]string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if len(headers) == 0 {
		return base
	}
	return &headerTransport{header: toHeader(headers), base: base}
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range t.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	return t.base.RoundTrip(req)
}
