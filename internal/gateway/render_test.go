package gateway

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		res  *mcp.CallToolResult
		want string
	}{
		{
			name: "nil result",
			want: "",
		},
		{
			name: "text parts joined",
			res: &mcp.CallToolResult{Content: []mcp.Content{
				&mcp.TextContent{Text: "first"},
				&mcp.TextContent{Text: ""},
				&mcp.TextContent{Text: "second"},
			}},
			want: "first\nsecond",
		},
		{
			name: "error result",
			res: &mcp.CallToolResult{IsError: true, Content: []mcp.Content{
				&mcp.TextContent{Text: "index offline"},
			}},
			want: "Error: index offline",
		},
		{
			name: "error result without text",
			res:  &mcp.CallToolResult{IsError: true},
			want: "Error: tool reported an error",
		},
		{
			name: "image and audio",
			res: &mcp.CallToolResult{Content: []mcp.Content{
				&mcp.ImageContent{MIMEType: "image/png", Data: []byte{1, 2}},
				&mcp.AudioContent{MIMEType: "audio/wav", Data: []byte{3}},
			}},
			want: "[image] image/png\n[audio] audio/wav",
		},
		{
			name: "resources",
			res: &mcp.CallToolResult{Content: []mcp.Content{
				&mcp.ResourceLink{URI: "file:///notes.md", Name: "notes"},
				&mcp.EmbeddedResource{Resource: &mcp.ResourceContents{URI: "kb://doc/1", Text: "body"}},
			}},
			want: "[resource] file:///notes.md\n[resource] kb://doc/1",
		},
		{
			name: "structured content",
			res: &mcp.CallToolResult{
				Content:           []mcp.Content{&mcp.TextContent{Text: "summary"}},
				StructuredContent: map[string]any{"hits": 2},
			},
			want: "summary\n{\n  \"hits\": 2\n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.res))
		})
	}
}

func TestParts_ErrorCollapses(t *testing.T) {
	parts := Parts(&mcp.CallToolResult{IsError: true, Content: []mcp.Content{
		&mcp.TextContent{Text: "a"},
		&mcp.ImageContent{MIMEType: "image/png"},
		&mcp.TextContent{Text: "b"},
	}})

	assert.Equal(t, []Part{{Kind: PartError, Text: "a\nb"}}, parts)
}
