package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// PartKind tags a rendered piece of a tool result.
type PartKind string

const (
	PartError      PartKind = "error"
	PartText       PartKind = "text"
	PartMedia      PartKind = "media"
	PartResource   PartKind = "resource"
	PartStructured PartKind = "structured"
)

// Part is one element of a tool result.
type Part struct {
	Kind PartKind

	// Text holds the error message or text body.
	Text string
	// Media is "image" or "audio" for PartMedia.
	Media    string
	MIMEType string
	URI      string
	// Value is the structured content for PartStructured.
	Value any
}

// Render returns the text form of the part.
func (p Part) Render() string {
	switch p.Kind {
	case PartError:
		return "Error: " + p.Text
	case PartText:
		return p.Text
	case PartMedia:
		return fmt.Sprintf("[%s] %s", p.Media, p.MIMEType)
	case PartResource:
		return "[resource] " + p.URI
	case PartStructured:
		b, err := json.MarshalIndent(p.Value, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", p.Value)
		}
		return string(b)
	default:
		return p.Text
	}
}

// Parts splits a tool result into tagged parts. An error result collapses
// into a single PartError carrying the joined text content.
func Parts(res *mcp.CallToolResult) []Part {
	if res == nil {
		return nil
	}

	if res.IsError {
		var msgs []string
		for _, c := range res.Content {
			if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
				msgs = append(msgs, tc.Text)
			}
		}
		msg := strings.Join(msgs, "\n")
		if msg == "" {
			msg = "tool reported an error"
		}
		return []Part{{Kind: PartError, Text: msg}}
	}

	parts := make([]Part, 0, len(res.Content)+1)
	for _, c := range res.Content {
		parts = append(parts, contentPart(c))
	}
	if res.StructuredContent != nil {
		parts = append(parts, Part{Kind: PartStructured, Value: res.StructuredContent})
	}
	return parts
}

func contentPart(c mcp.Content) Part {
	switch v := c.(type) {
	case *mcp.TextContent:
		return Part{Kind: PartText, Text: v.Text}
	case *mcp.ImageContent:
		return Part{Kind: PartMedia, Media: "image", MIMEType: v.MIMEType}
	case *mcp.AudioContent:
		return Part{Kind: PartMedia, Media: "audio", MIMEType: v.MIMEType}
	case *mcp.ResourceLink:
		return Part{Kind: PartResource, URI: v.URI}
	case *mcp.EmbeddedResource:
		uri := ""
		if v.Resource != nil {
			uri = v.Resource.URI
		}
		return Part{Kind: PartResource, URI: uri}
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return Part{Kind: PartText, Text: fmt.Sprintf("%v", c)}
		}
		return Part{Kind: PartText, Text: string(b)}
	}
}

// Render joins the rendered non-empty parts of a tool result with newlines.
func Render(res *mcp.CallToolResult) string {
	parts := Parts(res)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := p.Render(); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n")
}
