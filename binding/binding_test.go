package binding_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemode/daemon/binding"
	"github.com/codemode/daemon/catalog"
)

func schemaFor(t *testing.T, s string) json.RawMessage {
	t.Helper()
	return json.RawMessage(s)
}

func TestGenerate_GroupsByServerAndSanitizesNames(t *testing.T) {
	cat := catalog.Catalog{
		"search_web-search": catalog.Entry{
			Spec: catalog.Spec{
				Name:        "search_web-search",
				Description: "Search the web.",
				Parameters: schemaFor(t, `{
					"type": "object",
					"properties": {"query": {"type": "string"}, "limit": {"type": "integer"}},
					"required": ["query"]
				}`),
			},
			Invoker: func(ctx context.Context, args map[string]any) ([]map[string]any, error) { return nil, nil },
		},
		"search_image.search": catalog.Entry{
			Spec: catalog.Spec{
				Name:       "search_image.search",
				Parameters: schemaFor(t, `{"type": "object", "properties": {"tags": {"type": "array", "items": {"type": "string"}}}}`),
			},
			Invoker: func(ctx context.Context, args map[string]any) ([]map[string]any, error) { return nil, nil },
		},
	}
	require.NoError(t, catalog.Validate(cat))

	src, err := binding.Generate(cat, "http://localhost:9000/call", "sess-123")
	require.NoError(t, err)

	assert.Contains(t, src, `_PROXY_URL = "http://localhost:9000/call"`)
	assert.Contains(t, src, `_SESSION_ID = "sess-123"`)
	assert.Contains(t, src, "class _searchTools:")
	assert.Contains(t, src, "def web_search(query: str, limit=_ABSENT):")
	assert.Contains(t, src, "def image_search(tags=_ABSENT):")
	assert.Contains(t, src, `mcp_tools = _McpTools()`)
	assert.Contains(t, src, "search = _searchTools()")
}

func TestGenerate_RejectsEmptyProxyOrSession(t *testing.T) {
	cat := catalog.Catalog{}
	_, err := binding.Generate(cat, "", "sess")
	assert.Error(t, err)
	_, err = binding.Generate(cat, "http://x", "")
	assert.Error(t, err)
}

func TestGenerate_DefaultServerGroupForNameWithoutUnderscore(t *testing.T) {
	cat := catalog.Catalog{
		"ping": catalog.Entry{
			Spec:    catalog.Spec{Name: "ping"},
			Invoker: func(ctx context.Context, args map[string]any) ([]map[string]any, error) { return nil, nil },
		},
	}
	src, err := binding.Generate(cat, "http://proxy", "s1")
	require.NoError(t, err)
	assert.True(t, strings.Contains(src, "class _defaultTools:"))
	assert.Contains(t, src, "def ping(")
}
