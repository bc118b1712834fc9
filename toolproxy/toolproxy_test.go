package toolproxy_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemode/daemon/catalog"
	"github.com/codemode/daemon/toolproxy"
)

type fakeLookup struct {
	catalogs map[string]catalog.Catalog
}

func (f *fakeLookup) LookupCatalog(sessionID string) (catalog.Catalog, bool) {
	c, ok := f.catalogs[sessionID]
	return c, ok
}

func newTestApp(t *testing.T, lookup *fakeLookup) *fiber.App {
	t.Helper()
	app := fiber.New()
	h := toolproxy.NewHandler(lookup, nil, nil)
	h.Mount(app.Group("/code-mode"))
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestCall_UnknownSessionReturns404(t *testing.T) {
	lookup := &fakeLookup{catalogs: map[string]catalog.Catalog{}}
	app := newTestApp(t, lookup)

	status, body := doJSON(t, app, "POST", "/code-mode/call", map[string]any{"session_id": "missing", "tool_name": "x"})
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not found", body["error"])
}

func TestCall_UnknownToolReturns404(t *testing.T) {
	lookup := &fakeLookup{catalogs: map[string]catalog.Catalog{
		"sess1": {},
	}}
	app := newTestApp(t, lookup)

	status, body := doJSON(t, app, "POST", "/code-mode/call", map[string]any{"session_id": "sess1", "tool_name": "nope"})
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not found", body["error"])
}

func TestCall_SuccessReturnsResultInBand(t *testing.T) {
	called := false
	lookup := &fakeLookup{catalogs: map[string]catalog.Catalog{
		"sess1": {
			"search_query": catalog.Entry{
				Spec: catalog.Spec{Name: "search_query"},
				Invoker: func(ctx context.Context, args map[string]any) ([]map[string]any, error) {
					called = true
					return []map[string]any{{"type": "text", "text": "ok"}}, nil
				},
			},
		},
	}}
	app := newTestApp(t, lookup)

	status, body := doJSON(t, app, "POST", "/code-mode/call", map[string]any{
		"session_id": "sess1", "tool_name": "search_query", "arguments": map[string]any{"q": "hi"},
	})
	assert.Equal(t, fiber.StatusOK, status)
	assert.True(t, called)
	assert.Nil(t, body["error"])
	assert.NotEmpty(t, body["result"])
}

func TestCall_ToolErrorReturns200WithErrorInBand(t *testing.T) {
	lookup := &fakeLookup{catalogs: map[string]catalog.Catalog{
		"sess1": {
			"search_query": catalog.Entry{
				Spec: catalog.Spec{Name: "search_query"},
				Invoker: func(ctx context.Context, args map[string]any) ([]map[string]any, error) {
					return nil, assertError{}
				},
			},
		},
	}}
	app := newTestApp(t, lookup)

	status, body := doJSON(t, app, "POST", "/code-mode/call", map[string]any{"session_id": "sess1", "tool_name": "search_query"})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "boom", body["error"])
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestListTools_UnknownSessionReturns404(t *testing.T) {
	lookup := &fakeLookup{catalogs: map[string]catalog.Catalog{}}
	app := newTestApp(t, lookup)

	status, _ := doJSON(t, app, "GET", "/code-mode/session/missing/tools", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}
