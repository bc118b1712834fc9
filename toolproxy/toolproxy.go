// Package toolproxy implements the §4.D Tool Proxy Endpoint: the HTTP
// surface that generated bindings call back into to invoke a tool by name
// within a session's catalog.
//
// Handler shape (one struct per resource, constructor injecting
// collaborators, fiber.Ctx methods) is grounded on rubicon-ClaraVerse's
// internal/handlers package.
package toolproxy

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/codemode/daemon/catalog"
	"github.com/codemode/daemon/telemetry"
)

// SessionLookup resolves a session id to its tool catalog. Implemented by
// *session.Registry; kept as an interface here so toolproxy does not import
// session and force a cycle should session ever need toolproxy's types.
type SessionLookup interface {
	LookupCatalog(sessionID string) (catalog.Catalog, bool)
}

// Handler serves the Tool Proxy Endpoint.
type Handler struct {
	sessions SessionLookup
	logger   telemetry.Logger
	metrics  telemetry.Metrics
}

// NewHandler constructs a Handler. logger/metrics may be nil, in which case
// no-op implementations are used.
func NewHandler(sessions SessionLookup, logger telemetry.Logger, metrics telemetry.Metrics) *Handler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Handler{sessions: sessions, logger: logger, metrics: metrics}
}

// Mount registers the proxy's routes on app. Callers must mount this under
// the "/code-mode" prefix per spec §6's "POST {base}/code-mode/call" /
// "GET {base}/code-mode/session/{session_id}/tools" routes.
func (h *Handler) Mount(app fiber.Router) {
	app.Post("/call", h.Call)
	app.Get("/session/:session_id/tools", h.ListTools)
}

type callRequest struct {
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

type callResponse struct {
	Result []map[string]any `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Call invokes one tool call on behalf of a generated binding.
//
// POST /call
//
// Unknown session and unknown tool both answer 404 — the caller cannot tell
// which is missing, matching spec §4.D's "MUST NOT leak whether the session
// or the tool name was the unknown part" invariant. A tool error (the
// server-reported isError case, or any other invocation failure) answers 200
// with the error carried in-band in the response body, never as an HTTP
// error status — only transport/lookup failures use non-2xx.
func (h *Handler) Call(c *fiber.Ctx) error {
	var req callRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.SessionID == "" || req.ToolName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "session_id and tool_name are required"})
	}

	cat, ok := h.sessions.LookupCatalog(req.SessionID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}
	entry, ok := cat[req.ToolName]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}
	if entry.Invoker == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "tool has no invoker"})
	}

	ctx := withRequestContext(c)
	result, err := entry.Invoker(ctx, req.Arguments)
	h.metrics.IncCounter("toolproxy_calls_total", 1, "tool", req.ToolName)
	if err != nil {
		h.logger.Info(ctx, "tool call failed", "tool", req.ToolName, "session_id", req.SessionID, "error", err.Error())
		return c.JSON(callResponse{Error: err.Error()})
	}
	return c.JSON(callResponse{Result: result})
}

// ListTools returns the tool specs visible to session_id.
//
// GET /session/{session_id}/tools
func (h *Handler) ListTools(c *fiber.Ctx) error {
	sessionID := c.Params("session_id")
	cat, ok := h.sessions.LookupCatalog(sessionID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}
	specs := make([]catalog.Spec, 0, len(cat))
	for _, entry := range cat {
		specs = append(specs, entry.Spec)
	}
	return c.JSON(fiber.Map{"tools": specs})
}

func withRequestContext(c *fiber.Ctx) context.Context {
	return c.Context()
}
