// Package httpapi implements the §6 daemon-management HTTP surface: listing
// a chat's daemons and stopping them, layered on top of daemon.Supervisor.
//
// Handler shape matches toolproxy's and is grounded the same way, on
// rubicon-ClaraVerse's internal/handlers package.
package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codemode/daemon/daemon"
)

// Handler serves daemon listing/stop endpoints scoped to the caller's own
// daemons: every caller, admin included, lists only their own daemons, and
// may stop only their own unless the caller is an admin.
type Handler struct {
	supervisor *daemon.Supervisor
}

// NewHandler constructs a Handler backed by supervisor.
func NewHandler(supervisor *daemon.Supervisor) *Handler {
	return &Handler{supervisor: supervisor}
}

// Mount registers the daemon-management routes on app.
func (h *Handler) Mount(app fiber.Router) {
	app.Get("/daemons", h.List)
	app.Post("/daemons/:daemon_id/stop", h.Stop)
	app.Post("/daemons/chat/:chat_id/stop", h.StopChat)
}

type daemonView struct {
	DaemonID  string `json:"daemon_id"`
	KernelID  string `json:"kernel_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	StartedAt int64  `json:"started_at"`
	Status    string `json:"status"`
}

func toView(info daemon.Info) daemonView {
	return daemonView{
		DaemonID:  info.DaemonID,
		KernelID:  info.KernelID,
		ChatID:    info.ChatID,
		MessageID: info.MessageID,
		StartedAt: info.StartedAt.Unix(),
		Status:    string(info.Status),
	}
}

// List answers the daemons owned by the calling user, optionally filtered to
// one chat.
//
// GET /daemons?chat_id=...
func (h *Handler) List(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	chatID := c.Query("chat_id")

	infos := h.supervisor.ListDaemons(userID, chatID)
	views := make([]daemonView, 0, len(infos))
	for _, info := range infos {
		views = append(views, toView(info))
	}
	return c.JSON(fiber.Map{"daemons": views})
}

// Stop stops one daemon by id.
//
// POST /daemons/{daemon_id}/stop
//
// A caller who owns the daemon, or an admin caller, may stop it. A
// non-admin caller who doesn't own the daemon gets 403 whether the id
// belongs to someone else or doesn't exist at all — it is never told which.
// Only an admin can see a genuine 404, for an id that belongs to no one.
func (h *Handler) Stop(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	daemonID := c.Params("daemon_id")

	if !h.ownsDaemon(userID, daemonID) && !isAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}
	stopped := h.supervisor.StopDaemon(c.Context(), daemonID)
	if !stopped {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}
	return c.JSON(fiber.Map{"stopped": true})
}

// isAdmin reports whether the caller's role, set by upstream auth
// middleware, is "admin" — the same c.Locals("user_role") convention as
// rubicon-ClaraVerse's AdminMiddleware.
func isAdmin(c *fiber.Ctx) bool {
	role, _ := c.Locals("user_role").(string)
	return role == "admin"
}

// StopChat stops every running daemon the caller owns within one chat.
//
// POST /daemons/chat/{chat_id}/stop
func (h *Handler) StopChat(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	chatID := c.Params("chat_id")

	infos := h.supervisor.ListDaemons(userID, chatID)
	stopped := 0
	for _, info := range infos {
		if h.supervisor.StopDaemon(c.Context(), info.DaemonID) {
			stopped++
		}
	}
	return c.JSON(fiber.Map{"stopped_count": stopped})
}

func (h *Handler) ownsDaemon(userID, daemonID string) bool {
	for _, info := range h.supervisor.ListDaemons(userID, "") {
		if info.DaemonID == daemonID {
			return true
		}
	}
	return false
}
