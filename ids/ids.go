// Package ids generates the opaque identifiers used across the daemon
// subsystem: daemon ids, kernel protocol message ids, and tool-use ids.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// NewDaemonID returns a fresh opaque daemon identifier.
func NewDaemonID() string { return uuid.New().String() }

// NewMsgID returns a fresh Jupyter protocol message id: hex digits with no
// dashes, matching the convention kernel gateways expect for msg_id/session.
func NewMsgID() string { return strings.ReplaceAll(uuid.New().String(), "-", "") }

// NewSessionID returns a fresh opaque code-mode session identifier.
func NewSessionID() string { return uuid.New().String() }

// NewToolUseID returns a fresh opaque identifier correlating a tool proxy
// request to its response.
func NewToolUseID() string { return uuid.New().String() }
