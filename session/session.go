// Package session implements the §4.C Session Registry: a process-wide
// mapping from session id to {owner, tool clients, tool catalog}, plus the
// per-user binding-text side mapping used by callers that bypass normal
// chat-mode setup (spec §4.C, supplemented from original_source's
// code_mode.py `_user_bindings`).
//
// Single-process, cooperative-async callers need no locking; this
// implementation still guards both maps with a mutex (spec §5: "Implementations
// on a preemptive runtime MUST guard both tables with a mutex"), grounded on
// runtime/agent/session/inmem.Store's mutex pattern.
package session

import (
	"sync"

	"github.com/codemode/daemon/catalog"
)

// Session is one registry entry: the owning user, the tool-client handles it
// references, and its tool catalog.
type Session struct {
	ID          string
	OwnerUserID string
	ToolClients map[string]ToolClient
	ToolCatalog catalog.Catalog
}

// ToolClient is the subset of mcpclient.Client the registry needs to know
// about for teardown bookkeeping. Kept as an interface so tests can provide
// fakes without importing the mcpclient package.
type ToolClient interface {
	Disconnect()
}

// Binding is the per-user side mapping: previously generated binding source
// text plus the session it was generated for.
type Binding struct {
	Text      string
	SessionID string
}

// Registry is the process-wide Session Registry. The zero value is not
// usable; use New.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bindings map[string]Binding // userID -> Binding
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		bindings: make(map[string]Binding),
	}
}

// Register adds (or replaces) a session entry. It rejects catalogs that fail
// schema validation or that collide after binding-name sanitization (spec
// §9's "reject such catalogs at registration time" resolution).
func (r *Registry) Register(sessionID, ownerUserID string, toolClients map[string]ToolClient, cat catalog.Catalog) error {
	if err := catalog.Validate(cat); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = &Session{
		ID:          sessionID,
		OwnerUserID: ownerUserID,
		ToolClients: toolClients,
		ToolCatalog: cat,
	}
	return nil
}

// Unregister removes sessionID. Idempotent: unregistering an unknown or
// already-removed session is a no-op. It does not disconnect the tool
// clients it references — the registry holds references, not exclusive
// ownership (spec §4.C invariant).
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Lookup returns the session for sessionID, or (nil, false) if unregistered.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// LookupCatalog returns sessionID's tool catalog, satisfying
// toolproxy.SessionLookup without that package needing to import session.
func (r *Registry) LookupCatalog(sessionID string) (catalog.Catalog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.ToolCatalog, true
}

// StoreUserBinding records the generated binding text for userID so a caller
// that bypasses normal session setup (e.g. a direct code-execute endpoint)
// can still retrieve it.
func (r *Registry) StoreUserBinding(userID, bindingText, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[userID] = Binding{Text: bindingText, SessionID: sessionID}
}

// UserBinding returns the binding text stored for userID, or "" if none was
// stored or if the referenced session has since been unregistered — the
// gating rule from original_source's get_user_bindings.
func (r *Registry) UserBinding(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[userID]
	if !ok {
		return ""
	}
	if b.SessionID != "" {
		if _, registered := r.sessions[b.SessionID]; !registered {
			return ""
		}
	}
	return b.Text
}
