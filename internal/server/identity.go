package server

import (
	"net/http"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// IdentityProvider resolves the authenticated user behind a request.
type IdentityProvider interface {
	Identify(r *http.Request) (chat.Identity, error)
}

// HeaderIdentity trusts identity headers set by an authenticating proxy in
// front of the gateway.
type HeaderIdentity struct {
	cfg IdentityConfig
}

// NewHeaderIdentity returns a provider reading the configured headers.
func NewHeaderIdentity(cfg IdentityConfig) *HeaderIdentity {
	def := DefaultConfig().Identity
	if cfg.UserHeader == "" {
		cfg.UserHeader = def.UserHeader
	}
	if cfg.NameHeader == "" {
		cfg.NameHeader = def.NameHeader
	}
	if cfg.EmailHeader == "" {
		cfg.EmailHeader = def.EmailHeader
	}
	return &HeaderIdentity{cfg: cfg}
}

// Identify returns the identity from the request. It fails with
// chat.ErrMissingUserID when no user id is present.
func (p *HeaderIdentity) Identify(r *http.Request) (chat.Identity, error) {
	id := chat.Identity{
		UserID:      r.Header.Get(p.cfg.UserHeader),
		DisplayName: r.Header.Get(p.cfg.NameHeader),
		Email:       r.Header.Get(p.cfg.EmailHeader),
	}

	if id.UserID == "" && p.cfg.AllowQuery {
		q := r.URL.Query()
		id = chat.Identity{
			UserID:      q.Get("user_id"),
			DisplayName: q.Get("name"),
			Email:       q.Get("email"),
		}
	}

	if err := id.Validate(); err != nil {
		return chat.Identity{}, err
	}
	return id, nil
}
