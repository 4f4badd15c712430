// Package server is the HTTP and WebSocket gateway in front of a hub.
//
// It authenticates connections through an IdentityProvider, enforces the
// origin allow-list, frame size limit and per-connection rate limit, and
// runs one read pump and one write pump per socket. Alongside /ws it serves
// /healthz, /history and /stats.
package server
