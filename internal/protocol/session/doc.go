// Package session owns the bus-side control contract shared by the node
// manager and the orchestrator.
//
// Ownership boundary:
// - control envelopes ({object_id, action, type, data}) and their payloads
// - registration/transport reliability defaults
// - retry backoff and broker TLS helpers
package session
