// Package gateway defines the contract shared by buildbox's inbound
// servers. The HTTP API owns the listener; the terminal WebSocket and MCP
// endpoints are mounted on it.
package gateway

import "context"

// Gateway is a long-running inbound server.
type Gateway interface {
	// Name identifies the gateway in logs.
	Name() string

	// Start serves until ctx is canceled or the listener fails. A clean
	// shutdown returns nil.
	Start(ctx context.Context) error

	// Stop drains in-flight requests until ctx expires.
	Stop(ctx context.Context) error
}
