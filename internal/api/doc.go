// Package api implements the HTTP REST API and WebSocket server for cmdbridge.
//
// This package provides:
//   - REST endpoints to list devices, read and drive their state, and page
//     through state history
//   - A reload endpoint that re-reads the configuration and reconciles devices
//   - A WebSocket hub broadcasting device.state_changed, device.registered
//     and device.removed events, optionally filtered per device, and
//     accepting set_state requests
//   - Middleware stack (request ID, logging, recovery, CORS, body limit,
//     optional JWT bearer auth)
//
// The Server is a device.Frontend: register it with the registry and every
// state change reaches subscribed WebSocket clients.
//
// # Security
//
// When security.jwt.secret is set, every route except /api/v1/health
// requires an HS256 bearer token signed with it. WebSocket clients may pass
// the token as the access_token query parameter.
package api
