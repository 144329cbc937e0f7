// Package server exposes the relay over HTTP: the per-room WebSocket live
// channel backed by the Hub, the REST message and nuke endpoints, and the
// health, readiness and metrics probes.
//
// The implementation is split by concern into configuration, hub management,
// clients, routing, middleware and HTTP handlers.
package server
