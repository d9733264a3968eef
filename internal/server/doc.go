// Package server implements the transport layer of the relay: WebSocket
// client lifecycle, the hub event loop that drives the chat core, origin
// enforcement, and the HTTP health/stats/history surface.
package server
