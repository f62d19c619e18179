// Package server exposes the session controller over the network: a UDP
// listener for push-to-talk packets, an HTTP API for session control,
// history and monitoring, and a WebSocket endpoint for streaming audio.
package server
