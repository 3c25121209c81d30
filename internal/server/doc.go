// Package server provides the HTTP API for the device polling service.
//
// This package handles all HTTP concerns:
//
//   - REST API: JSON endpoints under "/api" for scheduler status, devices,
//     history ranges, latest readings and range statistics
//   - Control: "POST /api/reconcile" resyncs polling timers immediately
//   - Server-Sent Events: live poll results at "/api/sse"
//
// Routing uses gorilla/mux. Timestamps in query parameters and responses are
// UTC with a trailing "Z".
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
