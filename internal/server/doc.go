// Package server provides the HTTP server for the pipewatch dashboard and API.
//
// This package is internal to pipewatch and handles all HTTP concerns:
//
//   - Dashboard serving: the embedded HTML page at "/"
//   - Triggers: manual, cron-authenticated and legacy sync triggers
//   - Reads: the per-source snapshot and the active-runs view
//   - Server-Sent Events: live change events at "/api/events"
//   - Health and metrics
//
// Routing and request middleware come from chi. The server supports graceful
// shutdown via context cancellation, with a 5-second timeout for in-flight
// requests.
//
// Users of the pipewatch library should not need to interact with this
// package directly. The server is started by [pipewatch.PipeWatch.Start].
package server
