// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Session creation, step staging, transitions and commits
//   - Progress queries
//   - Operator cleanup through the scheduler
//   - Health checks
//   - Prometheus metrics
//
// Every /api/v1 route requires a bearer token. Engine errors are rendered
// as {"error":{"code","message","details"}} with the status of their code.
package http
