// Package websocket provides real-time session event streaming.
//
// Clients connect to /api/v1/sessions/:id/ws with the same bearer token as
// the REST API and receive every event raised for that session as a JSON
// text message. The stream closes after the session is deleted.
package websocket
