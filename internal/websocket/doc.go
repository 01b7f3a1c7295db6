// Package websocket pushes live analysis progress to browser clients.
//
// A Hub owns the client set and fans out JSON messages of the form
// {"type", "data", "timestamp", "trace_id"}. Publishing never blocks the
// caller: the broadcast queue is bounded and clients that cannot keep up are
// disconnected. Handler performs the upgrade and starts the read and write
// pumps for each connection.
package websocket
