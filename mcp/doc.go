// Package mcp serves the ask-continue tool over JSON-RPC 2.0 on HTTP.
//
// A client POSTs initialize, tools/list and tools/call to /mcp. It may also
// open an SSE stream with GET; the first event names the POST endpoint with
// the session id, and from then on replies for that session are pushed on
// the stream while the POST returns 202. A tools/call holds until the human
// answers through the dialog or the registry expires the request.
package mcp
