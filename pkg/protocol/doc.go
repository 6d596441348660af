// Package protocol implements the newline-delimited JSON-RPC 2.0 framing spoken
// between the hub and its workers, and between the hub and its own client.
//
// Each message is one JSON object on one line. Requests carry an id and expect
// exactly one response; notifications carry no id and expect none. The MCP
// payloads the hub understands (initialize, tools/list, tools/call) are typed
// here, while tool definitions and call content stay raw so they pass through
// the hub unchanged.
package protocol
