// Package protocol owns the worker wire contract.
//
// Ownership boundary:
// - header layout and version policy
// - v2 request/response payload codec
// - status code table and protocol error taxonomy
//
// Framing lives in protocol/frame; legacy grammars live in protocol/compat.
package protocol
