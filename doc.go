// Package duplexws is the core of an RFC 6455 WebSocket endpoint: a
// full-duplex, message-oriented transport layered on an already-established
// byte stream. The same core serves both sides of a connection; the Role
// passed at construction only decides which side masks payloads.
//
// The opening HTTP handshake, TCP/TLS establishment and extension
// negotiation happen outside this package: callers hand New a connected
// net.Conn plus the role and options, and optionally the compression
// capability negotiated during the handshake.
package duplexws
