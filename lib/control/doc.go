// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the CBOR request-response protocol spoken
// over the gleanerd Unix control socket.
//
// [SocketServer] serves the daemon side: each connection handles
// exactly one request-response cycle. The client writes a single CBOR
// map containing an "action" field plus action-specific parameters;
// the server routes to the registered [ActionFunc], wraps its return
// value in a [Response] envelope, writes it, and closes the
// connection. CBOR is self-delimiting, so no framing protocol is
// needed.
//
// [Client] is the matching caller used by the gleaner CLI and
// gleaner-top. Each [Client.Call] opens a new connection, mirroring
// the server's one-request-per-connection model.
//
// Access control is the socket file's permissions. The daemon creates
// the socket inside its runtime directory (mode 0700); anyone who can
// connect is trusted.
package control
