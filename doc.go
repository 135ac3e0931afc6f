// Package modelctx implements a bidirectional JSON-RPC control protocol between a
// client and a server role, in the style of the Model Context Protocol family. Either
// side may issue requests and notifications to the other over an interchangeable
// transport (stdio pipes, raw sockets, Server-Sent Events, streamable HTTP, WebSocket).
//
// The heart of the package is the Peer: it turns any duplex message channel into a
// correlated, cancellable, capability-negotiated RPC session. Inbound method calls are
// routed through a Router, an immutable method-to-handler table composed at startup
// from one or more sub-tables (tools, resources, prompts, or anything else).
package modelctx
