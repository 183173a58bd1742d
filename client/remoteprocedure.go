package client

import "github.com/sirver/switchboard/rpc"

// Document is the dynamically-typed payload carried by calls and responses.
// It is an alias of rpc.Document so callers of this package never need to
// import rpc directly for the common case.
type Document = rpc.Document

// RemoteProcedure is implemented by a locally-registered handler for an
// inbound call. A priority is advertised to the peer at registration time
// (spec.md §4.5) so that it, not this core, can make priority-based
// handler-selection decisions when more than one client registers the same
// name — that selection logic is out of scope here (spec.md §1). The
// priority advertised is the one passed to Client.NewRpc; the core never
// calls the procedure's Priority method.
type RemoteProcedure interface {
	// Priority returns this handler's priority; lower values take
	// precedence on the peer. Client.NewRpc does not read it.
	Priority() uint16

	// Call is invoked once per inbound Call addressed to this procedure's
	// registered name. It is expected to return quickly — typically by
	// spawning a goroutine to do the real work — and must eventually call
	// either ctx.Finish or observe ctx.Cancelled and return without
	// finishing, but never both drop ctx without finishing and without
	// having been cancelled (see InboundContext's destruction invariant).
	Call(ctx *InboundContext, args Document)
}

// DefaultPriority is used by a RemoteProcedure that wants no particular
// precedence, mirroring spec.md §4.5 ("default = max value").
const DefaultPriority uint16 = ^uint16(0)

// newRpcRequest is the argument document for the core.new_rpc registration
// call, spec.md §6.
type newRpcRequest struct {
	Priority uint16 `json:"priority"`
	Name     string `json:"name"`
}
