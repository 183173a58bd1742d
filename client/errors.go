package client

import (
	"errors"
	"fmt"

	"github.com/sirver/switchboard/rpc"
)

// Error kinds surfaced by the core, per spec.md §7.
var (
	// ErrDisconnected means the IO Loop or the peer is gone and the
	// operation cannot complete.
	ErrDisconnected = errors.New("switchboard: disconnected")

	// ErrRPCDone means the operation was attempted on an inbound context
	// that is already Finished or Cancelled. OutboundCall.RecvContext also
	// returns it once the call's terminal result or disconnection has
	// already been observed.
	ErrRPCDone = errors.New("switchboard: rpc already finished or cancelled")

	// ErrAlreadyRegistered means NewRpc was called with a name this Client
	// has already registered locally (spec.md §9, Open Question #2 —
	// resolved as a returned error, matching the teacher's executor.go).
	ErrAlreadyRegistered = errors.New("switchboard: function already registered")

	// ErrTerminated means the Client has been closed.
	ErrTerminated = errors.New("switchboard: client terminated")
)

// InvalidReplyError means a terminal response document could not be decoded
// into the caller's expected type, from WaitTyped.
type InvalidReplyError struct {
	Err error
}

func (e *InvalidReplyError) Error() string {
	return fmt.Sprintf("switchboard: invalid reply: %v", e.Err)
}

func (e *InvalidReplyError) Unwrap() error { return e.Err }

// PeerError wraps the ErrorDoc the peer returned as the terminal result of a
// call.
type PeerError struct {
	Doc rpc.ErrorDoc
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("switchboard: peer error: %s", e.Doc.Message)
}

// NotHandledError means the peer returned CallResult{Kind: NotHandled}: the
// function name was not registered by anyone reachable from the peer.
type NotHandledError struct {
	Function string
}

func (e *NotHandledError) Error() string {
	return fmt.Sprintf("switchboard: %q not handled by peer", e.Function)
}
