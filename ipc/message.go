// Package ipc implements the wire-level message envelope and framing used by
// the client core. Plugin and server-side concerns are not implemented here
// (spec.md §1, Out of scope) — this package only gives the core a concrete
// read_message/write_message facility to consume.
package ipc

import "github.com/sirver/switchboard/rpc"

// Kind discriminates the three message variants that cross the wire. The
// strings are stable — spec.md §6 requires the tag names RpcCall,
// RpcResponse, RpcCancel.
type Kind string

const (
	KindCall     Kind = "RpcCall"
	KindResponse Kind = "RpcResponse"
	KindCancel   Kind = "RpcCancel"
)

// Message is the tagged union that crosses the socket: exactly one of Call,
// Response or Cancel is populated, selected by Kind.
type Message struct {
	Kind     Kind          `json:"type"`
	Call     *rpc.Call     `json:"call,omitempty"`
	Response *rpc.Response `json:"response,omitempty"`
	Cancel   *rpc.Cancel   `json:"cancel,omitempty"`
}

// NewCallMessage wraps call as a Message.
func NewCallMessage(call rpc.Call) Message {
	return Message{Kind: KindCall, Call: &call}
}

// NewResponseMessage wraps response as a Message.
func NewResponseMessage(response rpc.Response) Message {
	return Message{Kind: KindResponse, Response: &response}
}

// NewCancelMessage wraps cancel as a Message.
func NewCancelMessage(cancel rpc.Cancel) Message {
	return Message{Kind: KindCancel, Cancel: &cancel}
}
