// Package rpc defines the wire-level data model shared by the client core:
// calls, cancellations, streamed responses and their terminal results.
//
// Nothing in this package inspects the payload of a Document; it is carried
// as opaque bytes and only decoded by the caller (via client.WaitTyped) or by
// the peer.
package rpc

import "encoding/json"

// ContextID identifies one RPC call, chosen by the side that initiates it.
// It is an opaque string on the wire — do not special-case its format.
type ContextID string

// Document is a dynamically-typed structured value: object, array, string,
// number, bool or null, carried pre-encoded. The core never inspects it.
type Document = json.RawMessage

// Call is the message sent to invoke a remote procedure.
type Call struct {
	Function string    `json:"function"`
	Context  ContextID `json:"context"`
	Args     Document  `json:"args"`
}

// Cancel asks the receiver to stop processing the call identified by Context.
// It is fire-and-forget; the receiver may ignore it.
type Cancel struct {
	Context ContextID `json:"context"`
}

// ResponseKind is a tagged union: exactly one of Partial or Last is set.
// Partial may be sent any number of times; Last is sent exactly once, ever,
// per call.
type ResponseKind struct {
	Partial *Document   `json:"partial,omitempty"`
	Last    *CallResult `json:"last,omitempty"`
}

// IsLast reports whether this is the terminal response for its call.
func (k ResponseKind) IsLast() bool { return k.Last != nil }

// Partial wraps doc as a Partial ResponseKind.
func Partial(doc Document) ResponseKind {
	return ResponseKind{Partial: &doc}
}

// Last wraps result as the terminal ResponseKind for a call.
func Last(result CallResult) ResponseKind {
	return ResponseKind{Last: &result}
}

// Response carries one partial or terminal update for an outstanding call,
// addressed by Context.
type Response struct {
	Context ContextID    `json:"context"`
	Kind    ResponseKind `json:"kind"`
}

// ResultKind discriminates the terminal outcome of a call.
type ResultKind string

const (
	ResultOk         ResultKind = "Ok"
	ResultErr        ResultKind = "Err"
	ResultNotHandled ResultKind = "NotHandled"
)

// ErrorDoc carries a peer-reported error, opaque beyond a human-readable
// Message and an optional structured Detail.
type ErrorDoc struct {
	Message string   `json:"message"`
	Detail  Document `json:"detail,omitempty"`
}

func (e *ErrorDoc) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// CallResult is the terminal, tagged-union outcome of a call: Ok(Document),
// Err(ErrorDoc) or NotHandled. It is extensible and otherwise opaque to the
// core beyond routing.
type CallResult struct {
	Kind  ResultKind `json:"kind"`
	Value Document   `json:"value,omitempty"`
	Err   *ErrorDoc  `json:"err,omitempty"`
}

// Ok builds a successful CallResult wrapping value.
func Ok(value Document) CallResult {
	return CallResult{Kind: ResultOk, Value: value}
}

// Err builds a failed CallResult wrapping err.
func Err(err ErrorDoc) CallResult {
	return CallResult{Kind: ResultErr, Err: &err}
}

// NotHandled builds the terminal result returned for a Call naming an
// unregistered function (spec.md §9, Open Question #3 — required
// improvement: unregistered functions must not leave the caller waiting
// forever).
func NotHandled() CallResult {
	return CallResult{Kind: ResultNotHandled}
}
