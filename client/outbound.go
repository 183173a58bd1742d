package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirver/switchboard/rpc"
)

// OutboundCall is a handle to a call this side initiated. Zero or more
// Partial responses arrive through Recv before exactly one terminal result,
// per spec.md §3.
type OutboundCall struct {
	function string
	context  rpc.ContextID
	respCh   chan rpc.Response
	ioLoop   *ioLoop

	// mu guards terminal and disconnected, the OutboundCallState latch
	// spec.md §3 describes: once set, neither Recv nor Wait touches respCh
	// again, so a call observed by one of them can be re-observed by the
	// other (or by a repeated call to the same one) without blocking.
	mu           sync.Mutex
	terminal     *rpc.CallResult
	disconnected bool
}

func newOutboundCall(function string, contextID rpc.ContextID, loop *ioLoop) *OutboundCall {
	return &OutboundCall{
		function: function,
		context:  contextID,
		respCh:   make(chan rpc.Response, 16),
		ioLoop:   loop,
	}
}

// ContextID identifies this call; it is the same value the peer sees as
// the RpcCall's context.
func (c *OutboundCall) ContextID() rpc.ContextID { return c.context }

// latched reports whether the terminal result has already been observed (by
// either Recv or Wait) or the response channel has already been found
// disconnected, i.e. whether a further read must not touch respCh.
func (c *OutboundCall) latched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal != nil || c.disconnected
}

// latchTerminal records result as the call's terminal outcome and closes
// respCh, so a concurrently blocked Recv/Wait (or a later call to either)
// observes completion immediately instead of waiting on a channel nothing
// will ever write to again. Only the goroutine that actually received the
// Last message off respCh ever calls this for a given call, so there is no
// double-close: a repeat Recv/Wait is turned away by the terminal != nil
// check in latched() before it would reach here.
func (c *OutboundCall) latchTerminal(result *rpc.CallResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal == nil {
		c.terminal = result
		close(c.respCh)
	}
}

func (c *OutboundCall) latchDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

// Recv blocks for the next response. ok is false once the terminal result
// has already been delivered by a previous Recv (or observed by Wait), or
// once the call's connection is gone — callers should stop calling Recv at
// that point, per spec.md §8's "recv after terminal latch returns 'no more
// data' without blocking."
func (c *OutboundCall) Recv() (rpc.Response, bool) {
	if c.latched() {
		return rpc.Response{}, false
	}

	resp, ok := <-c.respCh
	if !ok {
		c.latchDisconnected()
		return rpc.Response{}, false
	}
	if resp.Kind.IsLast() {
		c.latchTerminal(resp.Kind.Last)
	}
	return resp, true
}

// RecvContext is Recv with a context.Context for cancellation or a
// deadline — a purely local addition over the protocol spec.md describes
// (spec.md §9, Open Question #4); it affects nothing on the wire.
func (c *OutboundCall) RecvContext(ctx context.Context) (rpc.Response, error) {
	if c.latched() {
		return rpc.Response{}, ErrRPCDone
	}

	select {
	case resp, ok := <-c.respCh:
		if !ok {
			c.latchDisconnected()
			return rpc.Response{}, ErrDisconnected
		}
		if resp.Kind.IsLast() {
			c.latchTerminal(resp.Kind.Last)
		}
		return resp, nil
	case <-ctx.Done():
		return rpc.Response{}, ctx.Err()
	}
}

// Wait discards any Partial responses and blocks until the terminal
// CallResult. It is safe to call after Recv has already delivered the Last
// response (or after a previous Wait): the latched result is returned
// again instead of blocking on an exhausted channel.
func (c *OutboundCall) Wait() (rpc.CallResult, error) {
	c.mu.Lock()
	if c.terminal != nil {
		result := *c.terminal
		c.mu.Unlock()
		return result, nil
	}
	if c.disconnected {
		c.mu.Unlock()
		return rpc.CallResult{}, ErrDisconnected
	}
	c.mu.Unlock()

	for {
		resp, ok := <-c.respCh
		if !ok {
			c.mu.Lock()
			terminal := c.terminal
			c.mu.Unlock()
			if terminal != nil {
				return *terminal, nil
			}
			c.latchDisconnected()
			return rpc.CallResult{}, ErrDisconnected
		}
		if resp.Kind.IsLast() {
			c.latchTerminal(resp.Kind.Last)
			return *resp.Kind.Last, nil
		}
	}
}

// Cancel asks the peer to stop processing this call. It is fire-and-forget:
// the peer may ignore it, and the terminal result (if any) still arrives
// through Recv/Wait normally (spec.md §4.4).
func (c *OutboundCall) Cancel() {
	c.ioLoop.sendNowait(cmdCancelCall{context: c.context})
}

// WaitTyped waits for the terminal result of call and decodes a successful
// Ok payload into T. Go methods cannot carry their own type parameters, so
// this is a free function rather than a method on OutboundCall.
func WaitTyped[T any](call *OutboundCall) (T, error) {
	var zero T
	result, err := call.Wait()
	if err != nil {
		return zero, err
	}
	switch result.Kind {
	case rpc.ResultOk:
		var value T
		if err := json.Unmarshal(result.Value, &value); err != nil {
			return zero, &InvalidReplyError{Err: err}
		}
		return value, nil
	case rpc.ResultErr:
		return zero, &PeerError{Doc: *result.Err}
	default:
		return zero, &NotHandledError{Function: call.function}
	}
}
