package client

import (
	"runtime"
	"sync"

	log "github.com/cihub/seelog"
	"github.com/google/uuid"

	"github.com/sirver/switchboard/rpc"
)

// inboundState is the lifecycle of one InboundContext. The original Rust
// core enforces "never dropped while Alive" with a destructor that panics;
// Go has no destructors, so the same invariant is approximated with
// runtime.SetFinalizer plus inboundLeakHandler below. Observing Cancelled is
// a legitimate terminal outcome, same as calling Finish — only a handler
// that does neither and is garbage collected still Alive is the bug this
// catches.
type inboundState int

const (
	inboundAlive inboundState = iota
	inboundFinished
	inboundCancelled
)

// inboundLeakHandler is called (from an arbitrary GC-driven goroutine) when
// an InboundContext is garbage collected while still Alive: the handler
// either never called Finish nor observed Cancelled, which the original
// core treats as the one fatal, diagnosable programming error. Overridable
// for tests; defaults to log.Criticalf, matching the teacher's use of
// seelog's Critical level for conditions that indicate a bug in the caller
// rather than a runtime failure.
var inboundLeakHandler = func(context rpc.ContextID) {
	log.Criticalf("switchboard: InboundContext for %s was garbage collected while still Alive: "+
		"a RemoteProcedure must call Finish or observe Cancelled before returning", context)
}

// InboundContext represents one call a peer has addressed to a locally
// registered RemoteProcedure. A handler must eventually call Finish, unless
// it observes Cancelled first (spec.md §4.3-4.4).
type InboundContext struct {
	context    rpc.ContextID
	dispatcher *dispatcher
	cancelled  chan struct{}

	mu    sync.Mutex
	state inboundState
}

func newInboundContext(context rpc.ContextID, d *dispatcher) *InboundContext {
	ctx := &InboundContext{
		context:    context,
		dispatcher: d,
		cancelled:  make(chan struct{}),
		state:      inboundAlive,
	}
	runtime.SetFinalizer(ctx, finalizeInboundContext)
	return ctx
}

func finalizeInboundContext(ctx *InboundContext) {
	ctx.mu.Lock()
	state := ctx.state
	ctx.mu.Unlock()
	if state == inboundAlive {
		inboundLeakHandler(ctx.context)
	}
}

// markCancelled transitions an Alive context to Cancelled and closes the
// cancelled channel, so Cancelled reports true from then on. It is a no-op
// once the context is Finished
// or already Cancelled. Called only from the dispatcher goroutine.
func (c *InboundContext) markCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != inboundAlive {
		return
	}
	c.state = inboundCancelled
	close(c.cancelled)
}

// ContextID identifies the call this context belongs to.
func (c *InboundContext) ContextID() rpc.ContextID { return c.context }

// Cancelled reports whether the peer has asked this call to stop. It is a
// poll, not a blocking wait — the spec requires cooperative, not forced,
// cancellation (spec.md §4.4).
func (c *InboundContext) Cancelled() bool {
	select {
	case <-c.cancelled:
		return true
	default:
		return false
	}
}

// Update sends a Partial response. It returns ErrRPCDone once the call has
// already been Finished or observed Cancelled.
func (c *InboundContext) Update(doc rpc.Document) error {
	c.mu.Lock()
	if c.state != inboundAlive {
		c.mu.Unlock()
		return ErrRPCDone
	}
	c.mu.Unlock()

	errCh := make(chan error, 1)
	if err := c.dispatcher.ioLoop.send(cmdSendResponse{
		response: rpc.Response{Context: c.context, Kind: rpc.Partial(doc)},
		errCh:    errCh,
	}); err != nil {
		return err
	}
	return <-errCh
}

// Finish sends the terminal CallResult and releases this context's
// bookkeeping in the Dispatcher. Calling Finish more than once, or after
// observing Cancelled, returns ErrRPCDone.
func (c *InboundContext) Finish(result rpc.CallResult) error {
	c.mu.Lock()
	if c.state != inboundAlive {
		c.mu.Unlock()
		return ErrRPCDone
	}
	c.state = inboundFinished
	c.mu.Unlock()

	errCh := make(chan error, 1)
	err := c.dispatcher.ioLoop.send(cmdSendResponse{
		response: rpc.Response{Context: c.context, Kind: rpc.Last(result)},
		errCh:    errCh,
	})
	if err == nil {
		err = <-errCh
	}
	_ = c.dispatcher.send(dcmdFinish{context: c.context})
	runtime.SetFinalizer(c, nil)
	return err
}

// Call issues a further outbound call sharing this connection's IO Loop,
// letting a running handler act as a client itself (spec.md §9,
// RpcServerContext::call in the original Rust core). Like Update and Finish,
// it returns ErrRPCDone once the call has been Finished or Cancelled.
func (c *InboundContext) Call(function string, args rpc.Document) (*OutboundCall, error) {
	c.mu.Lock()
	alive := c.state == inboundAlive
	c.mu.Unlock()
	if !alive {
		return nil, ErrRPCDone
	}

	contextID := rpc.ContextID(uuid.NewString())
	call := rpc.Call{Function: function, Context: contextID, Args: args}
	out := newOutboundCall(function, contextID, c.dispatcher.ioLoop)

	errCh := make(chan error, 1)
	if err := c.dispatcher.ioLoop.send(cmdSendCall{
		call:   call,
		respCh: out.respCh,
		errCh:  errCh,
	}); err != nil {
		close(out.respCh)
		return nil, err
	}
	if err := <-errCh; err != nil {
		close(out.respCh)
		return nil, err
	}
	return out, nil
}
