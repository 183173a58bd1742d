package client

import (
	log "github.com/cihub/seelog"

	"github.com/sirver/switchboard/rpc"
)

// dispatcher is the single goroutine that owns registeredProcedures and
// runningInboundCalls, mirroring the teacher's executor.loop() in
// go-meeko/meeko/services/rpc/executor.go: registration, dispatch and
// cancellation of inbound calls are all serialized through commands, one
// goroutine away from the ioLoop that actually owns the socket.
type dispatcher struct {
	ioLoop *ioLoop

	commands chan dispatchCommand

	registeredProcedures map[string]RemoteProcedure
	runningInboundCalls  map[rpc.ContextID]*InboundContext

	// stopped is closed once by run when it returns, mirroring ioLoop.done,
	// so a send after the Dispatcher has already quit reports ErrTerminated
	// instead of sitting in the buffered channel forever.
	stopped chan struct{}
}

type dispatchCommand interface {
	apply(d *dispatcher)
}

// dcmdRegister registers name locally once the core.new_rpc round trip to
// the peer has already completed (spec.md §5: the peer must ack registration
// before the Dispatcher is told about it, so it never routes to a name this
// side doesn't yet know).
type dcmdRegister struct {
	name      string
	procedure RemoteProcedure
	errCh     chan<- error
}

func (c dcmdRegister) apply(d *dispatcher) {
	if _, exists := d.registeredProcedures[c.name]; exists {
		c.errCh <- ErrAlreadyRegistered
		return
	}
	d.registeredProcedures[c.name] = c.procedure
	c.errCh <- nil
}

// dcmdInboundCall is handed over by the ioLoop when an RpcCall frame
// arrives. An unregistered function name resolves immediately with
// NotHandled (spec.md §9, Open Question #3 — required improvement: no
// caller is ever left waiting forever for an unregistered method).
type dcmdInboundCall struct {
	call rpc.Call
}

func (c dcmdInboundCall) apply(d *dispatcher) {
	procedure, ok := d.registeredProcedures[c.call.Function]
	if !ok {
		log.Warnf("dispatcher: %q not registered, replying NotHandled", c.call.Function)
		d.ioLoop.sendNowait(cmdSendResponse{
			response: rpc.Response{
				Context: c.call.Context,
				Kind:    rpc.Last(rpc.NotHandled()),
			},
		})
		return
	}

	ctx := newInboundContext(c.call.Context, d)
	d.runningInboundCalls[c.call.Context] = ctx
	log.Debugf("dispatcher: dispatching %q context=%s", c.call.Function, c.call.Context)
	procedure.Call(ctx, c.call.Args)
}

// dcmdInboundCancel delivers a peer-originated cancellation to a running
// inbound call. Per spec.md §4.4 this is cooperative: the handler observes
// it by polling InboundContext.Cancelled or by Update/Finish returning
// ErrRPCDone, it is never force-terminated.
type dcmdInboundCancel struct {
	context rpc.ContextID
}

func (c dcmdInboundCancel) apply(d *dispatcher) {
	ctx, ok := d.runningInboundCalls[c.context]
	if !ok {
		log.Warnf("dispatcher: cancel for unknown or already-finished context %s", c.context)
		return
	}
	ctx.markCancelled()
}

// dcmdFinish is sent by InboundContext.finish once the running handler has
// produced its terminal result, removing the context's bookkeeping.
type dcmdFinish struct {
	context rpc.ContextID
}

func (c dcmdFinish) apply(d *dispatcher) {
	delete(d.runningInboundCalls, c.context)
}

// dcmdPeerGone is delivered once by the ioLoop when the connection closes,
// and cancels every still-running inbound call so handlers polling
// Cancelled can observe the disconnect and return.
type dcmdPeerGone struct{}

func (c dcmdPeerGone) apply(d *dispatcher) {
	for context, ctx := range d.runningInboundCalls {
		ctx.markCancelled()
		delete(d.runningInboundCalls, context)
	}
}

type dcmdQuit struct{}

func (c dcmdQuit) apply(d *dispatcher) {
	dcmdPeerGone{}.apply(d)
}

func newDispatcher(loop *ioLoop) *dispatcher {
	return &dispatcher{
		ioLoop:               loop,
		commands:             make(chan dispatchCommand, 16),
		registeredProcedures: make(map[string]RemoteProcedure),
		runningInboundCalls:  make(map[rpc.ContextID]*InboundContext),
		stopped:              make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	go d.run()
}

func (d *dispatcher) run() {
	log.Debug("dispatcher: starting")
	defer close(d.stopped)
	defer log.Debug("dispatcher: stopped")
	for cmd := range d.commands {
		cmd.apply(d)
		if _, isQuit := cmd.(dcmdQuit); isQuit {
			return
		}
	}
}

// send delivers cmd to run, or reports ErrTerminated if the Dispatcher has
// already quit.
func (d *dispatcher) send(cmd dispatchCommand) error {
	select {
	case <-d.stopped:
		return ErrTerminated
	default:
	}
	select {
	case d.commands <- cmd:
		return nil
	case <-d.stopped:
		return ErrTerminated
	}
}

func (d *dispatcher) stop() {
	select {
	case d.commands <- dcmdQuit{}:
	case <-d.stopped:
		return
	}
	<-d.stopped
}
