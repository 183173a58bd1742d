package client

import (
	"sync"

	log "github.com/cihub/seelog"

	"github.com/sirver/switchboard/ipc"
	"github.com/sirver/switchboard/rpc"
)

// ioLoop is the single goroutine that owns the socket and the map of
// outstanding outbound calls, mirroring the teacher's dispatcher.loop() in
// go-cider/cider/services/dispatcher.go: every mutation of shared state
// happens on this one goroutine, reached only through the command channel,
// so no mutex is needed around runningOutboundCalls itself.
//
// A second, dedicated goroutine (readLoop) only ever produces frames read
// from the stream onto inboundFrames; it never touches runningOutboundCalls
// or the stream's write side.
type ioLoop struct {
	stream *ipc.Stream

	commands      chan ioCommand
	inboundFrames chan *ipc.Message
	readErr       chan error

	runningOutboundCalls map[rpc.ContextID]chan<- rpc.Response

	dispatcher *dispatcher

	// done is closed once by run when it returns, whether because of a
	// cmdQuit or because the peer disconnected on its own, so stop never
	// blocks waiting on a goroutine that already exited.
	done chan struct{}
	wg   sync.WaitGroup
}

// ioCommand is the sealed set of requests the ioLoop services, one
// goroutine-safe entry point into otherwise-exclusive state.
type ioCommand interface {
	apply(l *ioLoop)
}

// cmdBeginCall registers replies for context with respCh and writes call to
// the wire. The registration happens before the write is attempted so that a
// response racing ahead of the write's return is never dropped (spec.md §4.2).
type cmdBeginCall struct {
	call   rpc.Call
	respCh chan<- rpc.Response
	errCh  chan<- error
}

func (c cmdBeginCall) apply(l *ioLoop) {
	if _, exists := l.runningOutboundCalls[c.call.Context]; exists {
		c.errCh <- ErrDisconnected
		return
	}
	l.runningOutboundCalls[c.call.Context] = c.respCh
	msg := ipc.NewCallMessage(c.call)
	err := l.stream.WriteMessage(&msg)
	if err != nil {
		delete(l.runningOutboundCalls, c.call.Context)
		log.Warnf("ioLoop: writing call %s/%s: %v", c.call.Function, c.call.Context, err)
	}
	c.errCh <- err
}

// cmdCancelCall sends a fire-and-forget Cancel for an outbound call. It does
// not touch runningOutboundCalls: the peer, not this side, decides whether
// and when to stop, and the response path (a Last, possibly NotHandled)
// still removes the entry normally.
type cmdCancelCall struct {
	context rpc.ContextID
}

func (c cmdCancelCall) apply(l *ioLoop) {
	msg := ipc.NewCancelMessage(rpc.Cancel{Context: c.context})
	if err := l.stream.WriteMessage(&msg); err != nil {
		log.Warnf("ioLoop: writing cancel for %s: %v", c.context, err)
	}
}

// cmdSendResponse writes a Response frame for an inbound call, originating
// from the Dispatcher (Update/Finish on an InboundContext).
type cmdSendResponse struct {
	response rpc.Response
	errCh    chan<- error
}

func (c cmdSendResponse) apply(l *ioLoop) {
	msg := ipc.NewResponseMessage(c.response)
	err := l.stream.WriteMessage(&msg)
	if err != nil {
		log.Warnf("ioLoop: writing response for %s: %v", c.response.Context, err)
	}
	if c.errCh != nil {
		c.errCh <- err
	}
}

// cmdSendCall writes an outbound Call frame issued from inside a running
// inbound handler (InboundContext.Call), sharing this same command path.
type cmdSendCall struct {
	call   rpc.Call
	respCh chan<- rpc.Response
	errCh  chan<- error
}

func (c cmdSendCall) apply(l *ioLoop) {
	cmdBeginCall(c).apply(l)
}

// cmdQuit shuts the loop down: the socket is closed, unblocking readLoop.
type cmdQuit struct {
	done chan<- struct{}
}

func (c cmdQuit) apply(l *ioLoop) {
	l.stream.Close()
	close(c.done)
}

func newIOLoop(stream *ipc.Stream) *ioLoop {
	return &ioLoop{
		stream:               stream,
		commands:             make(chan ioCommand, 16),
		inboundFrames:        make(chan *ipc.Message, 16),
		readErr:              make(chan error, 1),
		runningOutboundCalls: make(map[rpc.ContextID]chan<- rpc.Response),
		done:                 make(chan struct{}),
	}
}

// attachDispatcher wires the dispatcher this ioLoop hands inbound Call and
// Cancel frames to. It must be called before run.
func (l *ioLoop) attachDispatcher(d *dispatcher) {
	l.dispatcher = d
}

// send delivers cmd to run, or reports ErrTerminated if the loop has already
// exited (peer disconnect or Client.Close) — without this guard a send after
// shutdown would sit in the buffered channel forever, since nothing drains
// it once run has returned, and any caller blocked on a reply would hang.
func (l *ioLoop) send(cmd ioCommand) error {
	select {
	case <-l.done:
		return ErrTerminated
	default:
	}
	select {
	case l.commands <- cmd:
		return nil
	case <-l.done:
		return ErrTerminated
	}
}

// sendNowait is send's fire-and-forget counterpart, for commands with no
// reply channel to unblock (OutboundCall.Cancel): dropping a cancel after
// shutdown is fine, since the spec already treats a post-terminal cancel as
// a no-op.
func (l *ioLoop) sendNowait(cmd ioCommand) {
	select {
	case l.commands <- cmd:
	case <-l.done:
	}
}

func (l *ioLoop) start() {
	l.wg.Add(2)
	go l.readLoop()
	go l.run()
}

// readLoop only ever produces: it decodes frames and hands them to run via
// inboundFrames, never mutating runningOutboundCalls or writing to the
// stream itself, per the single-owner invariant spec.md §4.1 describes.
func (l *ioLoop) readLoop() {
	defer l.wg.Done()
	for {
		msg, err := l.stream.ReadMessage()
		if err != nil {
			l.readErr <- err
			close(l.inboundFrames)
			return
		}
		l.inboundFrames <- msg
	}
}

func (l *ioLoop) run() {
	defer l.wg.Done()
	defer close(l.done)
	log.Debug("ioLoop: starting")
	defer log.Debug("ioLoop: stopped")

	for {
		select {
		case cmd, ok := <-l.commands:
			if !ok {
				return
			}
			cmd.apply(l)
			if _, isQuit := cmd.(cmdQuit); isQuit {
				l.drainOutbound(ErrDisconnected)
				return
			}

		case msg, ok := <-l.inboundFrames:
			if !ok {
				err := <-l.readErr
				log.Debugf("ioLoop: peer closed: %v", err)
				l.stream.Close()
				l.drainOutbound(ErrDisconnected)
				if l.dispatcher != nil {
					_ = l.dispatcher.send(dcmdPeerGone{})
				}
				return
			}
			l.handleFrame(msg)
		}
	}
}

func (l *ioLoop) handleFrame(msg *ipc.Message) {
	switch msg.Kind {
	case ipc.KindResponse:
		l.handleResponse(*msg.Response)
	case ipc.KindCall:
		if l.dispatcher != nil {
			if err := l.dispatcher.send(dcmdInboundCall{call: *msg.Call}); err != nil {
				log.Warnf("ioLoop: dispatcher gone, dropping inbound call %q/%s", msg.Call.Function, msg.Call.Context)
			}
		}
	case ipc.KindCancel:
		if l.dispatcher != nil {
			if err := l.dispatcher.send(dcmdInboundCancel{context: msg.Cancel.Context}); err != nil {
				log.Warnf("ioLoop: dispatcher gone, dropping inbound cancel %s", msg.Cancel.Context)
			}
		}
	default:
		log.Warnf("ioLoop: unknown frame kind %q", msg.Kind)
	}
}

// handleResponse routes a Response to its waiting outbound call, removing
// the bookkeeping entry exactly when the terminal Last arrives (spec.md §9,
// Open Question #1 — resolved: remove-on-Last, not on handle drop).
func (l *ioLoop) handleResponse(resp rpc.Response) {
	respCh, ok := l.runningOutboundCalls[resp.Context]
	if !ok {
		log.Warnf("ioLoop: response for unknown or already-completed context %s", resp.Context)
		return
	}
	if resp.Kind.IsLast() {
		delete(l.runningOutboundCalls, resp.Context)
	}
	respCh <- resp
}

// drainOutbound closes every still-registered outbound call's response
// channel instead of synthesizing a terminal message: closing is what makes
// a blocked Recv/Wait observe a real ErrDisconnected (spec.md §7/§8),
// rather than a fabricated Err result indistinguishable from one the peer
// actually returned.
func (l *ioLoop) drainOutbound(err error) {
	log.Debugf("ioLoop: draining %d outbound call(s): %v", len(l.runningOutboundCalls), err)
	for context, respCh := range l.runningOutboundCalls {
		close(respCh)
		delete(l.runningOutboundCalls, context)
	}
}

// stop asks run to quit and waits for both of its goroutines to exit. It is
// safe to call even if the peer already disconnected and run has already
// returned on its own (l.done is closed exactly once, by run itself).
func (l *ioLoop) stop() {
	done := make(chan struct{})
	select {
	case l.commands <- cmdQuit{done: done}:
		select {
		case <-done:
		case <-l.done:
		}
	case <-l.done:
	}
	l.wg.Wait()
}
