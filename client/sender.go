package client

import (
	"github.com/google/uuid"

	"github.com/sirver/switchboard/rpc"
)

// Sender issues outbound calls on a Client's connection without being able
// to register procedures, mirroring original_source/src/client.rs's Sender,
// which carries only the IO Loop's command channel. It is safe to hand to
// code that runs on a different goroutine than the Client that created it —
// for example a worker spawned from inside a RemoteProcedure.Call handler,
// or a pool processing inbound calls concurrently.
type Sender struct {
	ioLoop *ioLoop
}

// Call issues an outbound call to function with args, returning a handle to
// its streamed responses.
func (s *Sender) Call(function string, args rpc.Document) (*OutboundCall, error) {
	contextID := rpc.ContextID(uuid.NewString())
	out := newOutboundCall(function, contextID, s.ioLoop)

	errCh := make(chan error, 1)
	if err := s.ioLoop.send(cmdBeginCall{
		call:   rpc.Call{Function: function, Context: contextID, Args: args},
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
