// Package client implements the bidirectional, streaming, cancellable RPC
// core: a Client connects over a Unix domain socket and lets either side
// call the other, exactly as spec.md describes.
//
// Internally a Client runs two goroutines — an IO Loop that owns the socket
// and the map of outstanding outbound calls, and a Dispatcher that owns
// registered procedures and running inbound calls — connected by command
// channels, following the teacher's dispatcher/executor split in
// go-cider/cider/services and go-meeko/meeko/services/rpc.
package client

import (
	"bytes"
	"fmt"
	"net"

	log "github.com/cihub/seelog"
	"github.com/google/uuid"

	"github.com/sirver/switchboard/internal/codecs"
	"github.com/sirver/switchboard/ipc"
	"github.com/sirver/switchboard/rpc"
)

// Client is a connected handle to a peer, able to issue outbound calls and
// register local procedures for the peer to call inbound.
type Client struct {
	ioLoop     *ioLoop
	dispatcher *dispatcher
}

// Connect dials the Unix domain socket at path and starts the Client's IO
// Loop and Dispatcher, per spec.md §6.
func Connect(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("switchboard: dialing %s: %w", path, err)
	}
	return newClient(conn), nil
}

// NewClient wraps an already-established connection, for callers that
// accepted a connection themselves rather than dialing one (e.g. tests
// using net.Pipe, or a Unix listener accepting an incoming peer).
func NewClient(conn net.Conn) *Client {
	return newClient(conn)
}

func newClient(conn net.Conn) *Client {
	loop := newIOLoop(ipc.NewStream(conn))
	d := newDispatcher(loop)
	loop.attachDispatcher(d)

	loop.start()
	d.start()

	return &Client{ioLoop: loop, dispatcher: d}
}

// NewRpc registers procedure under name, first round-tripping a
// core.new_rpc call to the peer so it acknowledges the registration before
// the Dispatcher is told about it locally (spec.md §5) — the peer must
// never be able to route to a name this side doesn't yet know. Returns
// ErrAlreadyRegistered if name is already registered locally (spec.md §9,
// Open Question #2).
func (c *Client) NewRpc(name string, priority uint16, procedure RemoteProcedure) error {
	args, err := encodeArgs(newRpcRequest{Priority: priority, Name: name})
	if err != nil {
		return err
	}

	call, err := c.beginCall("core.new_rpc", args)
	if err != nil {
		return err
	}
	result, err := call.Wait()
	if err != nil {
		return err
	}
	if result.Kind == rpc.ResultErr {
		return &PeerError{Doc: *result.Err}
	}

	errCh := make(chan error, 1)
	if err := c.dispatcher.send(dcmdRegister{name: name, procedure: procedure, errCh: errCh}); err != nil {
		return err
	}
	return <-errCh
}

// Call issues an outbound call to function with args, returning a handle to
// its streamed responses.
func (c *Client) Call(function string, args rpc.Document) (*OutboundCall, error) {
	return c.beginCall(function, args)
}

func (c *Client) beginCall(function string, args rpc.Document) (*OutboundCall, error) {
	contextID := rpc.ContextID(uuid.NewString())
	out := newOutboundCall(function, contextID, c.ioLoop)

	errCh := make(chan error, 1)
	if err := c.ioLoop.send(cmdBeginCall{
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

// NewSender returns a Sender sharing this Client's IO Loop: it can issue
// outbound calls from any goroutine but cannot register procedures, since
// registration must sequence through the Dispatcher's single owner
// (original_source/src/client.rs's Sender carries only `call`, not
// `new_rpc` — SPEC_FULL.md §3.1).
func (c *Client) NewSender() *Sender {
	return &Sender{ioLoop: c.ioLoop}
}

// Close shuts the Client down: the Dispatcher is stopped first so every
// running inbound call is cancelled and handlers can observe it, then the
// IO Loop is stopped, closing the socket.
func (c *Client) Close() error {
	log.Debug("client: closing")
	c.dispatcher.stop()
	c.ioLoop.stop()
	return nil
}

func encodeArgs(v interface{}) (rpc.Document, error) {
	var buf bytes.Buffer
	if err := codecs.JSON.Encode(&buf, v); err != nil {
		return nil, fmt.Errorf("switchboard: encoding args: %w", err)
	}
	return rpc.Document(buf.Bytes()), nil
}
