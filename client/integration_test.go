package client_test

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sirver/switchboard/client"
	"github.com/sirver/switchboard/internal/loopback"
	"github.com/sirver/switchboard/rpc"
)

// temporarySocketName mirrors original_source/tests/core.rs's
// temporary_socket_name helper: a unique path under the test's temp dir, so
// parallel test runs never collide on the same Unix domain socket.
func temporarySocketName(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "switchboard-test.sock")
}

// testServer mirrors original_source/tests/core.rs's TestServer: a loopback
// peer listening on a freshly created Unix domain socket, torn down when the
// test ends.
func testServer(t *testing.T) string {
	t.Helper()
	socketName := temporarySocketName(t)

	listener, err := net.Listen("unix", socketName)
	require.NoError(t, err)

	server := loopback.NewServer(listener)
	go server.Serve()

	t.Cleanup(func() {
		server.Close()
		os.Remove(socketName)
	})

	return socketName
}

// broadcastCatcher is a RemoteProcedure that captures every document it is
// asked to relay and immediately finishes Ok, used by the tests below to
// observe core.broadcast fan-out.
type broadcastCatcher struct {
	received chan rpc.Document
}

func (b *broadcastCatcher) Priority() uint16 { return client.DefaultPriority }

func (b *broadcastCatcher) Call(ctx *client.InboundContext, args client.Document) {
	b.received <- args
	_ = ctx.Finish(rpc.Ok(nil))
}

func registerBroadcastCatcher(t *testing.T, c *client.Client) chan rpc.Document {
	t.Helper()
	received := make(chan rpc.Document, 4)
	err := c.NewRpc("core.broadcast", client.DefaultPriority, &broadcastCatcher{received: received})
	require.NoError(t, err)
	return received
}

// TestShutdownWithClientConnected covers spec.md §8 scenario 1: the server
// side can shut down while a client is still connected without the client
// goroutines hanging.
func TestShutdownWithClientConnected(t *testing.T) {
	socketName := temporarySocketName(t)

	listener, err := net.Listen("unix", socketName)
	require.NoError(t, err)
	server := loopback.NewServer(listener)
	go server.Serve()
	defer os.Remove(socketName)

	c, err := client.Connect(socketName)
	require.NoError(t, err)
	registerBroadcastCatcher(t, c)

	require.NoError(t, server.Close())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		c.Close()
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Client.Close hung after the server shut down")
	}
}

// TestBroadcastRoundTrip covers spec.md §8 scenario 2.
func TestBroadcastRoundTrip(t *testing.T) {
	socketName := testServer(t)

	client1, err := client.Connect(socketName)
	require.NoError(t, err)
	defer client1.Close()

	client2, err := client.Connect(socketName)
	require.NoError(t, err)
	defer client2.Close()

	received1 := registerBroadcastCatcher(t, client1)
	received2 := registerBroadcastCatcher(t, client2)

	testMsg := rpc.Document(`{"blub":"blah"}`)

	call, err := client1.Call("core.broadcast", testMsg)
	require.NoError(t, err)
	result, err := call.Wait()
	require.NoError(t, err)
	require.Equal(t, rpc.ResultOk, result.Kind)

	select {
	case got := <-received2:
		require.JSONEq(t, string(testMsg), string(got))
	case <-time.After(time.Second):
		t.Fatal("client2 never observed the broadcast")
	}

	select {
	case got := <-received1:
		require.JSONEq(t, string(testMsg), string(got))
	case <-time.After(time.Second):
		t.Fatal("client1 never observed its own broadcast")
	}
}

// testclientTest mirrors original_source/tests/core.rs's register_function_
// and_call_it TestCall: a handler that relays its args to core.broadcast and
// finishes with whatever that call returns.
type testclientTest struct {
	sender *client.Sender
}

func (h *testclientTest) Priority() uint16 { return client.DefaultPriority }

func (h *testclientTest) Call(ctx *client.InboundContext, args client.Document) {
	go func() {
		call, err := h.sender.Call("core.broadcast", args)
		if err != nil {
			_ = ctx.Finish(rpc.Err(rpc.ErrorDoc{Message: err.Error()}))
			return
		}
		result, err := call.Wait()
		if err != nil {
			_ = ctx.Finish(rpc.Err(rpc.ErrorDoc{Message: err.Error()}))
			return
		}
		_ = ctx.Finish(result)
	}()
}

// TestRegisterAndDispatch covers spec.md §8 scenario 3.
func TestRegisterAndDispatch(t *testing.T) {
	socketName := testServer(t)

	client1, err := client.Connect(socketName)
	require.NoError(t, err)
	defer client1.Close()

	client2, err := client.Connect(socketName)
	require.NoError(t, err)
	defer client2.Close()

	received1 := registerBroadcastCatcher(t, client1)
	received2 := registerBroadcastCatcher(t, client2)

	require.NoError(t, client1.NewRpc("testclient.test", client.DefaultPriority, &testclientTest{sender: client1.NewSender()}))

	testMsg := rpc.Document(`{"blub":"blah"}`)

	call, err := client2.Call("testclient.test", testMsg)
	require.NoError(t, err)
	result, err := call.Wait()
	require.NoError(t, err)
	require.Equal(t, rpc.ResultOk, result.Kind)

	select {
	case got := <-received1:
		require.JSONEq(t, string(testMsg), string(got))
	case <-time.After(time.Second):
		t.Fatal("client1 never observed the broadcast")
	}

	select {
	case got := <-received2:
		require.JSONEq(t, string(testMsg), string(got))
	case <-time.After(time.Second):
		t.Fatal("client2 never observed the broadcast")
	}
}

// streamingEcho is a RemoteProcedure that sends count Partial updates before
// finishing Ok, used to cover spec.md §3's streaming contract: zero or more
// Partial responses followed by exactly one terminal result.
type streamingEcho struct{}

func (streamingEcho) Priority() uint16 { return client.DefaultPriority }

func (streamingEcho) Call(ctx *client.InboundContext, args client.Document) {
	var req struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(args, &req)

	go func() {
		for i := 0; i < req.Count; i++ {
			if ctx.Cancelled() {
				return
			}
			if err := ctx.Update(rpc.Document(`{"i":` + itoa(i) + `}`)); err != nil {
				return
			}
		}
		_ = ctx.Finish(rpc.Ok(rpc.Document(`{"done":true}`)))
	}()
}

func itoa(i int) string {
	return string(rune('0' + i))
}

// TestStreamingPartialsThenFinal covers spec.md §3: a call that streams
// Partial responses before exactly one terminal Last.
func TestStreamingPartialsThenFinal(t *testing.T) {
	socketName := testServer(t)

	server, err := client.Connect(socketName)
	require.NoError(t, err)
	defer server.Close()
	require.NoError(t, server.NewRpc("stream.count", client.DefaultPriority, streamingEcho{}))

	caller, err := client.Connect(socketName)
	require.NoError(t, err)
	defer caller.Close()

	call, err := caller.Call("stream.count", rpc.Document(`{"count":3}`))
	require.NoError(t, err)

	var partials int
	for {
		resp, ok := call.Recv()
		require.True(t, ok)
		if resp.Kind.IsLast() {
			require.Equal(t, rpc.ResultOk, resp.Kind.Last.Kind)
			break
		}
		partials++
	}
	require.Equal(t, 3, partials)
}

// cooperativeHandler polls until it observes Cancelled, then calls Finish,
// which returns ErrRPCDone on a cancelled context and sends nothing —
// exercising spec.md §4.4's cooperative, poll-based cancellation.
type cooperativeHandler struct {
	observed chan struct{}
}

func (c *cooperativeHandler) Priority() uint16 { return client.DefaultPriority }

func (c *cooperativeHandler) Call(ctx *client.InboundContext, args client.Document) {
	go func() {
		for !ctx.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		close(c.observed)
		_ = ctx.Finish(rpc.NotHandled())
	}()
}

// TestCancellationObserved covers spec.md §8 scenario for cooperative
// cancellation: a running inbound call observes Cancelled after the caller
// cancels.
func TestCancellationObserved(t *testing.T) {
	socketName := testServer(t)

	server, err := client.Connect(socketName)
	require.NoError(t, err)
	defer server.Close()

	handler := &cooperativeHandler{observed: make(chan struct{})}
	require.NoError(t, server.NewRpc("slow.op", client.DefaultPriority, handler))

	caller, err := client.Connect(socketName)
	require.NoError(t, err)
	defer caller.Close()

	call, err := caller.Call("slow.op", nil)
	require.NoError(t, err)

	call.Cancel()

	select {
	case <-handler.observed:
	case <-time.After(time.Second):
		t.Fatal("handler never observed cancellation")
	}
}

// TestRecvAndWaitAfterLatchDoNotBlock covers spec.md §8's boundary behavior
// "a recv after terminal latch returns 'no more data' without blocking":
// once either Recv or Wait has observed the terminal Last, any further call
// to either must return immediately instead of waiting on an exhausted
// channel.
func TestRecvAndWaitAfterLatchDoNotBlock(t *testing.T) {
	socketName := testServer(t)

	server, err := client.Connect(socketName)
	require.NoError(t, err)
	defer server.Close()
	require.NoError(t, server.NewRpc("stream.count", client.DefaultPriority, streamingEcho{}))

	caller, err := client.Connect(socketName)
	require.NoError(t, err)
	defer caller.Close()

	call, err := caller.Call("stream.count", rpc.Document(`{"count":2}`))
	require.NoError(t, err)

	var last rpc.CallResult
	for {
		resp, ok := call.Recv()
		require.True(t, ok)
		if resp.Kind.IsLast() {
			last = *resp.Kind.Last
			break
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		resp, ok := call.Recv()
		require.False(t, ok)
		require.Equal(t, rpc.Response{}, resp)

		result, err := call.Wait()
		require.NoError(t, err)
		require.Equal(t, last, result)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Recv/Wait after terminal latch blocked instead of returning immediately")
	}
}

// neverFinishes is a RemoteProcedure that accepts a call and never responds,
// used to keep a call pending so a mid-call disconnect can be observed.
type neverFinishes struct{}

func (neverFinishes) Priority() uint16 { return client.DefaultPriority }

func (neverFinishes) Call(ctx *client.InboundContext, args client.Document) {}

// TestDisconnectMidCallSurfacesDisconnected covers spec.md §7/§8: a transport
// failure or peer shutdown while a call is still pending must surface as
// ErrDisconnected from Wait, never as a fabricated peer result.
func TestDisconnectMidCallSurfacesDisconnected(t *testing.T) {
	socketName := temporarySocketName(t)

	listener, err := net.Listen("unix", socketName)
	require.NoError(t, err)
	server := loopback.NewServer(listener)
	go server.Serve()
	defer os.Remove(socketName)

	handlerClient, err := client.Connect(socketName)
	require.NoError(t, err)
	defer handlerClient.Close()
	require.NoError(t, handlerClient.NewRpc("slow.pending", client.DefaultPriority, neverFinishes{}))

	caller, err := client.Connect(socketName)
	require.NoError(t, err)
	defer caller.Close()

	call, err := caller.Call("slow.pending", nil)
	require.NoError(t, err)

	require.NoError(t, server.Close())

	done := make(chan struct{})
	var result rpc.CallResult
	var waitErr error
	go func() {
		defer close(done)
		result, waitErr = call.Wait()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after peer disconnect")
	}
	require.ErrorIs(t, waitErr, client.ErrDisconnected)
	require.Equal(t, rpc.CallResult{}, result)
}
