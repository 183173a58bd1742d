package ipc

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sirver/switchboard/rpc"
)

func TestStreamRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverStream := NewStream(server)
	clientStream := NewStream(client)

	want := NewCallMessage(rpc.Call{
		Function: "core.broadcast",
		Context:  rpc.ContextID("ctx-1"),
		Args:     rpc.Document(`{"blub":"blah"}`),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- clientStream.WriteMessage(&want) }()

	got, err := serverStream.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	require.Equal(t, want.Kind, got.Kind)
	require.Equal(t, want.Call.Function, got.Call.Function)
	require.Equal(t, want.Call.Context, got.Call.Context)
	require.JSONEq(t, string(want.Call.Args), string(got.Call.Args))
}

func TestStreamReadMessageEOF(t *testing.T) {
	server, client := net.Pipe()
	serverStream := NewStream(server)

	require.NoError(t, client.Close())

	_, err := serverStream.ReadMessage()
	require.ErrorIs(t, err, io.EOF)
}
