package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCallResultRoundTrip covers the "serialize-then-deserialize of every
// Message variant is the identity" law from spec.md §8 for CallResult, which
// every Response's terminal Kind carries.
func TestCallResultRoundTrip(t *testing.T) {
	cases := []CallResult{
		Ok(Document(`{"files":["a","b"]}`)),
		Err(ErrorDoc{Message: "boom", Detail: Document(`"extra"`)}),
		NotHandled(),
	}

	for _, want := range cases {
		encoded, err := json.Marshal(want)
		require.NoError(t, err)

		var got CallResult
		require.NoError(t, json.Unmarshal(encoded, &got))
		require.Equal(t, want, got)
	}
}

func TestResponseKindRoundTrip(t *testing.T) {
	doc := Document(`[1,2,3]`)
	partial := Response{Context: "ctx-1", Kind: Partial(doc)}
	encoded, err := json.Marshal(partial)
	require.NoError(t, err)

	var got Response
	require.NoError(t, json.Unmarshal(encoded, &got))
	require.False(t, got.Kind.IsLast())
	require.JSONEq(t, string(doc), string(*got.Kind.Partial))

	last := Response{Context: "ctx-1", Kind: Last(Ok(doc))}
	encoded, err = json.Marshal(last)
	require.NoError(t, err)

	got = Response{}
	require.NoError(t, json.Unmarshal(encoded, &got))
	require.True(t, got.Kind.IsLast())
	require.Equal(t, ResultOk, got.Kind.Last.Kind)
}

func TestCallRoundTrip(t *testing.T) {
	want := Call{
		Function: "core.broadcast",
		Context:  ContextID("11111111-1111-1111-1111-111111111111"),
		Args:     Document(`{"blub":"blah"}`),
	}

	encoded, err := json.Marshal(want)
	require.NoError(t, err)

	var got Call
	require.NoError(t, json.Unmarshal(encoded, &got))
	require.Equal(t, want, got)
}
