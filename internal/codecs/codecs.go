// Package codecs provides the Document encode/decode facility used at the
// boundary between Go values and the wire's dynamically-typed documents.
//
// Ported from the teacher's meeko/utils/codecs.go Codec abstraction: the
// same github.com/ugorji/go/codec library, but a JsonHandle in place of the
// teacher's MsgpackHandle, since spec.md §6 requires a JSON-compatible
// document rather than MessagePack.
package codecs

import (
	"io"

	"github.com/ugorji/go/codec"
)

// Codec encodes and decodes Go values to and from a Document's byte form.
type Codec interface {
	Encode(w io.Writer, src interface{}) error
	Decode(r io.Reader, dst interface{}) error
}

// typeInfos makes the codec honor the `json:"..."` struct tags already used
// throughout rpc and ipc, instead of requiring a parallel set of `codec:"..."`
// tags on every field.
var typeInfos = codec.NewTypeInfos([]string{"codec", "json"})

var jsonHandle = &codec.JsonHandle{
	BasicHandle: codec.BasicHandle{TypeInfos: typeInfos},
}

type jsonCodec struct{}

func (jsonCodec) Encode(w io.Writer, src interface{}) error {
	return codec.NewEncoder(w, jsonHandle).Encode(src)
}

func (jsonCodec) Decode(r io.Reader, dst interface{}) error {
	return codec.NewDecoder(r, jsonHandle).Decode(dst)
}

// JSON is the Document codec used throughout the client core.
var JSON Codec = jsonCodec{}
