package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirver/switchboard/internal/codecs"
)

// maxMessageSize bounds a single frame's payload, guarding against a
// corrupted or hostile length prefix turning into an unbounded allocation.
const maxMessageSize = 64 << 20 // 64 MiB

// Stream is the read_message/write_message facility spec.md §1 says the core
// consumes rather than implements: each frame is a 4-byte big-endian length
// prefix followed by that many bytes of a JSON-compatible document encoding
// the Message envelope.
//
// A Stream is safe for one reader goroutine and any number of writer
// goroutines to use concurrently (the IO Loop's reader goroutine and its
// command-serving goroutine, per spec.md §4.1): WriteMessage serializes
// writers with an internal mutex. Concurrent readers are not safe.
type Stream struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

// NewStream wraps conn with the core's framing.
func NewStream(conn net.Conn) *Stream {
	return &Stream{conn: conn, r: bufio.NewReader(conn)}
}

// ReadMessage blocks until a full frame has arrived, then decodes it.
// It returns io.EOF when the peer has cleanly closed the connection.
func (s *Stream) ReadMessage() (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(s.r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxMessageSize {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds maximum of %d", length, maxMessageSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return nil, err
	}

	var msg Message
	if err := codecs.JSON.Decode(bytes.NewReader(payload), &msg); err != nil {
		return nil, fmt.Errorf("ipc: decoding frame: %w", err)
	}
	return &msg, nil
}

// WriteMessage encodes msg and writes it as a single frame. The frame is
// assembled in memory first and then written with a loop that retries until
// every byte is written or an error occurs, so callers never observe a torn
// frame from a partial Write.
func (s *Stream) WriteMessage(msg *Message) error {
	var body bytes.Buffer
	if err := codecs.JSON.Encode(&body, msg); err != nil {
		return fmt.Errorf("ipc: encoding frame: %w", err)
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(body.Len()))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := writeFull(s.conn, lengthBuf[:]); err != nil {
		return err
	}
	if _, err := writeFull(s.conn, body.Bytes()); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func writeFull(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
