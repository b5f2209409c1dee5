// Package transport implements the framed read/write contract over a plain
// TCP socket or a TLS session, shared by the query executor and replication
// supervisor. Timeouts are end-to-end per call; cancellation is only by
// closing the underlying connection.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pgvictoria/pgvictoria/internal/wire"
)

// Kind distinguishes the two transport variants so Read/Write can apply the
// classification rules appropriate for each.
type Kind int

const (
	KindPlain Kind = iota
	KindTLS
)

// Status classifies the outcome of a Read call.
type Status int

const (
	StatusOK Status = iota
	StatusZero
	StatusError
)

// RawRead is a raw chunk drawn from the socket by a single Read call. Kind
// is the first byte of the chunk and is advisory only — a chunk may hold
// multiple wire messages, a partial message, or the tail of one split
// across two Read calls. Framing is resolved by the caller scanning Data
// with wire.ReadI32 at each message's length field, not by trusting Kind.
type RawRead struct {
	Kind   byte
	Length int32
	Data   []byte
}

// ReadResult is the sum type {Frame, Zero, Error} a Read call returns.
type ReadResult struct {
	Status Status
	Chunk  *RawRead
	Err    error
}

// bufPool recycles the per-read scratch buffers that stand in for the
// original's external "message memory" allocator: each Read draws a buffer
// sized DefaultBufferSize and returns it before Read returns. Read copies
// the bytes it hands back into a freshly allocated slice, so every
// successful read allocates one slice of the bytes read.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, wire.DefaultBufferSize)
		return &b
	},
}

// Transport wraps a net.Conn (plain TCP or *tls.Conn, which also satisfies
// net.Conn) with the framed read/write contract.
type Transport struct {
	conn net.Conn
	kind Kind
}

// New wraps conn as a transport of the given kind.
func New(conn net.Conn, kind Kind) *Transport {
	return &Transport{conn: conn, kind: kind}
}

// Conn returns the underlying connection, e.g. for closing it to force the
// next Read/Write to fail (the engine's only cancellation mechanism).
func (t *Transport) Conn() net.Conn { return t.conn }

// Kind reports which transport variant this is.
func (t *Transport) Kind() Kind { return t.kind }

// Read draws a scratch buffer and reads up to DefaultBufferSize bytes. On
// success, Chunk.Kind is set to the first byte read (the kind seen here is
// advisory — framing is resolved by the caller scanning with wire.ReadI32 at
// the length field) and Chunk.Length to the number of bytes read. A short
// read (0 < n < header size) is still StatusOK; the caller concatenates
// across reads.
//
// If timeout > 0 it bounds this call end-to-end; the deadline is cleared
// before returning. If timeout <= 0 and block is true, the call blocks on
// the socket natively until data, EOF, or an error — Go's net.Conn already
// gives this for free without a hand-rolled EAGAIN retry loop. If block is
// false and timeout <= 0, a zero-duration deadline makes the read
// non-blocking.
func (t *Transport) Read(block bool, timeout time.Duration) ReadResult {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	deadline := t.deadlineFor(block, timeout)
	if !deadline.IsZero() || (!block && timeout <= 0) {
		t.conn.SetReadDeadline(deadline)
		defer t.conn.SetReadDeadline(time.Time{})
	}

	n, err := t.conn.Read(buf)
	if n == 0 {
		if err == nil || err == io.EOF {
			return ReadResult{Status: StatusZero}
		}
		if isTimeout(err) {
			return ReadResult{Status: StatusZero}
		}
		return ReadResult{Status: StatusError, Err: err}
	}

	chunk := &RawRead{
		Kind:   buf[0],
		Length: int32(n),
		Data:   append([]byte(nil), buf[:n]...),
	}
	// A partial read that also reported an error still carries data the
	// caller must not discard; the error surfaces on the next call.
	_ = err
	return ReadResult{Status: StatusOK, Chunk: chunk}
}

func (t *Transport) deadlineFor(block bool, timeout time.Duration) time.Time {
	if timeout > 0 {
		return time.Now().Add(timeout)
	}
	if !block {
		return time.Now() // already-elapsed deadline makes Read non-blocking
	}
	return time.Time{}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Write writes frame.Encode() to the connection, chunked to at most
// DefaultBufferSize bytes per underlying Write call for the plain variant
// (mirroring the original's per-syscall cap); the TLS variant issues a
// single Write of the remaining bytes per loop iteration, matching a
// single SSL_write attempt. Either way the call loops until every byte is
// written or a non-retryable error occurs.
func (t *Transport) Write(frame *wire.Frame) error {
	data := frame.Encode()
	chunk := len(data)
	if t.kind == KindPlain && chunk > wire.DefaultBufferSize {
		chunk = wire.DefaultBufferSize
	}

	for len(data) > 0 {
		n := len(data)
		if t.kind == KindPlain && n > chunk {
			n = chunk
		}
		written, err := t.conn.Write(data[:n])
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
		data = data[written:]
	}
	return nil
}

// Close closes the underlying connection. A caller cancels an in-flight
// Read/Write by calling Close from another goroutine.
func (t *Transport) Close() error {
	return t.conn.Close()
}
