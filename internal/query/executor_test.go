package query

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pgvictoria/pgvictoria/internal/transport"
	"github.com/pgvictoria/pgvictoria/internal/wire"
)

func writeFrame(t *testing.T, conn net.Conn, f *wire.Frame) {
	t.Helper()
	if _, err := conn.Write(f.Encode()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func rowDescriptionFrame(names ...string) *wire.Frame {
	body := wire.WriteI16(nil, int16(len(names)))
	for _, n := range names {
		body = wire.WriteString(body, n)
		body = wire.WriteI32(body, 0)
		body = wire.WriteI16(body, 0)
		body = wire.WriteI32(body, 23)
		body = wire.WriteI16(body, -1)
		body = wire.WriteI32(body, -1)
		body = wire.WriteI16(body, 0)
	}
	return &wire.Frame{Kind: wire.TagRowDescription, Length: int32(len(body) + 4), Data: body}
}

func dataRowFrame(values ...string) *wire.Frame {
	body := wire.WriteI16(nil, int16(len(values)))
	for _, v := range values {
		body = wire.WriteI32(body, int32(len(v)))
		body = append(body, v...)
	}
	return &wire.Frame{Kind: wire.TagDataRow, Length: int32(len(body) + 4), Data: body}
}

func commandCompleteFrame(tag string) *wire.Frame {
	body := wire.WriteString(nil, tag)
	return &wire.Frame{Kind: wire.TagCommandComplete, Length: int32(len(body) + 4), Data: body}
}

func readyForQueryFrame() *wire.Frame {
	return &wire.Frame{Kind: wire.TagReadyForQuery, Length: 5, Data: []byte{'I'}}
}

// S4: happy path.
func TestExecuteHappyPath(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 256)
		server.Read(buf) // consume the Query message
		writeFrame(t, server, rowDescriptionFrame("?column?"))
		writeFrame(t, server, dataRowFrame("1"))
		writeFrame(t, server, commandCompleteFrame("SELECT 1"))
		writeFrame(t, server, readyForQueryFrame())
	}()

	tr := transport.New(client, transport.KindPlain)
	q, err := wire.Query("SELECT 1;")
	if err != nil {
		t.Fatal(err)
	}

	resp, err := Execute(context.Background(), tr, q, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.NumberOfColumns != 1 || resp.Names[0] != "?column?" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Tuples) != 1 || !bytes.Equal(resp.Tuples[0].Columns[0], []byte("1")) {
		t.Fatalf("tuples = %+v", resp.Tuples)
	}
	if resp.IsCommandComplete {
		t.Fatal("row response must not be marked command-complete")
	}
}

// S5: error path.
func TestExecuteErrorPath(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 256)
		server.Read(buf)
		writeFrame(t, server, wire.ErrorResponse(wire.ErrorFields{
			Severity: "ERROR", SeverityNonLocalized: "ERROR",
			SQLState: "42601", Message: "syntax error",
		}))
		writeFrame(t, server, readyForQueryFrame())
	}()

	tr := transport.New(client, transport.KindPlain)
	q, _ := wire.Query("SELEC 1;")

	_, err := Execute(context.Background(), tr, q, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	be, ok := err.(*BackendError)
	if !ok {
		t.Fatalf("expected *BackendError, got %T: %v", err, err)
	}
	if be.SQLState != "42601" || be.Message != "syntax error" {
		t.Fatalf("got %+v", be)
	}
}

func TestExecuteCommandCompleteOnly(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 256)
		server.Read(buf)
		writeFrame(t, server, commandCompleteFrame("INSERT 0 1"))
		writeFrame(t, server, readyForQueryFrame())
	}()

	tr := transport.New(client, transport.KindPlain)
	q, _ := wire.Query("INSERT INTO t VALUES (1);")

	resp, err := Execute(context.Background(), tr, q, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.IsCommandComplete || resp.CommandTag != "INSERT 0 1" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestExecuteProtocolErrorWithoutTCE(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 256)
		server.Read(buf)
		writeFrame(t, server, readyForQueryFrame())
	}()

	tr := transport.New(client, transport.KindPlain)
	q, _ := wire.Query("SELECT 1;")

	_, err := Execute(context.Background(), tr, q, nil)
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestExecuteContextCancellation(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 256)
		server.Read(buf)
		// never reply
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tr := transport.New(client, transport.KindPlain)
	q, _ := wire.Query("SELECT 1;")

	_, err := Execute(ctx, tr, q, nil)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
