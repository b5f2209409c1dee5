package health

import (
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/pgvictoria/pgvictoria/internal/config"
	"github.com/pgvictoria/pgvictoria/internal/metrics"
)

func testStore(t *testing.T, servers ...config.Server) *config.Store {
	t.Helper()
	m := &config.Main{Common: config.Common{Servers: servers}}
	return config.NewStore(m)
}

// fakePostgres accepts one connection, reads the startup message, then
// replies with a fixed IDENTIFY_SYSTEM response so the probe exercises the
// whole read/write/decode path over a real TCP socket.
func fakePostgres(t *testing.T, identifyRow [][]byte, names []string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 512)
		conn.Read(buf) // consume startup message

		write := func(kind byte, body []byte) {
			msg := append([]byte{kind}, i32be(int32(len(body)+4))...)
			msg = append(msg, body...)
			conn.Write(msg)
		}

		write('R', i32be(0)) // AuthenticationOk

		rd := []byte{}
		rd = append(rd, i16be(int16(len(names)))...)
		for _, n := range names {
			rd = append(rd, []byte(n)...)
			rd = append(rd, 0)
			rd = append(rd, make([]byte, 18)...)
		}
		write('T', rd)

		dr := i16be(int16(len(identifyRow)))
		for _, v := range identifyRow {
			dr = append(dr, i32be(int32(len(v)))...)
			dr = append(dr, v...)
		}
		write('D', dr)
		write('C', append([]byte("IDENTIFY_SYSTEM"), 0))
		write('Z', []byte{'I'})
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func i32be(v int32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
func i16be(v int16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

func TestCheckerProbeHealthy(t *testing.T) {
	addr := fakePostgres(t, [][]byte{[]byte("0"), []byte("0/16B9D50")}, []string{"timeline", "xlogpos"})
	host, port := splitAddr(t, addr)
	srv := config.Server{Name: "primary", Host: host, Port: port, Username: "pgvictoria"}

	store := testStore(t, srv)
	m := metrics.New()
	c := NewChecker(store, m, slog.New(slog.NewTextHandler(os.Stderr, nil)), time.Hour, 2*time.Second, 3)

	c.checkAll()

	sh := c.Get("primary")
	if sh.Status != StatusHealthy {
		t.Fatalf("status = %v, want healthy: %+v", sh.Status, sh)
	}
	if sh.XlogPos != "0/16B9D50" {
		t.Errorf("xlogpos = %q", sh.XlogPos)
	}
}

func TestCheckerProbeUnreachable(t *testing.T) {
	srv := config.Server{Name: "down", Host: "127.0.0.1", Port: 1, Username: "pgvictoria"}
	store := testStore(t, srv)
	c := NewChecker(store, nil, nil, time.Hour, 200*time.Millisecond, 1)

	c.checkAll()

	sh := c.Get("down")
	if sh.Status != StatusUnhealthy {
		t.Fatalf("status = %v, want unhealthy", sh.Status)
	}
	if sh.LastError == "" {
		t.Error("expected LastError to be set")
	}
}

func TestCheckerUnknownServerIsUnknown(t *testing.T) {
	store := testStore(t)
	c := NewChecker(store, nil, nil, time.Hour, time.Second, 1)

	sh := c.Get("nonexistent")
	if sh.Status != StatusUnknown {
		t.Fatalf("status = %v, want unknown", sh.Status)
	}
	if !c.OverallHealthy() {
		t.Error("no probed servers means vacuously healthy")
	}
}
