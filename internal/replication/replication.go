// Package replication drives the physical-replication client flow end to
// end against one backend server: IDENTIFY_SYSTEM, a READ_REPLICATION_SLOT
// check when a slot is configured (TIMELINE_HISTORY is not issued),
// START_REPLICATION, and
// then the CopyData streaming loop that tracks the highest LSN seen and
// acknowledges it with periodic standby status updates.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgvictoria/pgvictoria/internal/backendauth"
	"github.com/pgvictoria/pgvictoria/internal/config"
	"github.com/pgvictoria/pgvictoria/internal/metrics"
	"github.com/pgvictoria/pgvictoria/internal/query"
	"github.com/pgvictoria/pgvictoria/internal/transport"
	"github.com/pgvictoria/pgvictoria/internal/wire"
)

// Slot names the replication slot a Supervisor validates before streaming;
// empty means no slot (temporary physical replication).
type Options struct {
	Slot string
}

// Supervisor streams physical replication from one configured server,
// publishing the highest LSN observed and periodically sending standby
// status updates per the config store's standby_status_interval.
type Supervisor struct {
	server  config.Server
	store   *config.Store
	metrics *metrics.Collector
	logger  *slog.Logger
	opts    Options

	receivedLSN int64 // atomic, holds the packed LSN
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New creates a Supervisor for server. The store is consulted on every
// iteration of the status-update ticker for a hot-reloaded interval.
func New(server config.Server, store *config.Store, m *metrics.Collector, logger *slog.Logger, opts Options) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		server:  server,
		store:   store,
		metrics: m,
		logger:  logger,
		opts:    opts,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the supervisor loop in the background. It reconnects with
// backoff on any failure rather than giving up — a backend dropping a
// replication connection is routine, not a supervisor error.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Stop halts the supervisor and waits for the current connection attempt
// to unwind.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Supervisor) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.streamOnce(); err != nil {
			s.logger.Warn("replication stream ended", "server", s.server.Name, "err", err)
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// streamOnce dials the server, authenticates, runs IDENTIFY_SYSTEM and, when
// a slot is configured, READ_REPLICATION_SLOT, issues START_REPLICATION, and then loops
// on CopyData until the connection fails or Stop is called.
func (s *Supervisor) streamOnce() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	srv := s.server
	addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	tr := transport.New(conn, transport.KindPlain)
	startup := wire.StartupMessage(wire.StartupOptions{User: srv.Username, Database: "postgres", Replication: true})
	if err := tr.Write(startup); err != nil {
		return fmt.Errorf("write startup: %w", err)
	}

	password, _ := passwordFor(s.store.Load(), srv.Username)
	if err := backendauth.Authenticate(tr, srv.Username, password); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	timeline, xlogpos, err := s.identifySystem(ctx, tr)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	s.logger.Info("identified system", "server", srv.Name, "timeline", timeline, "xlogpos", xlogpos)

	if s.opts.Slot != "" {
		if _, err := query.Execute(ctx, tr, wire.ReadReplicationSlot(s.opts.Slot), s.logger); err != nil {
			if _, ok := err.(*query.BackendError); !ok {
				return fmt.Errorf("read replication slot: %w", err)
			}
			s.logger.Warn("replication slot check failed", "server", srv.Name, "slot", s.opts.Slot, "err", err)
		}
	}

	startLSN, ok := parseLSN(xlogpos)
	if !ok {
		return fmt.Errorf("malformed xlogpos %q", xlogpos)
	}
	atomic.StoreInt64(&s.receivedLSN, startLSN)

	startCmd := wire.StartReplication(wire.StartReplicationOptions{Slot: s.opts.Slot, XLogPos: xlogpos, Timeline: int(timeline)})
	if err := tr.Write(startCmd); err != nil {
		return fmt.Errorf("write start_replication: %w", err)
	}

	return s.copyLoop(ctx, tr)
}

// identifySystem runs IDENTIFY_SYSTEM and extracts the timeline and current
// xlog position columns, the same decoding the health checker performs.
func (s *Supervisor) identifySystem(ctx context.Context, tr *transport.Transport) (int32, string, error) {
	resp, err := query.Execute(ctx, tr, wire.IdentifySystem(), s.logger)
	if err != nil {
		return 0, "", err
	}
	var timeline int32
	var xlogpos string
	if len(resp.Tuples) == 0 {
		return 0, "", fmt.Errorf("empty IDENTIFY_SYSTEM response")
	}
	for i, name := range resp.Names {
		switch name {
		case "timeline":
			timeline = parseInt32(resp.Tuples[0].Columns[i])
		case "xlogpos":
			xlogpos = string(resp.Tuples[0].Columns[i])
		}
	}
	return timeline, xlogpos, nil
}

// copyLoop reads CopyData frames until the connection fails, tracking the
// highest LSN and sending a standby status update on the configured
// interval or immediately on a keepalive request.
func (s *Supervisor) copyLoop(ctx context.Context, tr *transport.Transport) error {
	interval := s.store.Load().StandbyStatusInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var acc []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if iv := s.store.Load().StandbyStatusInterval; iv > 0 && iv != interval {
				interval = iv
				ticker.Reset(interval)
			}
			s.sendStandbyStatus(tr)
		default:
		}

		res := tr.Read(true, 200*time.Millisecond)
		switch res.Status {
		case transport.StatusZero:
			continue
		case transport.StatusError:
			return res.Err
		case transport.StatusOK:
			acc = append(acc, res.Chunk.Data...)
		}

		for {
			frame, n, err := wire.ExtractFrame(acc, 0)
			if err != nil {
				break
			}
			acc = acc[n:]
			if err := s.handleFrame(tr, frame); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) handleFrame(tr *transport.Transport, frame *wire.Frame) error {
	switch frame.Kind {
	case wire.TagCopyData:
		return s.handleCopyData(tr, frame.Data)
	case wire.TagErrorResponse:
		fields := wire.ParseErrorFields(frame.Data)
		return fmt.Errorf("backend error [%s]: %s", fields.SQLState, fields.Message)
	default:
		return nil
	}
}

// handleCopyData distinguishes WAL data ('w') from a keepalive ('k');
// a keepalive with the reply-requested byte set triggers an
// immediate standby status update instead of waiting for the ticker.
func (s *Supervisor) handleCopyData(tr *transport.Transport, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	switch payload[0] {
	case 'w':
		if len(payload) < 25 {
			return nil
		}
		startLSN, err := wire.ReadI64(payload[1:9])
		if err != nil {
			return nil
		}
		walLen := int64(len(payload) - 25)
		end := startLSN + walLen
		atomic.StoreInt64(&s.receivedLSN, end)
		if s.metrics != nil {
			s.metrics.SetReplicationLag(s.server.Name, 0)
		}
	case 'k':
		if len(payload) < 18 {
			return nil
		}
		replyRequested := payload[17] != 0
		if replyRequested {
			s.sendStandbyStatus(tr)
		}
	}
	return nil
}

func (s *Supervisor) sendStandbyStatus(tr *transport.Transport) {
	lsn := atomic.LoadInt64(&s.receivedLSN)
	msg := wire.StandbyStatusUpdate(lsn, lsn, lsn, time.Now().UnixMicro(), false)
	if err := tr.Write(msg); err != nil {
		s.logger.Warn("failed to send standby status update", "server", s.server.Name, "err", err)
		return
	}
	if s.metrics != nil {
		s.metrics.StandbyStatusSent(s.server.Name)
	}
}

// LastLSN returns the highest LSN this supervisor has observed, for
// diagnostics and the admin status surface.
func (s *Supervisor) LastLSN() int64 {
	return atomic.LoadInt64(&s.receivedLSN)
}

func passwordFor(m *config.Main, username string) (string, bool) {
	for _, u := range m.Users {
		if u.Username == username {
			return u.Password, true
		}
	}
	return "", false
}

// parseLSN parses a "X/Y" hex log sequence number into a single uint64-sized
// offset packed as (X<<32 | Y).
func parseLSN(s string) (int64, bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hi, err1 := strconv.ParseUint(parts[0], 16, 32)
	lo, err2 := strconv.ParseUint(parts[1], 16, 32)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return int64(hi<<32 | lo), true
}

func parseInt32(b []byte) int32 {
	var n int32
	for _, c := range b {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int32(c-'0')
	}
	return n
}
