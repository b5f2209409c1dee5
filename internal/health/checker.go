// Package health adapts the periodic health-check loop into a per-server
// IDENTIFY_SYSTEM probe: each configured backend is dialed, given a startup
// handshake, and asked IDENTIFY_SYSTEM on the interval below. The result is
// published as an atomic snapshot so the admin surface and the metrics
// collector can read it without blocking the probe goroutines.
package health

import (
	"context"
	"log/slog"
	"net"
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

// Status is a server's last-known health state.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ServerHealth is the published state for one server.
type ServerHealth struct {
	Status              Status
	LastCheck           time.Time
	ConsecutiveFailures int
	LastError           string
	Timeline            int32
	XlogPos             string
}

// snapshot is the immutable map published via atomic.Value, mirroring the
// config package's snapshot-behind-an-atomic-pointer pattern.
type snapshot map[string]ServerHealth

// Checker runs IDENTIFY_SYSTEM probes against every server in a
// config.Store's live snapshot on a fixed interval.
type Checker struct {
	store    *config.Store
	metrics  *metrics.Collector
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	failureThreshold int

	state atomic.Value // holds snapshot
	mu    sync.Mutex   // serializes publish during concurrent probes

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker builds a Checker over store's servers, probing every interval
// with timeout per probe. failureThreshold consecutive failures mark a
// server unhealthy.
func NewChecker(store *config.Store, m *metrics.Collector, logger *slog.Logger, interval, timeout time.Duration, failureThreshold int) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{
		store:            store,
		metrics:          m,
		logger:           logger,
		interval:         interval,
		timeout:          timeout,
		failureThreshold: failureThreshold,
		stopCh:           make(chan struct{}),
	}
	c.state.Store(snapshot{})
	return c
}

// Start begins the periodic probe loop.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	c.logger.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop halts the probe loop and waits for the in-flight round to finish.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.logger.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	servers := c.store.Load().Servers

	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, srv := range servers {
		srv := srv
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			timeline, xlogpos, err := c.probe(srv)
			elapsed := time.Since(start)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(srv.Name, elapsed, err == nil)
			}
			c.updateStatus(srv.Name, timeline, xlogpos, err)
		}()
	}
	wg.Wait()
}

// probe dials srv, performs the startup handshake, and runs IDENTIFY_SYSTEM,
// returning the reported timeline and current xlog position.
func (c *Checker) probe(srv config.Server) (int32, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	addr := net.JoinHostPort(srv.Host, itoa(srv.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(srv.Name, "connection_refused")
		}
		return 0, "", err
	}
	defer conn.Close()

	tr := transport.New(conn, transport.KindPlain)

	startup := wire.StartupMessage(wire.StartupOptions{User: srv.Username, Database: "postgres"})
	if err := tr.Write(startup); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(srv.Name, "write_error")
		}
		return 0, "", err
	}

	password, _ := passwordFor(c.store.Load(), srv.Username)
	if err := backendauth.Authenticate(tr, srv.Username, password); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(srv.Name, "auth_error")
		}
		return 0, "", err
	}

	identify := wire.IdentifySystem()
	resp, err := query.Execute(ctx, tr, identify, c.logger)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(srv.Name, "query_error")
		}
		return 0, "", err
	}
	return decodeIdentifySystem(resp)
}

// passwordFor looks up the configured password for username in m's user
// table. A probe against a trust-authenticated backend legitimately finds
// none; Authenticate only uses the password when the backend actually
// challenges for one.
func passwordFor(m *config.Main, username string) (string, bool) {
	for _, u := range m.Users {
		if u.Username == username {
			return u.Password, true
		}
	}
	return "", false
}

func decodeIdentifySystem(resp *query.Response) (int32, string, error) {
	var timeline int32
	var xlogpos string
	if len(resp.Tuples) == 0 {
		return 0, "", nil
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

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (c *Checker) updateStatus(name string, timeline int32, xlogpos string, probeErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.state.Load().(snapshot)
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}

	sh := next[name]
	sh.LastCheck = time.Now()
	sh.Timeline = timeline
	if xlogpos != "" {
		sh.XlogPos = xlogpos
	}

	if probeErr == nil {
		if sh.ConsecutiveFailures > 0 {
			c.logger.Info("server recovered", "server", name, "failures", sh.ConsecutiveFailures)
		}
		sh.Status = StatusHealthy
		sh.ConsecutiveFailures = 0
		sh.LastError = ""
	} else {
		sh.ConsecutiveFailures++
		sh.LastError = probeErr.Error()
		if sh.ConsecutiveFailures >= c.failureThreshold {
			if sh.Status != StatusUnhealthy {
				c.logger.Warn("server marked unhealthy", "server", name, "failures", sh.ConsecutiveFailures, "error", sh.LastError)
			}
			sh.Status = StatusUnhealthy
		}
	}

	next[name] = sh
	c.state.Store(next)

	if c.metrics != nil {
		c.metrics.SetServerHealth(name, sh.Status == StatusHealthy)
	}
}

// Get returns the last-known health for one server.
func (c *Checker) Get(name string) ServerHealth {
	cur := c.state.Load().(snapshot)
	sh, ok := cur[name]
	if !ok {
		return ServerHealth{Status: StatusUnknown}
	}
	return sh
}

// All returns the last-known health for every probed server.
func (c *Checker) All() map[string]ServerHealth {
	cur := c.state.Load().(snapshot)
	result := make(map[string]ServerHealth, len(cur))
	for k, v := range cur {
		result[k] = v
	}
	return result
}

// OverallHealthy reports whether every probed server is currently healthy.
func (c *Checker) OverallHealthy() bool {
	cur := c.state.Load().(snapshot)
	for _, sh := range cur {
		if sh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
