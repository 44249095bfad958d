// Package lifecycle runs the periodic connection-health jobs and graceful
// shutdown orchestration described in spec §4.9 and §4.11: a cron-driven
// ping-inactive / prune-stale scan, and a bounded drain on process
// shutdown. Grounded on the teacher's plugin scheduler
// (streamspace-dev-streamspace's internal/plugins PluginScheduler), which
// wraps a single shared cron.Cron instance behind a small named-job API.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomnagengast/revurb/internal/conn"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/logging"
	"github.com/tomnagengast/revurb/internal/protocol"
	"github.com/tomnagengast/revurb/internal/registry"
)

// Scanner periodically sweeps every live connection, pinging ones that have
// gone quiet and pruning ones that never answered a ping (spec §4.9).
type Scanner struct {
	cron        *cron.Cron
	connections *registry.Connections
	managers    *dispatch.ManagerRegistry
	logger      logging.Logger
	entryID     cron.EntryID
}

// NewScanner builds a Scanner over connections/managers. The cron cadence
// is set later by Start's interval argument.
func NewScanner(connections *registry.Connections, managers *dispatch.ManagerRegistry, logger logging.Logger) *Scanner {
	return &Scanner{
		cron:        cron.New(),
		connections: connections,
		managers:    managers,
		logger:      logger,
	}
}

// Start schedules the scan at the given interval (expressed as a Go
// duration, converted to a "@every" cron spec) and starts the underlying
// cron scheduler.
func (s *Scanner) Start(interval time.Duration) error {
	spec := "@every " + interval.String()
	id, err := s.cron.AddFunc(spec, s.scan)
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop halts the scanner and waits for any in-flight scan to finish.
func (s *Scanner) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// scan is the job body: ping every INACTIVE connection, prune every STALE
// one. Wrapped with panic recovery by the caller of AddFunc would be
// redundant here since a single connection's state computation cannot
// panic, but a misbehaving Send implementation in a future transport could,
// so each connection is handled independently.
func (s *Scanner) scan() {
	for _, c := range s.connections.All() {
		func() {
			defer func() {
				if r := recover(); r != nil && s.logger != nil {
					s.logger.Error(fmt.Errorf("lifecycle scan panic: %v", r), "connection_id", c.ID)
				}
			}()
			s.handle(c)
		}()
	}
}

func (s *Scanner) handle(c *conn.Connection) {
	switch c.State() {
	case conn.Inactive:
		if c.UsesControlFrames() {
			return
		}
		c.MarkPinged()
		c.Send(protocol.PingFrame())
	case conn.Stale:
		if s.logger != nil {
			s.logger.Debug("pruning stale connection", "connection_id", c.ID, "app_id", c.App.ID)
		}
		s.managers.For(c.App).UnsubscribeFromAll(c)
		c.Close(protocol.ErrPongTimeout, "pong not received in time")
	}
}

// Shutdown orchestrates a graceful drain (spec §4.11): every live
// connection is told the server is going away and given up to drain for
// the connection to observe the close before the process exits.
type Shutdown struct {
	connections *registry.Connections
	drain       time.Duration
	logger      logging.Logger
}

// NewShutdown builds a Shutdown orchestrator. drain bounds how long Run
// waits for connections to actually close after being notified.
func NewShutdown(connections *registry.Connections, drain time.Duration, logger logging.Logger) *Shutdown {
	return &Shutdown{connections: connections, drain: drain, logger: logger}
}

// Run sends every live connection a generic shutdown error frame and closes
// it, then waits up to the configured drain interval for writer goroutines
// to flush and sockets to actually terminate.
func (sd *Shutdown) Run() {
	conns := sd.connections.All()
	if sd.logger != nil {
		sd.logger.Info("draining connections for shutdown", "count", len(conns))
	}

	for _, c := range conns {
		c.Send(protocol.ErrorFrame(protocol.ErrGeneric, "server is shutting down"))
		c.Close(protocol.ErrGeneric, "server is shutting down")
	}

	// Done fires as soon as Close returns, so it cannot show that a socket
	// is gone; wsserver's receive loop removes each connection from the
	// registry when it exits, so wait for the registry to empty instead.
	deadline := time.Now().Add(sd.drain)
	for len(sd.connections.All()) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
