// Package lgrd is a local logging daemon: many clients send framed records
// over a unix socket, a single writer goroutine buffers them and appends
// them to a size-rotated set of log files.
package lgrd

/*
A Daemon owns every component of one daemon instance: configuration,
ingestion queue, acceptor, buffer manager, rotator, counters and fallback
writer. Nothing lives in package globals, so several daemons can run in
the same process (tests do).

Lifecycle mirrors a logger: New() -> Start() -> Stop()/Wait().

	d, err := lgrd.New(cfg)
	if err != nil { ... }
	if err := d.Start(); err != nil { ... }
	defer d.StopAndWait()
*/

import (
	"context"
	"io"
	"os"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Daemon struct {
	cfg      Config
	state    daemonState
	queue    *ingestQueue
	acceptor *acceptor
	buffer   *bufferManager
	rotator  *rotator
	stats    Stats
	registry *prometheus.Registry
	clock    clock.Clock
	log      logrus.FieldLogger
	fallbck  io.Writer
	sync     struct {
		statMtx sync.RWMutex   // daemon state
		fbckMtx sync.RWMutex   // fallback writer
		waitEnd sync.WaitGroup // writer goroutine and accept loop
	}
}

// New validates cfg and returns a stopped daemon using the real clock,
// a stderr logger and os.Stderr as fallback.
func New(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:   cfg,
		state: _STATE_STOPPED,
		clock: clock.NewClock(),
	}
	d.registry = newRegistry(&d.stats, d.queueLength)
	d.SetLogger(nil)
	d.SetFallback(os.Stderr)
	return d, nil
}

// SetLogger sets the diagnostics logger; nil restores a logrus logger
// writing to stderr. Takes effect on the next Start.
func (d *Daemon) SetLogger(log logrus.FieldLogger) *Daemon {
	if log == nil {
		log = logrus.New()
	}
	d.log = log
	return d
}

// Sets the fallback output used to report write and rotation failures,
// io.Discard is used instead of nil.
//
// The operation is protected by mutex for thread safety.
func (d *Daemon) SetFallback(f io.Writer) *Daemon {
	d.sync.fbckMtx.Lock()
	defer d.sync.fbckMtx.Unlock()
	if f != nil {
		d.fallbck = f
	} else {
		d.fallbck = io.Discard
	}
	return d
}

// SetClock replaces the time source (timestamps, flush timer, enqueue
// timeout). Must be called before Start.
func (d *Daemon) SetClock(c clock.Clock) *Daemon {
	if c != nil {
		d.clock = c
	}
	return d
}

// Start opens the log file, binds the socket and launches the writer
// goroutine and the accept loop. Any failure is returned and leaves the
// daemon stopped.
func (d *Daemon) Start() error {
	d.sync.statMtx.Lock()
	defer d.sync.statMtx.Unlock()
	if d.state != _STATE_STOPPED {
		return errors.New(_ERROR_MESSAGE_DAEMON_STARTED)
	}
	cfg := &d.cfg
	rot := newRotator(cfg, &d.stats, d.log)
	if err := rot.ensureOpen(); err != nil {
		return NewError(KIND_CONFIG, "start", err)
	}
	l, err := listenUnix(cfg.SocketPath, cfg.SocketMode.Perm())
	if err != nil {
		rot.closeFile()
		return err
	}
	d.rotator = rot
	d.queue = newIngestQueue(cfg.QueueSize, cfg.EnqueueTimeout.Duration, d.clock, &d.stats)
	d.buffer = newBufferManager(cfg, rot, d.clock, &d.stats, d.log, d.handleLogWriteError)
	d.acceptor = newAcceptor(l, cfg, d.queue, d.clock, &d.stats, d.log)
	d.sync.waitEnd.Go(d.procced)
	d.sync.waitEnd.Go(d.acceptor.serve)
	d.state = _STATE_ACTIVE
	d.log.WithFields(logrus.Fields{
		"socket":   cfg.SocketPath,
		"file":     cfg.LogPath,
		"max_size": cfg.MaxFileSize.Human(),
		"keep":     cfg.MaxFileCount,
		"buffer":   cfg.BufferSize.Human(),
		"interval": cfg.FlushInterval.Duration,
	}).Info("daemon started")
	return nil
}

// Stop shuts the daemon down: the socket stops accepting, connection
// handlers get shutdown_timeout to drain, then the queue is closed. The
// writer goroutine flushes what is left and closes the log file; use Wait
// (or StopAndWait) to wait for it. Stop on a daemon that is not active does
// nothing.
func (d *Daemon) Stop() {
	d.sync.statMtx.Lock()
	if d.state != _STATE_ACTIVE {
		d.sync.statMtx.Unlock()
		return
	}
	d.state = _STATE_STOPPING
	d.sync.statMtx.Unlock()

	d.log.Info("daemon stopping")
	d.acceptor.shutdown(d.cfg.ShutdownTimeout.Duration)
	d.queue.close()
}

// Wait blocks until the writer goroutine and the accept loop have finished.
func (d *Daemon) Wait() {
	d.sync.waitEnd.Wait()
}

// A convenience to Stop() and then Wait() for completion.
func (d *Daemon) StopAndWait() {
	d.Stop()
	d.Wait()
	d.log.WithFields(d.statsFields()).Info("daemon stopped")
}

// Flush writes every record received before the call and returns once it
// is on disk (or the write failed for good).
func (d *Daemon) Flush(ctx context.Context) error {
	return d.runCommand(ctx, _CMD_FLUSH)
}

// Reopen flushes and reopens the active log file, e.g. after an external
// tool moved it away.
func (d *Daemon) Reopen(ctx context.Context) error {
	return d.runCommand(ctx, _CMD_REOPEN)
}

func (d *Daemon) runCommand(ctx context.Context, cmd cmdType) error {
	d.sync.statMtx.RLock()
	q, active := d.queue, d.state == _STATE_ACTIVE
	d.sync.statMtx.RUnlock()
	if !active {
		return errors.New(_ERROR_MESSAGE_DAEMON_INACTIVE)
	}
	return q.command(ctx, cmd)
}

// True if the daemon accepts connections.
func (d *Daemon) IsActive() bool {
	d.sync.statMtx.RLock()
	defer d.sync.statMtx.RUnlock()
	return d.state == _STATE_ACTIVE
}

func (d *Daemon) setState(newstate daemonState) {
	d.sync.statMtx.Lock()
	defer d.sync.statMtx.Unlock()
	d.state = normState(newstate)
}

func (d *Daemon) Stats() StatsSnapshot { return d.stats.Snapshot() }

// Registry exposes the daemon metrics for a promhttp handler.
func (d *Daemon) Registry() *prometheus.Registry { return d.registry }

func (d *Daemon) Config() Config { return d.cfg }

func (d *Daemon) queueLength() int {
	d.sync.statMtx.RLock()
	defer d.sync.statMtx.RUnlock()
	if d.queue == nil {
		return 0
	}
	return d.queue.length()
}

func (d *Daemon) statsFields() logrus.Fields {
	s := d.Stats()
	return logrus.Fields{
		"received":  s.Received,
		"written":   s.Written,
		"dropped":   s.Dropped,
		"discarded": s.Discarded,
		"rotations": s.Rotations,
	}
}
