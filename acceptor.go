package lgrd

/*
Connection acceptor. Listens on the unix socket, admits up to max_clients
connections and runs one handler goroutine per connection. A handler
decodes frames, drops records below the minimal level and pushes the rest
into the ingestion queue, so records of one connection keep their send
order. A malformed frame closes that connection only.

Every accepted connection gets a one-byte status first: STATUS_ACCEPTED,
or STATUS_REFUSED followed by close when the cap is reached.
*/

import (
	"bufio"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	_STALE_PROBE_TIMEOUT = 200 * time.Millisecond
	_ACCEPT_RETRY_DELAY  = 50 * time.Millisecond
	_STATUS_WRITE_WAIT   = time.Second
)

type acceptor struct {
	listener  net.Listener
	slots     *semaphore.Weighted
	queue     *ingestQueue
	clock     clock.Clock
	stats     *Stats
	log       logrus.FieldLogger
	minLevel  LogLevel
	maxFrame  int
	tagPeers  bool
	limit     int
	serveDone chan struct{}

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closing  bool
	handlers sync.WaitGroup
}

// listenUnix binds the daemon socket. A socket file left by a dead daemon is
// removed first; a socket that still answers is reported as in use.
func listenUnix(path string, mode os.FileMode) (net.Listener, error) {
	if _, err := os.Lstat(path); err == nil {
		if c, err := net.DialTimeout("unix", path, _STALE_PROBE_TIMEOUT); err == nil {
			c.Close()
			return nil, NewError(KIND_CONFIG, "listen", errors.Errorf("%s: %s", _ERROR_MESSAGE_SOCKET_IN_USE, path))
		}
		if err := os.Remove(path); err != nil {
			return nil, NewError(KIND_CONFIG, "listen", errors.Wrap(err, "removing stale socket"))
		}
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, NewError(KIND_CONFIG, "listen", err)
	}
	if err := os.Chmod(path, mode); err != nil {
		l.Close()
		return nil, NewError(KIND_CONFIG, "listen", errors.Wrap(err, "setting socket mode"))
	}
	return l, nil
}

func newAcceptor(l net.Listener, cfg *Config, q *ingestQueue, clk clock.Clock, stats *Stats, log logrus.FieldLogger) *acceptor {
	return &acceptor{
		listener:  l,
		slots:     semaphore.NewWeighted(int64(cfg.MaxClients)),
		queue:     q,
		clock:     clk,
		stats:     stats,
		log:       log,
		minLevel:  cfg.MinLogLevel,
		maxFrame:  int(cfg.MaxFrameSize),
		tagPeers:  cfg.TagPeers,
		limit:     cfg.MaxClients,
		serveDone: make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// serve accepts connections until the listener is closed.
func (a *acceptor) serve() {
	defer close(a.serveDone)
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.WithError(err).Warn("accept failed")
			time.Sleep(_ACCEPT_RETRY_DELAY)
			continue
		}
		if !a.slots.TryAcquire(1) {
			a.refuse(conn)
			continue
		}
		if !a.track(conn) {
			a.slots.Release(1)
			conn.Close()
			continue
		}
		a.stats.accepted.Add(1)
		a.stats.active.Add(1)
		go a.handle(conn)
	}
}

func (a *acceptor) refuse(conn net.Conn) {
	a.stats.refused.Add(1)
	a.log.WithField("limit", a.limit).Warn("connection refused: client limit reached")
	conn.SetWriteDeadline(time.Now().Add(_STATUS_WRITE_WAIT))
	WriteStatus(conn, STATUS_REFUSED)
	conn.Close()
}

// track registers a connection and its handler unless shutdown has begun.
func (a *acceptor) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return false
	}
	a.conns[conn] = struct{}{}
	a.handlers.Add(1)
	return true
}

func (a *acceptor) untrack(conn net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, conn)
}

// handle runs the decode loop of one connection.
func (a *acceptor) handle(conn net.Conn) {
	defer func() {
		a.untrack(conn)
		conn.Close()
		a.slots.Release(1)
		a.stats.active.Add(-1)
		a.handlers.Done()
	}()
	if err := WriteStatus(conn, STATUS_ACCEPTED); err != nil {
		a.log.WithError(err).Debug("client went away before handshake")
		return
	}
	source := ""
	if a.tagPeers {
		source = peerTag(conn)
	}
	log := a.log.WithField("peer", source)
	r := bufio.NewReaderSize(conn, DEFAULT_READ_BUFF)
	for {
		level, payload, err := ReadFrame(r, a.maxFrame)
		if err != nil {
			switch {
			case err == io.EOF:
				log.Debug("client disconnected")
			case errors.Is(err, ErrProtocol):
				a.stats.protocolErrors.Add(1)
				log.WithError(err).Warn("closing connection on malformed frame")
			default:
				log.WithError(err).Debug("connection closed")
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		a.stats.received.Add(1)
		if level < a.minLevel {
			a.stats.filtered.Add(1)
			continue
		}
		rec := &LogRecord{
			level:   level,
			stamp:   a.clock.Now(),
			message: SanitizePayload(payload),
			source:  source,
		}
		if err := a.queue.push(rec); err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			log.WithError(err).Debug("record dropped")
		}
	}
}

// shutdown stops accepting, lets handlers drain what their clients already
// sent for at most timeout, then closes the remaining connections.
func (a *acceptor) shutdown(timeout time.Duration) {
	a.listener.Close()
	<-a.serveDone

	deadline := time.Now().Add(timeout)
	a.mu.Lock()
	a.closing = true
	for conn := range a.conns {
		if uc, ok := conn.(*net.UnixConn); ok {
			// buffered frames stay readable, then the handler sees EOF
			uc.CloseRead()
		}
		conn.SetReadDeadline(deadline)
	}
	a.mu.Unlock()

	if waitTimeout(&a.handlers, timeout) {
		return
	}
	a.mu.Lock()
	a.log.WithField("connections", len(a.conns)).Warn("closing connections still open after shutdown timeout")
	for conn := range a.conns {
		conn.Close()
	}
	a.mu.Unlock()
	a.handlers.Wait()
}

// waitTimeout waits for wg and reports whether it finished in time.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
