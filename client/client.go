// Package client sends log records to a running lgrd daemon.
package client

/*
A Client holds one persistent connection to the daemon socket. Every record
is sent as a single frame written in one call under the client mutex, so a
Client can be shared between goroutines.

Delivery model:
  - Connect dials and waits for the daemon status byte; a refused
    connection (client limit reached) is a KIND_CAPACITY error.
  - Each send has a write deadline. When the connection turns out to be
    dead the client reconnects exactly once and resends; a second failure
    is returned to the caller.
  - A frame cut short by a dead connection is never decoded by the daemon,
    so the resend cannot duplicate a record.

As in the daemon, methods suffixed with _with_err return the error; the
plain variants report it to the client fallback writer instead.
*/

import (
	"io"
	"net"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/abyssdigger/lgrd"
	"github.com/pkg/errors"
)

const (
	DEFAULT_TIMEOUT          = 2 * time.Second
	DEFAULT_MAX_MESSAGE_SIZE = 64 << 10

	TRUNCATION_MARKER = "...[truncated]"

	_ERROR_MESSAGE_CLIENT_CLOSED = "client is closed"
)

type Client struct {
	path     string
	timeout  time.Duration
	maxSize  int
	conn     net.Conn // nil after a failed send until the next reconnect
	closed   bool
	curLevel lgrd.LogLevel // used only for io.Writer usage
	fallbck  io.Writer
	mu       sync.Mutex
}

// Connect opens a connection to the daemon listening on socketPath. The
// timeout bounds the dial plus the status handshake and every later write;
// zero or negative selects DEFAULT_TIMEOUT.
func Connect(socketPath string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DEFAULT_TIMEOUT
	}
	c := &Client{
		path:     socketPath,
		timeout:  timeout,
		maxSize:  DEFAULT_MAX_MESSAGE_SIZE,
		curLevel: lgrd.LVL_INFO,
		fallbck:  os.Stderr,
	}
	if err := c.dial(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) dial() error {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return lgrd.NewError(lgrd.KIND_CONNECTION, "connect", err)
	}
	conn.SetReadDeadline(time.Now().Add(c.timeout))
	if err := lgrd.ReadStatus(conn); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})
	c.conn = conn
	return nil
}

// Sets the maximal payload size; longer messages are truncated. Values
// below the marker length are ignored.
func (c *Client) SetMaxMessageSize(size int) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size > len(TRUNCATION_MARKER) {
		c.maxSize = size
	}
	return c
}

// Sets the connect and write timeout used from now on.
func (c *Client) SetTimeout(timeout time.Duration) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout > 0 {
		c.timeout = timeout
	}
	return c
}

// Sets the fallback output used by the error-swallowing helpers, io.Discard
// is used instead of nil.
func (c *Client) SetFallback(f io.Writer) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f != nil {
		c.fallbck = f
	} else {
		c.fallbck = io.Discard
	}
	return c
}

// Close releases the connection. Further sends fail; closing twice is fine.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return lgrd.NewError(lgrd.KIND_CONNECTION, "close", err)
	}
	return nil
}

// Truncate cuts data to at most max bytes ending with TRUNCATION_MARKER.
// The cut never splits a UTF-8 sequence. Data within the limit is returned
// unchanged.
func Truncate(data []byte, max int) []byte {
	if len(data) <= max {
		return data
	}
	if max <= len(TRUNCATION_MARKER) {
		return []byte(TRUNCATION_MARKER[:max])
	}
	cut := max - len(TRUNCATION_MARKER)
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	out := make([]byte, 0, cut+len(TRUNCATION_MARKER))
	out = append(out, data[:cut]...)
	return append(out, TRUNCATION_MARKER...)
}

/////////////////////////////////////////////////////////////////////////////////////////

// LogBytes_with_err sends data at the given level. It returns the time the
// frame was handed to the socket, or an error:
//   - KIND_PROTOCOL for a level that cannot be sent,
//   - KIND_CONNECTION when the client is closed or the daemon is unreachable
//     even after one reconnect,
//   - KIND_CAPACITY when the reconnect was refused.
//
// An empty message is a successful no-op (zero time, nil error).
func (c *Client) LogBytes_with_err(level lgrd.LogLevel, data []byte) (t time.Time, err error) {
	if len(data) == 0 {
		return t, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	frame, err := lgrd.AppendFrame(nil, level, Truncate(data, c.maxSize))
	if err != nil {
		return t, err
	}
	if c.closed {
		return t, lgrd.NewError(lgrd.KIND_CONNECTION, "send", errors.New(_ERROR_MESSAGE_CLIENT_CLOSED))
	}
	if c.conn != nil {
		if err = c.send(frame); err == nil {
			return time.Now(), nil
		}
		c.dropConn()
	}
	// exactly one reconnect per call
	if err = c.dial(); err != nil {
		return t, err
	}
	if err = c.send(frame); err != nil {
		c.dropConn()
		return t, lgrd.NewError(lgrd.KIND_CONNECTION, "send", err)
	}
	return time.Now(), nil
}

func (c *Client) send(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err := c.conn.Write(frame)
	return err
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Same as LogBytes_with_err() but the error is written to the client
// fallback. Returns zero time on error.
func (c *Client) LogBytes(level lgrd.LogLevel, data []byte) time.Time {
	t, err := c.LogBytes_with_err(level, data)
	if err != nil {
		c.handleLogWriteError(err.Error())
	}
	return t
}

// Writes a string as log message at the provided level. Returns the send
// time or an error. Use Log() when no special error processing is needed.
func (c *Client) Log_with_err(level lgrd.LogLevel, s string) (time.Time, error) {
	return c.LogBytes_with_err(level, []byte(s))
}

// Writes a string as log message at the provided level. Returns the send
// time or zero value on error; the error goes to the client fallback.
func (c *Client) Log(level lgrd.LogLevel, s string) time.Time {
	return c.LogBytes(level, []byte(s))
}

func (c *Client) handleLogWriteError(errormsg string) {
	c.mu.Lock()
	f := c.fallbck
	c.mu.Unlock()
	if f != nil {
		f.Write([]byte("lgr: " + errormsg + "\n"))
	}
}

/////////////////////////////////////////////////////////////////////////////////////////
// Level helpers. Failures are forwarded to the client fallback writer.

func (c *Client) LogTrace(s string) time.Time {
	return c.LogBytes(lgrd.LVL_TRACE, []byte(s))
}

func (c *Client) LogDebug(s string) time.Time {
	return c.LogBytes(lgrd.LVL_DEBUG, []byte(s))
}

func (c *Client) LogInfo(s string) time.Time {
	return c.LogBytes(lgrd.LVL_INFO, []byte(s))
}

func (c *Client) LogWarn(s string) time.Time {
	return c.LogBytes(lgrd.LVL_WARN, []byte(s))
}

func (c *Client) LogError(s string) time.Time {
	return c.LogBytes(lgrd.LVL_ERROR, []byte(s))
}

// LogErr logs an error value at ERROR level, same as LogError(e.Error()).
func (c *Client) LogErr(e error) time.Time {
	return c.LogBytes(lgrd.LVL_ERROR, []byte(e.Error()))
}
