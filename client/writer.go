package client

/*
io.Writer implementation

Lvl(level) selects the level used by subsequent Write calls, which allows

	fmt.Fprintf(c.Lvl(lgrd.LVL_WARN), "disk low: %d%%", percent)

The current level is shared by all users of the Client, so concurrent
writers at different levels should call LogBytes_with_err directly.
*/

import (
	"bytes"

	"github.com/abyssdigger/lgrd"
)

// Lvl sets the level used by Write and returns the same client for
// chaining. Levels that cannot be sent are stored as LVL_UNKNOWN and make
// Write fail.
func (c *Client) Lvl(level lgrd.LogLevel) *Client {
	if !level.IsValid() {
		level = lgrd.LVL_UNKNOWN
	}
	c.mu.Lock()
	c.curLevel = level
	c.mu.Unlock()
	return c
}

// Write implements io.Writer. p is sent as one record at the current level;
// a single trailing newline is dropped since every record is one line
// anyway. On success n == len(p).
func (c *Client) Write(p []byte) (n int, err error) {
	if p == nil {
		return 0, nil
	}
	c.mu.Lock()
	level := c.curLevel
	c.mu.Unlock()
	_, err = c.LogBytes_with_err(level, bytes.TrimSuffix(p, []byte{'\n'}))
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
