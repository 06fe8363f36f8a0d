package lgrd

/*
buffer.go

The writer goroutine and the buffer manager it owns. The writer goroutine is
the only consumer of the ingestion queue; it formats records into one
contiguous buffer and decides when that buffer goes to disk:
  - when the buffered bytes reach buffer_size
  - when flush_interval has passed since the last flush
  - on an explicit flush command and at shutdown

The flush timer is only armed while the buffer holds data, so an idle daemon
sleeps on the queue alone.
*/

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type bufferManager struct {
	data       []byte // formatted records, back to back
	ends       []int  // end offset of every record in data
	limit      int
	initCap    int
	interval   time.Duration
	timeFormat string
	retries    int
	retryDelay time.Duration
	lastFlush  time.Time
	timer      clock.Timer // nil while the buffer is empty
	clock      clock.Clock
	rot        *rotator
	stats      *Stats
	log        logrus.FieldLogger
	report     func(msg string) // fallback channel
}

func newBufferManager(cfg *Config, rot *rotator, clk clock.Clock, stats *Stats, log logrus.FieldLogger, report func(string)) *bufferManager {
	initCap := min(int(cfg.BufferSize), _INITIAL_BUFF)
	return &bufferManager{
		data:       make([]byte, 0, initCap),
		limit:      int(cfg.BufferSize),
		initCap:    initCap,
		interval:   cfg.FlushInterval.Duration,
		timeFormat: cfg.TimeFormat,
		retries:    cfg.WriteRetries,
		retryDelay: cfg.RetryBackoff.Duration,
		lastFlush:  clk.Now(),
		clock:      clk,
		rot:        rot,
		stats:      stats,
		log:        log,
		report:     report,
	}
}

// appendRecord formats rec as one log line:
//
//	[timestamp] [LEVEL] message
//	[timestamp] [LEVEL] [source] message
func appendRecord(dst []byte, rec *LogRecord, layout string) []byte {
	dst = append(dst, '[')
	dst = rec.stamp.AppendFormat(dst, layout)
	dst = append(dst, "] ["...)
	dst = append(dst, LevelFullNames[normLevel(rec.level)]...)
	dst = append(dst, "] "...)
	if rec.source != "" {
		dst = append(dst, '[')
		dst = append(dst, rec.source...)
		dst = append(dst, "] "...)
	}
	dst = append(dst, rec.message...)
	return append(dst, '\n')
}

func (b *bufferManager) add(rec *LogRecord) {
	b.data = appendRecord(b.data, rec, b.timeFormat)
	b.ends = append(b.ends, len(b.data))
	if len(b.ends) == 1 {
		b.armTimer()
	}
}

func (b *bufferManager) full() bool { return len(b.data) >= b.limit }

func (b *bufferManager) empty() bool { return len(b.ends) == 0 }

// armTimer schedules the interval flush for what is left of the interval
// since the previous flush.
func (b *bufferManager) armTimer() {
	if b.timer != nil {
		return
	}
	wait := b.interval - b.clock.Since(b.lastFlush)
	if wait < 0 {
		wait = 0
	}
	b.timer = b.clock.NewTimer(wait)
}

func (b *bufferManager) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// timerC is nil (blocks forever in select) while no flush is scheduled.
func (b *bufferManager) timerC() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C()
}

// flush writes the buffer out as one append and empties it. A flush
// rotates at most once: when the pending bytes would overflow a non-empty
// active file, the file is rotated first and the whole buffer goes into the
// fresh one, even when it is larger than max_file_size. A write that still
// fails after all retries drops every record not fully written; the failure
// is reported and returned.
func (b *bufferManager) flush() error {
	b.stopTimer()
	if b.empty() {
		return nil
	}
	defer b.reset()
	b.lastFlush = b.clock.Now()

	if err := b.rot.prepare(int64(len(b.data))); err != nil {
		// keep going: the buffer is appended to whatever file could be opened
		b.report("log rotation failed: " + err.Error())
	}
	n, err := b.writeRun(b.data)
	if err != nil {
		done := 0
		for done < len(b.ends) && b.ends[done] <= n {
			done++
		}
		b.account(done, n)
		lost := len(b.ends) - done
		b.stats.flushFailures.Add(1)
		b.stats.discarded.Add(uint64(lost))
		err = errors.Wrapf(err, "flush abandoned, %d records discarded", lost)
		b.report(err.Error())
		return err
	}
	b.account(len(b.ends), n)
	b.stats.flushes.Add(1)
	return nil
}

func (b *bufferManager) account(records, bytes int) {
	b.stats.written.Add(uint64(records))
	b.stats.bytes.Add(uint64(bytes))
}

// writeRun appends p with retries. Short writes are resumed from where they
// stopped, so no byte is written twice.
func (b *bufferManager) writeRun(p []byte) (int, error) {
	written := 0
	policy := &backoff.ExponentialBackOff{
		InitialInterval: b.retryDelay,
		Multiplier:      2,
		MaxInterval:     b.retryDelay << 5,
	}
	_, err := backoff.Retry(context.Background(), func() (int, error) {
		n, err := b.rot.write(p[written:])
		written += n
		return written, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(b.retries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.log.WithError(err).WithField("retry_in", next).Warn("log write failed")
		}),
	)
	return written, err
}

// reset empties the buffer, releasing memory grown by an oversized burst.
func (b *bufferManager) reset() {
	if cap(b.data) > 4*b.limit {
		b.data = make([]byte, 0, b.initCap)
		b.ends = nil
		return
	}
	b.data = b.data[:0]
	b.ends = b.ends[:0]
}

/////////////////////////////////////////////////////////////////////////////////////////

// procced is the writer loop. It consumes the ingestion queue until it is
// closed and drained, flushing on size, timer and command. On exit the
// buffer is flushed, the log file closed and the daemon marked stopped.
//
// Panics raised while handling one item are recovered per item; a panic in
// the loop itself is reported to the fallback writer and ends the loop.
func (d *Daemon) procced() {
	defer func() {
		if r := recover(); r != nil {
			d.handleLogWriteError("panic in writer loop" + panicDesc(r))
		}
		d.buffer.flush()
		if err := d.rotator.closeFile(); err != nil {
			d.handleLogWriteError(err.Error())
		}
		d.setState(_STATE_STOPPED)
	}()
	items := d.queue.receiver()
	for {
		select {
		case item, opened := <-items:
			if !opened {
				return
			}
			if err := d.proceedItem(&item); err != nil {
				d.handleLogWriteError("error proceeding queue item: " + err.Error())
			}
		case <-d.buffer.timerC():
			d.buffer.timer = nil
			d.buffer.flush()
		}
	}
}

// proceedItem handles one queue item. Records are buffered (and flushed when
// the buffer is full); commands are executed and answered on their done
// channel. Flush failures are reported by the buffer manager itself.
func (d *Daemon) proceedItem(item *queueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic proceeding queue item" + panicDesc(r))
		}
	}()
	switch item.kind {
	case _ITEM_RECORD:
		if item.record == nil {
			return errors.New("nil record in queue")
		}
		d.buffer.add(item.record)
		if d.buffer.full() {
			d.buffer.flush()
		}
	case _ITEM_COMMAND:
		cmdErr := d.proceedCmd(item.cmd)
		if item.done != nil {
			item.done <- cmdErr
		}
	case _ITEM_FORBIDDEN:
		// For testing purposes only, exercises panic recovery
		panic("panic on forbidden queue item type")
	default:
		return errors.Errorf("unknown queue item type %d", item.kind)
	}
	return nil
}

// proceedCmd runs a control command in queue order.
func (d *Daemon) proceedCmd(cmd cmdType) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic executing command" + panicDesc(r))
		}
	}()
	switch cmd {
	case _CMD_DUMMY:
	case _CMD_FLUSH:
		err = d.buffer.flush()
	case _CMD_REOPEN:
		err = d.buffer.flush()
		if rerr := d.rotator.reopen(); rerr != nil {
			err = rerr
		}
	default:
		err = errors.Errorf("unknown command %d", cmd)
	}
	return err
}

// handleLogWriteError writes one timestamped line to the fallback writer.
func (d *Daemon) handleLogWriteError(errormsg string) {
	d.sync.fbckMtx.RLock()
	defer d.sync.fbckMtx.RUnlock()
	if d.fallbck != nil {
		line := d.clock.Now().AppendFormat(nil, time.RFC3339)
		line = append(line, " lgrd: "...)
		line = append(line, errormsg...)
		d.fallbck.Write(append(line, '\n'))
	}
}
