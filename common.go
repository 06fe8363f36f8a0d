package lgrd

/*
Defines the core data types shared by the daemon components:
  - basetype and a small set of typed aliases for clarity
  - LogRecord: the immutable unit decoded from the wire and written to disk
  - queueItem: internal representation of queued items (records or commands)

Also defines package-wide constants, enums and helper utilities:
  - default sizes and values
  - enums for levels/state/item types/commands
  - normalization helpers
*/

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type basetype byte // basetype is the underlying byte-sized representation used for enums

type LogLevel basetype // Record levels (alias for byte, also the wire level tag)
type daemonState basetype
type itemType basetype
type cmdType basetype

// LogRecord is one decoded log line. Records are created by the connection
// handlers, travel through the ingestion queue and are consumed exactly once
// by the buffer manager. A record is never modified after construction.
type LogRecord struct {
	stamp   time.Time // daemon time of decoding
	message []byte    // sanitized payload (single line, valid UTF-8)
	source  string    // optional source tag (peer credentials)
	level   LogLevel
}

// NewRecord builds a record with a private copy of message.
func NewRecord(level LogLevel, stamp time.Time, message []byte, source string) *LogRecord {
	return &LogRecord{
		level:   normLevel(level),
		stamp:   stamp,
		message: append([]byte(nil), message...),
		source:  source,
	}
}

func (r *LogRecord) Level() LogLevel      { return r.level }
func (r *LogRecord) Timestamp() time.Time { return r.stamp }
func (r *LogRecord) Source() string       { return r.source }

// Message returns the record payload. The slice must not be modified.
func (r *LogRecord) Message() []byte { return r.message }

// queueItem is the unit enqueued into the ingestion queue. It is either a
// record or a control command; commands are answered on done.
type queueItem struct {
	record *LogRecord
	done   chan error
	kind   itemType
	cmd    cmdType
}

// LevelMap is a fixed-size array with one entry per log level.
type LevelMap [_LVL_MAX_for_checks_only]string

/////////////////////////////////////////////////////////////////////////////////////////

const (
	// Log level values. The trailing _LVL_MAX_for_checks_only is used as an
	// exclusive upper bound for normalization checks. LVL_UNKNOWN is never
	// accepted from the wire.
	LVL_UNKNOWN LogLevel = iota
	LVL_TRACE
	LVL_DEBUG
	LVL_INFO
	LVL_WARN
	LVL_ERROR
	LVL_FATAL
	LVL_UNMASKABLE
	_LVL_MAX_for_checks_only
)

const (
	// Defaults used when the configuration leaves a value unset
	DEFAULT_LOG_LEVEL        = LVL_TRACE
	DEFAULT_MAX_FILE_SIZE    = 1 << 20 // 1 MiB per file
	DEFAULT_MAX_FILE_COUNT   = 5
	DEFAULT_BUFFER_SIZE      = 4 << 10 // flush after 4 KiB of formatted lines
	DEFAULT_FLUSH_INTERVAL   = 2 * time.Second
	DEFAULT_SOCKET_PATH      = "/var/run/lgrd.sock"
	DEFAULT_MAX_CLIENTS      = 32
	DEFAULT_QUEUE_SIZE       = 1024
	DEFAULT_ENQUEUE_TIMEOUT  = 50 * time.Millisecond
	DEFAULT_WRITE_RETRIES    = 3
	DEFAULT_RETRY_BACKOFF    = 10 * time.Millisecond
	DEFAULT_SHUTDOWN_TIMEOUT = 2 * time.Second
	DEFAULT_MAX_FRAME        = 1 << 20
	DEFAULT_TIME_FORMAT      = "2006-01-02 15:04:05.000"
	DEFAULT_SOCKET_MODE      = 0666
	DEFAULT_FILE_MODE        = 0644
	DEFAULT_READ_BUFF        = 4 << 10 // per-connection receive buffer

	_INITIAL_BUFF    = 64 << 10  // starting capacity of the flush buffer, grown on demand
	_MAX_BUFFER_SIZE = 256 << 20 // upper bound of buffer_size
)

const (
	// Daemon lifecycle states.
	_STATE_UNKNOWN daemonState = iota
	_STATE_ACTIVE
	_STATE_STOPPING
	_STATE_STOPPED
	_STATE_MAX_for_checks_only
)

const (
	// Queue item types.
	_ITEM_FORBIDDEN itemType = iota // only to test panic recovery in proceedItem()
	_ITEM_RECORD
	_ITEM_COMMAND
	_ITEM_MAX_for_checks_only
)

const (
	// Commands executed by the writer goroutine in queue order.
	_CMD_DUMMY cmdType = iota
	_CMD_FLUSH
	_CMD_REOPEN
	_CMD_MAX_for_checks_only
)

/////////////////////////////////////////////////////////////////////////////////////////

// Level names written into log files.
var LevelFullNames = &LevelMap{
	"UNKNOWN",    //LVL_UNKNOWN
	"TRACE",      //LVL_TRACE
	"DEBUG",      //LVL_DEBUG
	"INFO",       //LVL_INFO
	"WARN",       //LVL_WARN
	"ERROR",      //LVL_ERROR
	"FATAL",      //LVL_FATAL
	"UNMASKABLE", //LVL_UNMASKABLE
}

// Short level names, accepted by ParseLevel.
var LevelShortNames = &LevelMap{
	"???", //LVL_UNKNOWN
	"TRC", //LVL_TRACE
	"DBG", //LVL_DEBUG
	"INF", //LVL_INFO
	"WRN", //LVL_WARN
	"ERR", //LVL_ERROR
	"FTL", //LVL_FATAL
	"!!!", //LVL_UNMASKABLE
}

// Generic byte normalization helper.
func norm_byte[T ~byte](val, overlimit, def T) T {
	if val < overlimit {
		return val
	} else {
		return def
	}
}

// Ensures a provided daemonState is within the valid range
func normState(state daemonState) daemonState {
	return norm_byte(state, _STATE_MAX_for_checks_only, _STATE_UNKNOWN)
}

// Ensures a provided LogLevel is within the valid range
func normLevel(level LogLevel) LogLevel {
	return norm_byte(level, _LVL_MAX_for_checks_only, LVL_UNKNOWN)
}

// IsValid reports whether the level may appear as a wire level tag.
func (level LogLevel) IsValid() bool {
	return level > LVL_UNKNOWN && level < _LVL_MAX_for_checks_only
}

func (level LogLevel) String() string {
	return LevelFullNames[normLevel(level)]
}

// UnmarshalText lets levels be written by name in configuration files.
func (level *LogLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*level = parsed
	return nil
}

// ParseLevel accepts a full name ("warn"), a short name ("WRN") or a number
// ("4"). Names are case-insensitive.
func ParseLevel(s string) (LogLevel, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		if n < uint64(_LVL_MAX_for_checks_only) {
			return LogLevel(n), nil
		}
		return LVL_UNKNOWN, errors.Errorf("log level %d is out of range", n)
	}
	for level := range _LVL_MAX_for_checks_only {
		if strings.EqualFold(s, LevelFullNames[level]) || strings.EqualFold(s, LevelShortNames[level]) {
			return level, nil
		}
	}
	return LVL_UNKNOWN, errors.Errorf("unknown log level %q", s)
}

// Converts a panic value into a compact readable string (used when
// translating panics into errors or fallback messages)
func panicDesc(panic any) (errtext string) {
	switch v := panic.(type) {
	case string:
		errtext = ": `" + v + "`"
	case error:
		errtext = ": (error) `" + v.Error() + "`"
	default:
		errtext = " " + _ERROR_UNKNOWN_PANIC_TEXT
	}
	return errtext
}
