package watch

import (
	"sync"
	"time"

	"github.com/abyssdigger/lgrd"
)

// LineLogger is the part of the client library used by LogSink.
type LineLogger interface {
	Log_with_err(level lgrd.LogLevel, s string) (time.Time, error)
}

// LogSink writes one log line per event. Errors reported by the watcher
// are logged at LVL_ERROR, everything else at the sink level.
type LogSink struct {
	logger  LineLogger
	level   lgrd.LogLevel
	mu      sync.Mutex
	lastErr error
}

func NewLogSink(logger LineLogger, level lgrd.LogLevel) *LogSink {
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) OnCreate(path string) { s.emit(s.level, "created: "+path) }
func (s *LogSink) OnWrite(path string)  { s.emit(s.level, "modified: "+path) }
func (s *LogSink) OnRemove(path string) { s.emit(s.level, "removed: "+path) }
func (s *LogSink) OnRename(path string) { s.emit(s.level, "renamed: "+path) }
func (s *LogSink) OnChmod(path string)  { s.emit(s.level, "attributes changed: "+path) }
func (s *LogSink) OnError(err error)    { s.emit(lgrd.LVL_ERROR, "watch error: "+err.Error()) }

func (s *LogSink) emit(level lgrd.LogLevel, line string) {
	if _, err := s.logger.Log_with_err(level, line); err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
}

// Err returns the last delivery failure, if any.
func (s *LogSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
