package lgrd

/*
Rotation manager. Owns the active log file and the rotated set
<base>.1 (newest) .. <base>.<max_file_count> (oldest). Only the writer
goroutine calls into it, so it holds no locks.
*/

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// fileHandle is what the rotator needs from an open file.
type fileHandle interface {
	io.Writer
	io.Closer
}

type openFunc func(path string, mode os.FileMode) (fileHandle, int64, error)

type rotator struct {
	path    string
	maxSize int64
	count   int
	mode    os.FileMode
	file    fileHandle // nil while closed
	size    int64      // bytes in the active file
	open    openFunc   // replaced in tests
	stats   *Stats
	log     logrus.FieldLogger
}

func newRotator(cfg *Config, stats *Stats, log logrus.FieldLogger) *rotator {
	return &rotator{
		path:    cfg.LogPath,
		maxSize: int64(cfg.MaxFileSize),
		count:   cfg.MaxFileCount,
		mode:    cfg.FileMode.Perm(),
		open:    openLogFile,
		stats:   stats,
		log:     log,
	}
}

// openLogFile opens path for appending and returns its current size.
func openLogFile(path string, mode os.FileMode) (fileHandle, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, mode)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (r *rotator) ensureOpen() error {
	if r.file != nil {
		return nil
	}
	f, size, err := r.open(r.path, r.mode)
	if err != nil {
		return NewError(KIND_IO, "open log file", err)
	}
	r.file, r.size = f, size
	return nil
}

// prepare rotates when appending n more bytes would push a non-empty active
// file over the size limit. An empty file always takes the write, even when
// n alone exceeds the limit.
func (r *rotator) prepare(n int64) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	if r.size > 0 && r.size+n > r.maxSize {
		return r.rotate()
	}
	return nil
}

// write appends p to the active file. The size is advanced by whatever was
// written, so a caller retrying after a short write must resend p[n:] only.
func (r *rotator) write(p []byte) (int, error) {
	if err := r.ensureOpen(); err != nil {
		return 0, err
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return n, NewError(KIND_IO, "write log file", err)
	}
	return n, nil
}

// rotatedName returns <base>.<index>.
func (r *rotator) rotatedName(index int) string {
	return r.path + "." + strconv.Itoa(index)
}

// rotate closes the active file, shifts the rotated set by one, moves the
// active file to <base>.1 and opens a fresh active file. With a count of zero
// the active file is simply removed.
func (r *rotator) rotate() error {
	if err := r.closeFile(); err != nil {
		r.log.WithError(err).Warn("closing log file before rotation")
	}
	r.removeStray()
	if r.count <= 0 {
		if err := removeIfExists(r.path); err != nil {
			return NewError(KIND_IO, "rotate", err)
		}
	} else {
		if err := removeIfExists(r.rotatedName(r.count)); err != nil {
			return NewError(KIND_IO, "rotate", err)
		}
		for i := r.count - 1; i >= 1; i-- {
			if err := renameIfExists(r.rotatedName(i), r.rotatedName(i+1)); err != nil {
				return NewError(KIND_IO, "rotate", err)
			}
		}
		if err := renameIfExists(r.path, r.rotatedName(1)); err != nil {
			return NewError(KIND_IO, "rotate", err)
		}
	}
	r.size = 0
	r.stats.rotations.Add(1)
	r.log.WithFields(logrus.Fields{"file": r.path, "kept": r.count}).Debug("log file rotated")
	return r.ensureOpen()
}

// removeStray deletes <base>.<N> files with N above the retention count,
// left behind by an earlier run with a larger max_file_count.
func (r *rotator) removeStray() {
	dir, base := filepath.Split(r.path)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	prefix := base + "."
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		index, err := strconv.Atoi(name[len(prefix):])
		if err != nil || index <= r.count {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			r.log.WithError(err).WithField("file", name).Warn("removing stray rotated file")
		}
	}
}

// reopen closes and reopens the active file, picking up a file moved away by
// an external tool.
func (r *rotator) reopen() error {
	if err := r.closeFile(); err != nil {
		r.log.WithError(err).Warn("closing log file before reopen")
	}
	return r.ensureOpen()
}

func (r *rotator) closeFile() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return NewError(KIND_IO, "close log file", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

func renameIfExists(from, to string) error {
	if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "rename %s", from)
	}
	return nil
}
