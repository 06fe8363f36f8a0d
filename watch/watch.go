// Package watch turns file system events into calls on an EventSink.
//
// A Watcher delivers events from its own dispatch goroutine, one at a time,
// so every sink sees the events of its watch in the order they happened.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type EventMask uint32

const (
	EVENT_CREATE EventMask = 1 << iota
	EVENT_WRITE
	EVENT_REMOVE
	EVENT_RENAME
	EVENT_CHMOD

	EVENT_ALL = EVENT_CREATE | EVENT_WRITE | EVENT_REMOVE | EVENT_RENAME | EVENT_CHMOD
)

var maskNames = map[string]EventMask{
	"create": EVENT_CREATE,
	"write":  EVENT_WRITE,
	"remove": EVENT_REMOVE,
	"rename": EVENT_RENAME,
	"chmod":  EVENT_CHMOD,
	"all":    EVENT_ALL,
}

// ParseMask parses a comma separated list of event names, e.g.
// "create,remove" or "all".
func ParseMask(s string) (EventMask, error) {
	var mask EventMask
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		m, ok := maskNames[name]
		if !ok {
			return 0, errors.Errorf("unknown event %q", name)
		}
		mask |= m
	}
	if mask == 0 {
		return 0, errors.New("empty event mask")
	}
	return mask, nil
}

// EventSink receives the events of one watch. Methods are called from the
// watcher goroutine and should not block for long.
type EventSink interface {
	OnCreate(path string)
	OnWrite(path string)
	OnRemove(path string)
	OnRename(path string)
	OnChmod(path string)
	OnError(err error)
}

type watch struct {
	sink EventSink
	mask EventMask
}

type Watcher struct {
	fsw     *fsnotify.Watcher
	log     logrus.FieldLogger
	mu      sync.Mutex
	watches map[string]watch
	started bool
	stop    sync.Once
	done    sync.WaitGroup
}

// New creates a watcher. log may be nil.
func New(log logrus.FieldLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{
		fsw:     fsw,
		log:     log,
		watches: make(map[string]watch),
	}, nil
}

// AddWatch starts watching path (a file, or a directory for the events of
// its entries) and routes the events selected by mask to sink. Watching the
// same path again replaces its sink and mask.
func (w *Watcher) AddWatch(path string, sink EventSink, mask EventMask) error {
	if sink == nil {
		return errors.New("nil event sink")
	}
	if mask&EVENT_ALL == 0 {
		return errors.New("empty event mask")
	}
	path = filepath.Clean(path)
	if err := w.fsw.Add(path); err != nil {
		return errors.Wrapf(err, "watching %s", path)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watches[path] = watch{sink: sink, mask: mask}
	return nil
}

// Start launches the dispatch goroutine. It runs until ctx is done or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("watcher is already started")
	}
	w.started = true
	w.done.Go(func() { w.dispatch(ctx) })
	return nil
}

// Stop releases the underlying watcher and waits for the dispatch goroutine.
func (w *Watcher) Stop() error {
	var err error
	w.stop.Do(func() { err = w.fsw.Close() })
	w.done.Wait()
	return err
}

func (w *Watcher) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.stop.Do(func() { w.fsw.Close() })
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.deliver(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("file watcher error")
			for _, wt := range w.snapshot() {
				wt.sink.OnError(err)
			}
		}
	}
}

// lookup finds the watch for an event path: the path itself or, for
// entries of a watched directory, its parent.
func (w *Watcher) lookup(name string) (watch, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	name = filepath.Clean(name)
	if wt, ok := w.watches[name]; ok {
		return wt, true
	}
	wt, ok := w.watches[filepath.Dir(name)]
	return wt, ok
}

func (w *Watcher) snapshot() []watch {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := make([]watch, 0, len(w.watches))
	for _, wt := range w.watches {
		list = append(list, wt)
	}
	return list
}

func (w *Watcher) deliver(ev fsnotify.Event) {
	wt, ok := w.lookup(ev.Name)
	if !ok {
		w.log.WithField("event", ev.String()).Debug("event for unknown watch")
		return
	}
	if ev.Has(fsnotify.Create) && wt.mask&EVENT_CREATE != 0 {
		wt.sink.OnCreate(ev.Name)
	}
	if ev.Has(fsnotify.Write) && wt.mask&EVENT_WRITE != 0 {
		wt.sink.OnWrite(ev.Name)
	}
	if ev.Has(fsnotify.Remove) && wt.mask&EVENT_REMOVE != 0 {
		wt.sink.OnRemove(ev.Name)
	}
	if ev.Has(fsnotify.Rename) && wt.mask&EVENT_RENAME != 0 {
		wt.sink.OnRename(ev.Name)
	}
	if ev.Has(fsnotify.Chmod) && wt.mask&EVENT_CHMOD != 0 {
		wt.sink.OnChmod(ev.Name)
	}
}
