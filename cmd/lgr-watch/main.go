// Command lgr-watch logs file system events of the given paths through a
// running lgrd daemon.
//
//	lgr-watch [-p socket] [-t ms] [-e create,write,remove] [-l level] path...
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abyssdigger/lgrd"
	"github.com/abyssdigger/lgrd/client"
	"github.com/abyssdigger/lgrd/watch"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const (
	_EXIT_OK     = 0
	_EXIT_FAILED = 1
	_EXIT_USAGE  = 2
)

type options struct {
	socket    string
	timeoutMs int
	events    string
	mask      watch.EventMask
	level     lgrd.LogLevel
	verbose   bool
	help      bool
	paths     []string
	usage     string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func parseFlags(args []string) (*options, error) {
	opts := &options{level: lgrd.LVL_INFO}
	fs := pflag.NewFlagSet("lgr-watch", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&opts.socket, "socket", "p", lgrd.DEFAULT_SOCKET_PATH, "daemon socket path")
	fs.IntVarP(&opts.timeoutMs, "timeout", "t", int(client.DEFAULT_TIMEOUT/time.Millisecond), "connect and send timeout in milliseconds")
	fs.StringVarP(&opts.events, "events", "e", "all", "events to log: create,write,remove,rename,chmod or all")
	fs.VarP(&opts.level, "level", "l", "record level (name or number)")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug diagnostics")
	fs.BoolVarP(&opts.help, "help", "h", false, "show this help")
	opts.usage = "Usage: lgr-watch [options] path...\n" + fs.FlagUsages()
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.help {
		return opts, nil
	}
	mask, err := watch.ParseMask(opts.events)
	if err != nil {
		return opts, err
	}
	opts.mask = mask
	if !opts.level.IsValid() {
		return opts, errors.Errorf("level %d cannot be sent", opts.level)
	}
	if opts.timeoutMs <= 0 {
		return opts, errors.New("timeout must be positive")
	}
	opts.paths = fs.Args()
	if len(opts.paths) == 0 {
		return opts, errors.New("no paths to watch")
	}
	return opts, nil
}

func run(args []string, stderr io.Writer) int {
	log := logrus.New()
	log.SetOutput(stderr)

	opts, err := parseFlags(args)
	if err != nil {
		log.WithError(err).Error("invalid arguments")
		fmt.Fprint(stderr, opts.usage)
		return _EXIT_USAGE
	}
	if opts.help {
		fmt.Fprint(stderr, opts.usage)
		return _EXIT_OK
	}
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	c, err := client.Connect(opts.socket, time.Duration(opts.timeoutMs)*time.Millisecond)
	if err != nil {
		log.WithError(err).Error("cannot connect to daemon")
		return _EXIT_FAILED
	}
	defer c.Close()
	c.SetFallback(log.WriterLevel(logrus.ErrorLevel))

	w, err := watch.New(log)
	if err != nil {
		log.WithError(err).Error("cannot create watcher")
		return _EXIT_FAILED
	}
	sink := watch.NewLogSink(c, opts.level)
	for _, path := range opts.paths {
		if err := w.AddWatch(path, sink, opts.mask); err != nil {
			log.WithError(err).Error("cannot watch")
			w.Stop()
			return _EXIT_FAILED
		}
		log.WithField("path", path).Debug("watching")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Start(ctx); err != nil {
		log.WithError(err).Error("cannot start watcher")
		return _EXIT_FAILED
	}
	<-ctx.Done()
	if err := w.Stop(); err != nil {
		log.WithError(err).Warn("stopping watcher")
	}
	if err := sink.Err(); err != nil {
		log.WithError(err).Warn("some events were not delivered")
	}
	return _EXIT_OK
}
