// Command lgrd runs the logging daemon.
//
//	lgrd -f /var/log/app.log [-s 10MiB] [-n 5] [-b 4KiB] [-p /var/run/lgrd.sock] [-d] [-v]
//
// SIGHUP reopens the log file, SIGINT and SIGTERM stop the daemon after the
// buffered records are written.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abyssdigger/lgrd"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const (
	_EXIT_OK     = 0
	_EXIT_FAILED = 1
	_EXIT_USAGE  = 2

	_COMMAND_TIMEOUT = 5 * time.Second
)

type options struct {
	cfg        lgrd.Config
	configPath string
	daemonize  bool
	verbose    bool
	help       bool
	usage      string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// parseFlags resolves the configuration: defaults, then the optional YAML
// file, then the flags given on the command line.
func parseFlags(args []string) (*options, error) {
	opts := &options{cfg: lgrd.DefaultConfig()}
	fs := pflag.NewFlagSet("lgrd", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts.cfg.BindFlags(fs)
	fs.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	fs.BoolVarP(&opts.daemonize, "daemon", "d", false, "detach and run in the background")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug diagnostics")
	fs.BoolVarP(&opts.help, "help", "h", false, "show this help")
	opts.usage = "Usage: lgrd -f <file> [options]\n" + fs.FlagUsages()
	if err := fs.Parse(args); err != nil {
		return opts, lgrd.NewError(lgrd.KIND_CONFIG, "parse flags", err)
	}
	if opts.help {
		return opts, nil
	}
	if fs.NArg() > 0 {
		return opts, lgrd.NewError(lgrd.KIND_CONFIG, "parse flags", errors.Errorf("unexpected argument %q", fs.Arg(0)))
	}
	if opts.configPath != "" {
		cfg, err := lgrd.LoadConfig(opts.configPath)
		if err != nil {
			return opts, err
		}
		if err := cfg.MergeFlags(fs); err != nil {
			return opts, err
		}
		opts.cfg = cfg
	}
	return opts, opts.cfg.Validate()
}

func run(args []string, stderr io.Writer) int {
	log := logrus.New()
	log.SetOutput(stderr)

	opts, err := parseFlags(args)
	if err != nil {
		log.WithError(err).Error("invalid configuration")
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
	if opts.daemonize && !isDaemonChild() {
		return detach(args, log)
	}

	d, err := lgrd.New(opts.cfg)
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return _EXIT_USAGE
	}
	fallback := log.WriterLevel(logrus.ErrorLevel)
	defer fallback.Close()
	d.SetLogger(log).SetFallback(fallback)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	if err := d.Start(); err != nil {
		log.WithError(err).Error("cannot start daemon")
		return _EXIT_FAILED
	}
	signalReady(log)

	var metrics *http.Server
	if opts.cfg.MetricsAddr != "" {
		metrics = serveMetrics(opts.cfg.MetricsAddr, d.Registry(), log)
	}

	for sig := range sigs {
		if sig != syscall.SIGHUP {
			log.WithField("signal", sig.String()).Info("shutting down")
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), _COMMAND_TIMEOUT)
		if err := d.Reopen(ctx); err != nil {
			log.WithError(err).Error("reopening log file")
		} else {
			log.Info("log file reopened")
		}
		cancel()
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	if metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), _COMMAND_TIMEOUT)
		metrics.Shutdown(ctx)
		cancel()
	}
	d.StopAndWait()
	return _EXIT_OK
}

// signalReady tells the parent process (-d) and systemd that the socket is
// bound.
func signalReady(log logrus.FieldLogger) {
	if isDaemonChild() {
		if err := notifyParent(); err != nil {
			log.WithError(err).Warn("notifying parent process")
		}
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify")
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server")
		}
	}()
	log.WithField("addr", addr).Info("serving metrics")
	return srv
}
