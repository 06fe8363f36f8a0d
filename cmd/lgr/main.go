// Command lgr sends log records to a running lgrd daemon.
//
//	lgr [-p socket] [-t ms] [-l level] message...
//	lgr -m "message"
//	some-command | lgr -l warn
//
// Without a message every line read from stdin becomes one record.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/abyssdigger/lgrd"
	"github.com/abyssdigger/lgrd/client"
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
	message   string
	timeoutMs int
	level     lgrd.LogLevel
	verbose   bool
	help      bool
	args      []string
	usage     string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stderr))
}

func parseFlags(args []string) (*options, error) {
	opts := &options{level: lgrd.LVL_INFO}
	fs := pflag.NewFlagSet("lgr", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&opts.socket, "socket", "p", lgrd.DEFAULT_SOCKET_PATH, "daemon socket path")
	fs.StringVarP(&opts.message, "message", "m", "", "message to send")
	fs.IntVarP(&opts.timeoutMs, "timeout", "t", int(client.DEFAULT_TIMEOUT/time.Millisecond), "connect and send timeout in milliseconds")
	fs.VarP(&opts.level, "level", "l", "record level (name or number)")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "report progress on stderr")
	fs.BoolVarP(&opts.help, "help", "h", false, "show this help")
	opts.usage = "Usage: lgr [options] [message...]\n" + fs.FlagUsages()
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if !opts.level.IsValid() {
		return opts, errors.Errorf("level %d cannot be sent", opts.level)
	}
	if opts.timeoutMs <= 0 {
		return opts, errors.New("timeout must be positive")
	}
	opts.args = fs.Args()
	return opts, nil
}

func run(args []string, stdin io.Reader, stderr io.Writer) int {
	log := logrus.New()
	log.SetOutput(stderr)
	log.SetLevel(logrus.WarnLevel)

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

	message := opts.message
	if message == "" && len(opts.args) > 0 {
		message = strings.Join(opts.args, " ")
	}
	if message != "" {
		if _, err := c.Log_with_err(opts.level, message); err != nil {
			log.WithError(err).Error("send failed")
			return _EXIT_FAILED
		}
		log.WithField("level", opts.level).Debug("record sent")
		return _EXIT_OK
	}

	sent := 0
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64<<10), client.DEFAULT_MAX_MESSAGE_SIZE*4)
	for scanner.Scan() {
		if _, err := c.Log_with_err(opts.level, scanner.Text()); err != nil {
			log.WithError(err).WithField("sent", sent).Error("send failed")
			return _EXIT_FAILED
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Error("reading stdin")
		return _EXIT_FAILED
	}
	log.WithField("records", sent).Debug("stdin forwarded")
	return _EXIT_OK
}
