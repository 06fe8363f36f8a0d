package main

/*
Background mode (-d): the process re-executes itself with a marker in the
environment and a pipe as fd 3, then waits for one byte on the pipe. The
child writes it once the socket is bound, so the parent exits 0 only for a
daemon that really started. A child that fails closes the pipe silently and
the parent exits non-zero.
*/

import (
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	_ENV_DAEMON_CHILD = "LGRD_DAEMON_CHILD"
	_READY_FD         = 3
	_READY_BYTE       = 'R'
)

func isDaemonChild() bool {
	return os.Getenv(_ENV_DAEMON_CHILD) == "1"
}

func detach(args []string, log logrus.FieldLogger) int {
	exe, err := os.Executable()
	if err != nil {
		log.WithError(err).Error("locating executable")
		return _EXIT_FAILED
	}
	r, w, err := os.Pipe()
	if err != nil {
		log.WithError(err).Error("creating readiness pipe")
		return _EXIT_FAILED
	}
	defer r.Close()
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), _ENV_DAEMON_CHILD+"=1")
	cmd.ExtraFiles = []*os.File{w} // becomes fd 3
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		w.Close()
		log.WithError(err).Error("starting background process")
		return _EXIT_FAILED
	}
	w.Close()
	var ready [1]byte
	if n, _ := r.Read(ready[:]); n != 1 || ready[0] != _READY_BYTE {
		log.Error("background daemon failed to start")
		return _EXIT_FAILED
	}
	log.WithField("pid", cmd.Process.Pid).Info("daemon started in background")
	cmd.Process.Release()
	return _EXIT_OK
}

func notifyParent() error {
	f := os.NewFile(_READY_FD, "ready")
	if f == nil {
		return errors.New("readiness pipe is not open")
	}
	defer f.Close()
	_, err := f.Write([]byte{_READY_BYTE})
	return errors.Wrap(err, "writing readiness byte")
}
