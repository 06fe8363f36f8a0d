//go:build unix

package main

import "syscall"

// detachedAttr starts the child in a new session, away from the terminal.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
