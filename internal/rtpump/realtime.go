// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package rtpump pins the goroutine that owns the modem (the "pump") to a
// single OS thread at an elevated scheduling priority, so the half-duplex
// poll loop's timing isn't at the mercy of the Go scheduler migrating it
// between threads under load.
package rtpump

import (
	"runtime"
	"syscall"
	"unsafe"
)

const (
	fifoPolicy = 1 // SCHED_FIFO
	rrPolicy   = 2 // SCHED_RR
)

type schedParam struct {
	Priority int
}

// Pin locks the calling goroutine to its own kernel thread and raises that
// thread to round-robin realtime scheduling at priority. Callers invoke it
// as the first statement in the pump goroutine, e.g.:
//
//	go func() {
//	    if err := rtpump.Pin(10); err != nil {
//	        log("rtpump: %v (continuing at normal priority)", err)
//	    }
//	    runLink(...)
//	}()
//
// A non-nil error (commonly EPERM when not running as root) is not fatal:
// the pump still runs, just without the scheduling guarantee.
func Pin(priority int) error {
	runtime.LockOSThread()
	tid := syscall.Gettid()
	res, _, errno := syscall.RawSyscall(syscall.SYS_SCHED_SETSCHEDULER, uintptr(tid),
		uintptr(rrPolicy), uintptr(unsafe.Pointer(&schedParam{priority})))
	if res == 0 {
		return nil
	}
	return errno
}
