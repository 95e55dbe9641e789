//go:build linux

package gps

import (
	"errors"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// claimPort sets TIOCEXCL so other openers such as ModemManager get EBUSY,
// then flushes whatever the tty buffered before we opened it.
func claimPort(port io.ReadWriteCloser) error {
	sc, ok := port.(syscall.Conn)
	if !ok {
		return errors.New("gps: port has no file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var ioctlErr error
	err = raw.Control(func(fd uintptr) {
		if ioctlErr = unix.IoctlSetInt(int(fd), unix.TIOCEXCL, 0); ioctlErr != nil {
			return
		}
		ioctlErr = unix.IoctlSetInt(int(fd), unix.TCFLSH, unix.TCIFLUSH)
	})
	if err != nil {
		return err
	}
	return ioctlErr
}
