//go:build linux
// +build linux

package pollctl

import "golang.org/x/sys/unix"

func isFDValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// CloseFd closes fd if it is still open.
func CloseFd(fd int) error {
	if isFDValid(fd) {
		return unix.Close(fd)
	}
	return nil
}
