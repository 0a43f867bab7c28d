//go:build linux
// +build linux

package pollctl

import (
	"encoding/binary"
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// waker is the interrupt channel of a Controller: an eventfd that is
// always registered for reads. Writes coalesce into the eventfd counter.
type waker struct {
	fd int
}

func newWaker() (*waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &waker{fd: fd}, nil
}

// signal never blocks. EAGAIN means the counter is saturated, which still
// leaves the eventfd readable.
func (w *waker) signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return os.NewSyscallError("write", err)
	}
	return nil
}

// drain resets the counter so the eventfd is no longer readable.
func (w *waker) drain() error {
	var buf [8]byte
	_, err := unix.Read(w.fd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return os.NewSyscallError("read", err)
	}
	return nil
}

func (w *waker) close() error {
	return CloseFd(w.fd)
}
