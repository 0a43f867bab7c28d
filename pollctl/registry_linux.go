//go:build linux
// +build linux

package pollctl

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	readEvents      = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents     = unix.EPOLLOUT
	readWriteEvents = readEvents | writeEvents
	hangupEvents    = unix.EPOLLRDHUP
	listenEvents    = unix.EPOLLIN
)

// interest returns the epoll mask monitored for t.
func interest(t FdType) uint32 {
	switch t {
	case TypeConnected:
		return hangupEvents
	case TypeReadOnly:
		return readEvents
	case TypeReadWrite:
		return readWriteEvents
	case TypeWriteOnly:
		return writeEvents
	case TypeListen:
		return listenEvents
	}
	return 0
}

// registry wraps the epoll instance. It does not track fds itself; the
// Controller table is the only source of truth.
type registry struct {
	epfd int
}

func newRegistry() (*registry, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &registry{epfd: epfd}, nil
}

func (r *registry) add(fd int, events uint32) error {
	return ctlError("epoll_ctl add",
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

func (r *registry) mod(fd int, events uint32) error {
	return ctlError("epoll_ctl mod",
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

func (r *registry) del(fd int) error {
	return ctlError("epoll_ctl del", unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil))
}

// wait blocks until at least one fd is ready, retrying on EINTR.
func (r *registry) wait(events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
}

func (r *registry) close() error {
	return CloseFd(r.epfd)
}

// ctlError wraps a failed epoll_ctl. EPERM means the fd is a file type
// epoll refuses, which is reported as ErrUnsupported as well.
func ctlError(op string, err error) error {
	if err == nil {
		return nil
	}
	serr := os.NewSyscallError(op, err)
	if errors.Is(err, unix.EPERM) {
		return fmt.Errorf("%w: %w", ErrUnsupported, serr)
	}
	return serr
}
