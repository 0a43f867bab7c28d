//go:build linux
// +build linux

package pollctl

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Events is the raw epoll event mask reported for a ready fd.
type Events uint32

const (
	readyRead   = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDNORM | unix.EPOLLRDBAND
	readyWrite  = unix.EPOLLOUT | unix.EPOLLWRNORM | unix.EPOLLWRBAND
	readyError  = unix.EPOLLERR
	readyHangup = unix.EPOLLHUP | unix.EPOLLRDHUP
)

// CanRead reports whether events indicate the fd is ready for reading.
func CanRead(events Events) bool { return events&readyRead != 0 }

// CanWrite reports whether events indicate the fd is ready for writing.
func CanWrite(events Events) bool { return events&readyWrite != 0 }

// HasError reports whether events indicate an error state on the fd.
func HasError(events Events) bool { return events&readyError != 0 }

// HasHangup reports whether the peer hung up or shut down its write side.
func HasHangup(events Events) bool { return events&readyHangup != 0 }

func (e Events) CanRead() bool   { return CanRead(e) }
func (e Events) CanWrite() bool  { return CanWrite(e) }
func (e Events) HasError() bool  { return HasError(e) }
func (e Events) HasHangup() bool { return HasHangup(e) }

var eventNames = []struct {
	bit  uint32
	name string
}{
	{unix.EPOLLIN, "IN"},
	{unix.EPOLLPRI, "PRI"},
	{unix.EPOLLOUT, "OUT"},
	{unix.EPOLLERR, "ERR"},
	{unix.EPOLLHUP, "HUP"},
	{unix.EPOLLRDNORM, "RDNORM"},
	{unix.EPOLLRDBAND, "RDBAND"},
	{unix.EPOLLWRNORM, "WRNORM"},
	{unix.EPOLLWRBAND, "WRBAND"},
	{unix.EPOLLRDHUP, "RDHUP"},
}

func (e Events) String() string {
	var names []string
	for _, n := range eventNames {
		if uint32(e)&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}
