//go:build linux
// +build linux

package server

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/fzft/go-conmgr/pollctl"
	"golang.org/x/sys/unix"
)

const readChunk = 4096

// Conn is a non-blocking connection owned by the Server. Read and Write are
// only called from the worker that currently owns the connection.
type Conn struct {
	fd       int
	name     string
	listener bool
	out      bytes.Buffer

	// guarded by Server.mu
	linked  bool
	typ     pollctl.FdType
	busy    bool
	closing bool
}

// Read drains everything currently readable. It returns io.EOF together
// with any data read once the peer has closed its side.
func (c *Conn) Read() ([]byte, error) {
	var buf bytes.Buffer
	readBuffer := make([]byte, readChunk)

	for {
		n, err := unix.Read(c.fd, readBuffer)
		if n > 0 {
			buf.Write(readBuffer[:n])
		}
		if err != nil {
			if IsTemporaryError(err) {
				break
			}
			return buf.Bytes(), os.NewSyscallError("read", err)
		}
		if n == 0 {
			return buf.Bytes(), io.EOF
		}
	}

	return buf.Bytes(), nil
}

// Write sends data, buffering whatever the socket does not accept yet. The
// remainder is flushed once the fd becomes writable.
func (c *Conn) Write(data []byte) error {
	c.out.Write(data)
	return c.flush()
}

func (c *Conn) flush() error {
	for c.out.Len() > 0 {
		n, err := unix.Write(c.fd, c.out.Bytes())
		if n > 0 {
			c.out.Next(n)
		}
		if err != nil {
			if IsTemporaryError(err) {
				return nil
			}
			return os.NewSyscallError("write", err)
		}
	}
	return nil
}

// Fd returns the file descriptor of the connection.
func (c *Conn) Fd() int {
	return c.fd
}

// Name returns the peer address used in logs.
func (c *Conn) Name() string {
	return c.name
}

// Buffered returns the number of bytes waiting to be written.
func (c *Conn) Buffered() int {
	return c.out.Len()
}

// want returns the poll type matching the connection state. Requires
// Server.mu and must not be called while a worker owns the connection.
func (c *Conn) want() pollctl.FdType {
	switch {
	case c.busy:
		return pollctl.TypeConnected
	case c.listener:
		return pollctl.TypeListen
	case c.out.Len() > 0:
		return pollctl.TypeReadWrite
	}
	return pollctl.TypeReadOnly
}

// IsTemporaryError reports whether err means the operation would block.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
