//go:build linux
// +build linux

package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/fzft/go-conmgr/log"
	"github.com/fzft/go-conmgr/pollctl"
	"github.com/fzft/go-conmgr/workq"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// fds linked besides client connections: the listener, the notify fd and
// the delayed work timer
const reservedFds = 3

// Server is a connection manager that polls every connection from a single
// watch goroutine and hands I/O to a work queue.
//
// The watch goroutine is the only caller of Link, Relink and Unlink. Workers
// report back by updating connection state under mu and writing to the
// notify eventfd, which stays readable until the watch loop drains it.
type Server struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger

	lnFile   *os.File
	notifyFd int
	ctl      *pollctl.Controller
	wq       *workq.Queue

	mu       sync.Mutex
	ln       net.Listener
	conns    map[int]*Conn
	stopping bool
	err      error

	timerFd  int
	delayed  delayedHeap
	delaySeq uint64
}

// NewServer returns a Server serving cfg.Addr with the EchoHandler.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		handler:  EchoHandler{},
		logger:   log.Logger,
		notifyFd: -1,
		timerFd:  -1,
		conns:    make(map[int]*Conn),
	}
}

// SetHandler replaces the handler. It must be called before Run.
func (s *Server) SetHandler(handler Handler) {
	s.handler = handler
}

// SetLogger replaces the logger. It must be called before Run.
func (s *Server) SetLogger(logger *zap.Logger) {
	s.logger = logger
}

// Addr returns the listening address once the server is ready, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Err returns the first handler or poll failure seen by the server. Peers
// closing their side are not failures.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// setError latches err unless an earlier failure is already recorded, and
// starts shutdown when ExitOnError is set. Requires mu.
func (s *Server) setError(err error) {
	if s.err == nil {
		s.err = err
	}
	if s.cfg.ExitOnError && !s.stopping {
		s.logger.Error("stopping on error", zap.Error(err))
		s.stopping = true
		s.notify()
	}
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.conns {
		if !c.listener {
			n++
		}
	}
	return n
}

// Run implements ifrit.Runner. It serves until a signal arrives or polling
// fails.
func (s *Server) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	if err := s.open(); err != nil {
		s.logger.Error("failed to start server", zap.Error(err))
		return multierr.Append(err, s.release())
	}

	s.logger.Info("listening", zap.String("addr", s.Addr().String()),
		zap.Int("workers", s.cfg.Workers), zap.Int("max_connections", s.cfg.MaxConnections))
	close(ready)

	errCh := make(chan error, 1)
	go func() { errCh <- s.watch() }()

	var err error
	select {
	case sig := <-signals:
		s.logger.Info("signal received", zap.Stringer("signal", sig))
		s.stop()
		err = <-errCh
	case err = <-errCh:
		if err != nil {
			s.logger.Error("watch loop failed", zap.Error(err))
			s.mu.Lock()
			s.setError(err)
			s.mu.Unlock()
		}
	}

	if err == nil && s.cfg.ExitOnError {
		err = s.Err()
	}

	s.logger.Info("shutting down server")
	return multierr.Append(err, s.shutdown())
}

func (s *Server) open() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	f, err := ln.(*net.TCPListener).File()
	if err != nil {
		return err
	}
	s.lnFile = f
	lnFd := int(f.Fd())
	if err := unix.SetNonblock(lnFd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}

	notifyFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return os.NewSyscallError("eventfd", err)
	}
	s.notifyFd = notifyFd

	s.ctl, err = pollctl.New(s.cfg.MaxConnections+reservedFds, pollctl.WithLogger(s.logger))
	if err != nil {
		return err
	}
	if err := s.ctl.Link(notifyFd, pollctl.TypeReadOnly, "notify", "open"); err != nil {
		return err
	}

	timerFd, err := newTimerFd()
	if err != nil {
		return err
	}
	if err := s.ctl.Link(timerFd, pollctl.TypeReadOnly, "timer", "open"); err != nil {
		_ = unix.Close(timerFd)
		return err
	}

	s.wq = workq.New(s.cfg.Workers, workq.WithLogger(s.logger))

	s.mu.Lock()
	s.timerFd = timerFd
	s.mu.Unlock()

	s.conns[lnFd] = &Conn{fd: lnFd, name: ln.Addr().String(), listener: true}
	return nil
}

func (s *Server) watch() error {
	for {
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return nil
		}
		s.reconcile()
		s.mu.Unlock()

		if err := s.ctl.Wait("watch"); err != nil {
			return err
		}

		s.mu.Lock()
		err := s.ctl.ForEachEvent(s.onEvent, "watch")
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// reconcile brings the poll controller in line with connection state.
// Requires mu.
func (s *Server) reconcile() {
	for fd, c := range s.conns {
		if c.closing {
			if !c.busy {
				s.closeConn(c)
				continue
			}
			// stop reporting the hangup until the worker lets go
			if c.linked {
				s.ctl.Unlink(fd, c.name, "reconcile")
				c.linked = false
			}
			continue
		}

		want := c.want()
		if !c.linked {
			if err := s.ctl.Link(fd, want, c.name, "reconcile"); err != nil {
				if errors.Is(err, pollctl.ErrTooManyFds) {
					s.logger.Warn("rejecting connection", zap.String("name", c.name), zap.Error(err))
				}
				s.closeConn(c)
				continue
			}
			c.linked = true
			c.typ = want
		} else if c.typ != want {
			s.ctl.Relink(fd, want, c.name, "reconcile")
			c.typ = want
		}
	}
}

// onEvent runs with mu and the controller lock held. It only records state
// and submits work.
func (s *Server) onEvent(fd int, events pollctl.Events) error {
	switch fd {
	case s.notifyFd:
		drainEventfd(fd)
		return nil
	case s.timerFd:
		drainEventfd(fd)
		s.runElapsed()
		return nil
	}

	c, ok := s.conns[fd]
	if !ok {
		return nil
	}

	if events.HasError() || (events.HasHangup() && !events.CanRead()) {
		c.closing = true
		return nil
	}
	if c.busy {
		return nil
	}

	switch {
	case c.listener && events.CanRead():
		s.dispatch(c, s.accept, "accept")
	case events.CanRead():
		s.dispatch(c, s.serve, "serve")
	case events.CanWrite():
		s.dispatch(c, s.flush, "flush")
	}
	return nil
}

// dispatch hands c to a worker. Requires mu.
func (s *Server) dispatch(c *Conn, fn func(*Conn) error, tag string) {
	c.busy = true
	err := s.wq.Submit(func() {
		err := fn(c)
		s.done(c, err)
	}, fmt.Sprintf("%s fd=%d", tag, c.fd))
	if err != nil {
		c.busy = false
		s.logger.Debug("work rejected", zap.String("name", c.name), zap.Error(err))
	}
}

func (s *Server) done(c *Conn, err error) {
	s.mu.Lock()
	c.busy = false
	if err != nil {
		c.closing = true
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("closing connection", zap.String("name", c.name), zap.Error(err))
			s.setError(fmt.Errorf("%s: %w", c.name, err))
		}
	}
	s.mu.Unlock()

	s.notify()
}

func (s *Server) serve(c *Conn) error {
	return s.handler.Serve(c)
}

func (s *Server) flush(c *Conn) error {
	return c.flush()
}

func (s *Server) accept(ln *Conn) error {
	for {
		fd, sa, err := unix.Accept4(ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case IsTemporaryError(err):
				return nil
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			}
			// keep the listener open, accept failures like EMFILE are transient
			s.logger.Warn("accept failed", zap.Error(err))
			return nil
		}

		c := &Conn{fd: fd, name: sockaddrString(sa)}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			_ = unix.Close(fd)
			return nil
		}
		s.conns[fd] = c
		s.mu.Unlock()

		s.logger.Debug("new connection", zap.Int("fd", fd), zap.String("name", c.name))
	}
}

// closeConn requires mu and that no worker owns c.
func (s *Server) closeConn(c *Conn) {
	delete(s.conns, c.fd)
	if c.linked {
		s.ctl.Unlink(c.fd, c.name, "closeConn")
	}
	// the listener fd belongs to lnFile
	if c.listener {
		return
	}
	if err := unix.Close(c.fd); err != nil {
		s.logger.Debug("close failed", zap.String("name", c.name), zap.Error(err))
	}
	s.logger.Debug("connection closed", zap.Int("fd", c.fd), zap.String("name", c.name))
}

// stop asks the watch loop to return. It writes the notify eventfd rather
// than calling ctl.Interrupt: an interrupt sent between the stopping check
// and Wait would be dropped, while the eventfd stays readable until drained.
func (s *Server) stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.notify()
}

func (s *Server) notify() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(s.notifyFd, buf[:]); err != nil && !IsTemporaryError(err) {
		s.logger.Error("failed to notify watch loop", zap.Error(err))
	}
}

func drainEventfd(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

// shutdown cancels delayed work, waits for in-flight work, then closes
// every connection.
func (s *Server) shutdown() error {
	s.mu.Lock()
	s.stopping = true
	s.cancelDelayed()
	s.mu.Unlock()

	s.wq.Quiesce()

	s.mu.Lock()
	for _, c := range s.conns {
		s.closeConn(c)
	}
	s.mu.Unlock()

	s.wq.Close()
	return s.release()
}

// release frees whatever open managed to create.
func (s *Server) release() error {
	var err error
	s.mu.Lock()
	timerFd := s.timerFd
	s.timerFd = -1
	s.mu.Unlock()

	if s.ctl != nil {
		if s.notifyFd >= 0 {
			s.ctl.Unlink(s.notifyFd, "notify", "release")
		}
		if timerFd >= 0 {
			s.ctl.Unlink(timerFd, "timer", "release")
		}
		err = multierr.Append(err, s.ctl.Close())
	}
	if timerFd >= 0 {
		err = multierr.Append(err, unix.Close(timerFd))
	}
	if s.notifyFd >= 0 {
		err = multierr.Append(err, unix.Close(s.notifyFd))
		s.notifyFd = -1
	}
	if s.lnFile != nil {
		err = multierr.Append(err, s.lnFile.Close())
	}
	if s.ln != nil {
		err = multierr.Append(err, s.ln.Close())
	}
	return err
}

func sockaddrString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return (&net.TCPAddr{IP: net.IP(addr.Addr[:]), Port: addr.Port}).String()
	case *unix.SockaddrInet6:
		return (&net.TCPAddr{IP: net.IP(addr.Addr[:]), Port: addr.Port}).String()
	case *unix.SockaddrUnix:
		return addr.Name
	}
	return "unknown"
}
