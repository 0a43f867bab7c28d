//go:build linux
// +build linux

package pollctl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fzft/go-conmgr/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type phase int

const (
	phaseReady phase = iota
	phaseWaiting
	phaseResultsPending
)

func (p phase) String() string {
	switch p {
	case phaseReady:
		return "READY"
	case phaseWaiting:
		return "WAITING"
	case phaseResultsPending:
		return "RESULTS_PENDING"
	}
	return "UNKNOWN"
}

// Event is one ready fd reported by the last Wait.
type Event struct {
	Fd     int
	Events Events
}

// EventFunc is called by ForEachEvent for every ready fd. Returning a
// non-nil error stops the walk.
type EventFunc func(fd int, events Events) error

type entry struct {
	typ  FdType
	name string
}

// Controller multiplexes a bounded set of fds over one blocking epoll_wait.
//
// mu guards the table, the result set and the phase. It is released while
// Wait is blocked in the kernel, so Link, Relink and Unlink from other
// goroutines never wait behind a poll. Interrupt never takes mu; wakeMu only
// keeps Close from releasing the eventfd under a concurrent signal.
type Controller struct {
	mu       sync.Mutex
	reg      *registry
	wake     *waker
	capacity int
	fds      map[int]*entry
	buf      []unix.EpollEvent
	results  []Event
	phase    phase
	closed   bool

	// polling is set while Wait owns the kernel call. Interrupt reads it
	// without mu.
	polling atomic.Bool

	wakeMu     sync.RWMutex
	wakeClosed bool

	logger *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a Controller that accepts up to capacity fds. A non-positive
// capacity is a programming error and panics.
func New(capacity int, opts ...Option) (*Controller, error) {
	if capacity <= 0 {
		panic(fmt.Sprintf("pollctl: invalid capacity %d", capacity))
	}

	c := &Controller{
		capacity: capacity,
		fds:      make(map[int]*entry, capacity),
		// one extra slot for the interrupt eventfd
		buf:    make([]unix.EpollEvent, capacity+1),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	reg, err := newRegistry()
	if err != nil {
		c.logger.Error("failed to create epoll", zap.Error(err))
		return nil, err
	}

	wake, err := newWaker()
	if err != nil {
		c.logger.Error("failed to create eventfd", zap.Error(err))
		_ = reg.close()
		return nil, err
	}

	if err := reg.add(wake.fd, unix.EPOLLIN); err != nil {
		c.logger.Error("failed to add eventfd to epoll", zap.Error(err))
		return nil, multierr.Append(err, multierr.Append(wake.close(), reg.close()))
	}

	c.reg = reg
	c.wake = wake
	return c, nil
}

// Close releases the epoll instance and the interrupt eventfd. Registered
// fds are dropped, not closed; they belong to the caller.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if c.phase == phaseWaiting {
		return ErrPollInProgress
	}

	c.logger.Debug("closing poll controller", zap.Int("dropped", len(c.fds)))

	c.closed = true
	c.fds = nil
	c.results = nil

	c.wakeMu.Lock()
	c.wakeClosed = true
	err := c.wake.close()
	c.wakeMu.Unlock()

	return multierr.Append(err, c.reg.close())
}

// Capacity returns the maximum number of linked fds.
func (c *Controller) Capacity() int {
	return c.capacity
}

// Len returns the number of linked fds.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fds)
}

// Type returns the monitored type of fd, or TypeNone when fd is not linked.
func (c *Controller) Type(fd int) FdType {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.fds[fd]; ok {
		return e.typ
	}
	return TypeNone
}

// Link starts monitoring fd as typ, replacing any previous type. A new fd
// is refused with ErrTooManyFds once the controller is at capacity.
func (c *Controller) Link(fd int, typ FdType, name, caller string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields := c.fields(fd, typ, name, caller)

	if c.closed {
		return ErrClosed
	}
	if !typ.pollable() {
		c.logger.Warn("refusing to link fd", append(fields, zap.Error(ErrInvalidType))...)
		return fmt.Errorf("%w: %s", ErrInvalidType, typ)
	}
	if c.phase == phaseResultsPending {
		c.logger.Warn("refusing to link fd", append(fields, zap.Error(ErrResultsPending))...)
		return ErrResultsPending
	}

	e, ok := c.fds[fd]
	if !ok && len(c.fds) >= c.capacity {
		c.logger.Warn("refusing to link fd", append(fields,
			zap.Int("capacity", c.capacity), zap.Error(ErrTooManyFds))...)
		return ErrTooManyFds
	}

	var err error
	if ok {
		err = c.reg.mod(fd, interest(typ))
	} else {
		err = c.reg.add(fd, interest(typ))
	}
	if err != nil {
		c.logger.Warn("failed to link fd", append(fields, zap.Error(err))...)
		return err
	}

	if ok {
		e.typ = typ
		e.name = name
	} else {
		c.fds[fd] = &entry{typ: typ, name: name}
	}

	c.logger.Debug("linked fd", fields...)
	return nil
}

// Relink changes the monitored type of an already linked fd. Misuse has no
// return channel and is only logged. TypeNone unlinks the fd.
func (c *Controller) Relink(fd int, typ FdType, name, caller string) {
	if typ == TypeNone {
		c.Unlink(fd, name, caller)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fields := c.fields(fd, typ, name, caller)

	switch {
	case c.closed:
		c.logger.Warn("ignoring relink on closed controller", fields...)
		return
	case !typ.pollable():
		c.logger.Warn("ignoring relink to invalid type", fields...)
		return
	case c.phase == phaseResultsPending:
		c.logger.Warn("ignoring relink before poll results are consumed", fields...)
		return
	}

	e, ok := c.fds[fd]
	if !ok {
		c.logger.Warn("ignoring relink of unknown fd", fields...)
		return
	}
	if e.typ == typ {
		e.name = name
		return
	}

	if err := c.reg.mod(fd, interest(typ)); err != nil {
		c.logger.Error("failed to relink fd", append(fields, zap.Error(err))...)
		return
	}

	e.typ = typ
	e.name = name
	c.logger.Debug("relinked fd", fields...)
}

// Unlink stops monitoring fd. Unlinking an fd that is not linked is a no-op,
// as connections may be closed concurrently with the request.
func (c *Controller) Unlink(fd int, name, caller string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	e, ok := c.fds[fd]
	if !ok {
		c.logger.Debug("ignoring unlink of unknown fd",
			zap.Int("fd", fd), zap.String("name", name), zap.String("caller", caller))
		return
	}

	fields := c.fields(fd, e.typ, name, caller)
	delete(c.fds, fd)
	c.dropResult(fd)

	// EBADF/ENOENT: the fd was already closed, which removes it from epoll.
	if err := c.reg.del(fd); err != nil {
		c.logger.Debug("epoll_ctl del failed", append(fields, zap.Error(err))...)
	}

	c.logger.Debug("unlinked fd", fields...)
}

// Wait blocks until a linked fd is ready or Interrupt is called. It must be
// followed by ForEachEvent before the next Wait.
func (c *Controller) Wait(caller string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != phaseReady {
		p := c.phase
		c.mu.Unlock()
		c.logger.Error("invalid poll", zap.String("caller", caller), zap.Stringer("phase", p))
		return fmt.Errorf("%w: wait in %s", ErrInvalidState, p)
	}

	// Interrupts sent while nobody was polling are discarded here.
	if err := c.wake.drain(); err != nil {
		c.mu.Unlock()
		return err
	}

	c.phase = phaseWaiting
	c.polling.Store(true)
	nfds := len(c.fds)
	c.mu.Unlock()

	c.logger.Debug("polling", zap.String("caller", caller), zap.Int("fds", nfds))

	n, err := c.reg.wait(c.buf)

	c.polling.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.phase = phaseReady
		c.logger.Error("poll failed", zap.String("caller", caller), zap.Error(err))
		return err
	}

	c.results = c.results[:0]
	for i := 0; i < n; i++ {
		ev := c.buf[i]
		fd := int(ev.Fd)
		if fd == c.wake.fd {
			if err := c.wake.drain(); err != nil {
				c.logger.Warn("failed to drain interrupt", zap.Error(err))
			}
			continue
		}
		// unlinked while the poll was running
		if _, ok := c.fds[fd]; !ok {
			continue
		}
		c.results = append(c.results, Event{Fd: fd, Events: Events(ev.Events)})
	}

	c.phase = phaseResultsPending
	c.logger.Debug("poll done", zap.String("caller", caller), zap.Int("events", len(c.results)))
	return nil
}

// ForEachEvent calls fn for every fd reported by the last Wait, in kernel
// order. The controller lock is held for the whole walk: fn must not block
// or call back into the Controller. The results are consumed even when fn
// stops the walk early.
func (c *Controller) ForEachEvent(fn EventFunc, caller string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != phaseResultsPending {
		c.logger.Error("invalid for each event",
			zap.String("caller", caller), zap.Stringer("phase", c.phase))
		return fmt.Errorf("%w: for each event in %s", ErrInvalidState, c.phase)
	}

	defer func() {
		c.results = c.results[:0]
		c.phase = phaseReady
	}()

	for _, ev := range c.results {
		if ce := c.logger.Check(zap.DebugLevel, "event"); ce != nil {
			ce.Write(zap.Int("fd", ev.Fd), zap.Stringer("events", ev.Events),
				zap.String("name", c.fds[ev.Fd].name), zap.String("caller", caller))
		}
		if err := fn(ev.Fd, ev.Events); err != nil {
			c.logger.Debug("for each event stopped",
				zap.Int("fd", ev.Fd), zap.String("caller", caller), zap.Error(err))
			return err
		}
	}
	return nil
}

// Interrupt wakes a concurrent Wait. It is ignored when no Wait is running
// and may be called while other goroutines hold locks that depend on the
// Controller. It only waits for a concurrent Close to finish.
func (c *Controller) Interrupt(caller string) {
	if !c.polling.Load() {
		c.logger.Debug("ignoring interrupt while not polling", zap.String("caller", caller))
		return
	}

	c.wakeMu.RLock()
	defer c.wakeMu.RUnlock()

	// the eventfd number may already belong to someone else
	if c.wakeClosed {
		c.logger.Debug("ignoring interrupt on closed controller", zap.String("caller", caller))
		return
	}
	if err := c.wake.signal(); err != nil {
		c.logger.Warn("failed to send interrupt", zap.String("caller", caller), zap.Error(err))
		return
	}
	c.logger.Debug("sent interrupt", zap.String("caller", caller))
}

func (c *Controller) dropResult(fd int) {
	if c.phase != phaseResultsPending {
		return
	}
	kept := c.results[:0]
	for _, ev := range c.results {
		if ev.Fd != fd {
			kept = append(kept, ev)
		}
	}
	c.results = kept
}

func (c *Controller) fields(fd int, typ FdType, name, caller string) []zap.Field {
	return []zap.Field{
		zap.Int("fd", fd),
		zap.Stringer("type", typ),
		zap.String("name", name),
		zap.String("caller", caller),
	}
}
