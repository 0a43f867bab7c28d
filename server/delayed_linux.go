//go:build linux
// +build linux

package server

import (
	"container/heap"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DelayedFunc is run by a worker once its delay has elapsed. cancelled is
// true when the server shut down before the deadline.
type DelayedFunc func(cancelled bool)

type delayed struct {
	when time.Time
	seq  uint64
	fn   DelayedFunc
	tag  string
}

// delayedHeap is a min-heap of delayed work ordered by deadline, then by
// submission order.
type delayedHeap []*delayed

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) {
	*h = append(*h, x.(*delayed))
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

func newTimerFd() (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, os.NewSyscallError("timerfd_create", err)
	}
	return fd, nil
}

// SubmitDelayed runs fn on the work queue once d has elapsed. Work still
// waiting when the server stops runs with cancelled set.
func (s *Server) SubmitDelayed(d time.Duration, fn DelayedFunc, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return ErrStopped
	}
	if s.timerFd < 0 {
		return ErrNotRunning
	}

	s.delaySeq++
	heap.Push(&s.delayed, &delayed{when: time.Now().Add(d), seq: s.delaySeq, fn: fn, tag: tag})
	s.logger.Debug("delayed work added", zap.String("tag", tag), zap.Duration("delay", d))
	s.armTimer(time.Now())
	return nil
}

// runElapsed submits every delayed work whose deadline has passed and rearms
// the timer for the next one. Requires mu.
func (s *Server) runElapsed() {
	now := time.Now()
	total := s.delayed.Len()
	count := 0
	for s.delayed.Len() > 0 && !s.delayed[0].when.After(now) {
		d := heap.Pop(&s.delayed).(*delayed)
		s.submitDelayed(d, false)
		count++
	}
	s.armTimer(now)

	s.logger.Debug("checked delayed work", zap.Int("triggered", count), zap.Int("total", total))
}

// cancelDelayed runs every remaining delayed work as cancelled. Requires mu.
func (s *Server) cancelDelayed() {
	if s.delayed.Len() == 0 {
		return
	}
	s.logger.Debug("cancelling delayed work", zap.Int("count", s.delayed.Len()))
	for s.delayed.Len() > 0 {
		s.submitDelayed(heap.Pop(&s.delayed).(*delayed), true)
	}
	s.armTimer(time.Now())
}

func (s *Server) submitDelayed(d *delayed, cancelled bool) {
	err := s.wq.Submit(func() { d.fn(cancelled) }, d.tag)
	if err != nil {
		s.logger.Warn("dropping delayed work", zap.String("tag", d.tag), zap.Error(err))
	}
}

// armTimer sets the timerfd to the earliest deadline, or disarms it when
// nothing is waiting. Requires mu.
func (s *Server) armTimer(now time.Time) {
	var spec unix.ItimerSpec
	if s.delayed.Len() > 0 {
		wait := s.delayed[0].when.Sub(now)
		// a zero it_value disarms the timer
		if wait <= 0 {
			wait = time.Nanosecond
		}
		spec.Value = unix.NsecToTimespec(wait.Nanoseconds())
	}
	if err := unix.TimerfdSettime(s.timerFd, 0, &spec, nil); err != nil {
		s.logger.Error("failed to set timer", zap.Error(os.NewSyscallError("timerfd_settime", err)))
	}
}
