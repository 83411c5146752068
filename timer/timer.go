// Package timer implements the runtime timer subsystem: a
// cmd_timer addressed to the local runtime schedules cmd_timeout commands
// back to the sender at the requested period, self-disabling after the
// requested number of firings or when the owning extension shuts down.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/telemetry"
	"github.com/dataflowrt/core/tenerr"
)

// TimesInfinite requests a timer that fires until explicitly cancelled.
const TimesInfinite = -1

// TimeoutName is the message name carried by the cmd_timeout commands a
// running timer issues.
const TimeoutName = "timeout"

// Deliver hands a runtime-originated message (the timer's OK result, then
// each cmd_timeout) back to the routing layer for delivery to the timer's
// owner.
type Deliver func(*msg.Message) error

type runningTimer struct {
	id     uint64
	owner  msg.Locator
	cancel context.CancelFunc
}

// Service owns every active timer of one graph engine. Safe for concurrent
// use; each timer ticks on its own goroutine and delivers through the
// engine's normal enqueue path, so firings land on the owner's extension
// thread like any other inbound command.
type Service struct {
	log telemetry.Logger

	mu     sync.Mutex
	timers map[uint64]*runningTimer
	closed bool
	wg     sync.WaitGroup
}

// NewService constructs an empty timer service.
func NewService(log telemetry.Logger) *Service {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Service{log: log, timers: make(map[uint64]*runningTimer)}
}

// Handle accepts a cmd_timer and starts the timer. The command's sender receives an OK
// cmd_result immediately, then `times` cmd_timeout commands carrying the
// same timer_id at the requested period. Returning from a timeout handler
// does not stop the timer; it self-disables after the final firing.
func (s *Service) Handle(cmd *msg.Message, deliver Deliver) error {
	if cmd.Kind != msg.KindCmdTimer {
		return tenerr.InvalidArgumentf("timer service got %s, want cmd_timer", cmd.Kind)
	}
	if cmd.TimeoutInUs <= 0 {
		return tenerr.InvalidArgumentf("timer %d: timeout_in_us must be positive", cmd.TimerID)
	}
	if cmd.Times == 0 || cmd.Times < TimesInfinite {
		return tenerr.InvalidArgumentf("timer %d: times must be positive or -1", cmd.TimerID)
	}
	if cmd.Source.Extension == "" {
		return tenerr.InvalidArgumentf("timer %d: cmd_timer has no sender extension", cmd.TimerID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTimer{id: cmd.TimerID, owner: cmd.Source, cancel: cancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return tenerr.TenIsClosedf("timer service is closed")
	}
	if _, dup := s.timers[cmd.TimerID]; dup {
		s.mu.Unlock()
		cancel()
		return tenerr.InvalidArgumentf("timer %d is already running", cmd.TimerID)
	}
	s.timers[cmd.TimerID] = rt
	s.wg.Add(1)
	s.mu.Unlock()

	ack := msg.CreateResult(msg.StatusOK, cmd)
	ack.Dests = []msg.Locator{cmd.Source}
	if err := deliver(ack); err != nil {
		s.remove(rt.id)
		cancel()
		s.wg.Done()
		return err
	}

	period := time.Duration(cmd.TimeoutInUs) * time.Microsecond
	go s.run(ctx, rt, period, cmd.Times, deliver)
	return nil
}

func (s *Service) run(ctx context.Context, rt *runningTimer, period time.Duration, times int64, deliver Deliver) {
	defer s.wg.Done()
	defer s.remove(rt.id)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var fired int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			timeout := msg.Create(msg.KindCmdTimeout, TimeoutName)
			timeout.CmdID = timeout.ID
			timeout.TimerID = rt.id
			timeout.Dests = []msg.Locator{rt.owner}
			if err := deliver(timeout); err != nil {
				s.log.Warn(ctx, "timer timeout delivery failed; disabling timer", "timer_id", rt.id, "cause", err)
				return
			}
			fired++
			if times != TimesInfinite && fired >= times {
				return
			}
		}
	}
}

func (s *Service) remove(id uint64) {
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()
}

// Cancel stops the timer registered under id, if any, and reports whether
// one was running.
func (s *Service) Cancel(id uint64) bool {
	s.mu.Lock()
	rt, ok := s.timers[id]
	s.mu.Unlock()
	if ok {
		rt.cancel()
	}
	return ok
}

// CancelOwnedBy stops every timer whose owning extension matches owner;
// called when that extension enters Stopping.
func (s *Service) CancelOwnedBy(owner msg.Locator) {
	s.mu.Lock()
	var cancels []context.CancelFunc
	for _, rt := range s.timers {
		if rt.owner.Extension == owner.Extension && rt.owner.Group == owner.Group {
			cancels = append(cancels, rt.cancel)
		}
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Len reports the number of running timers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every running timer and waits for their goroutines to
// exit. Handle fails after Close.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	var cancels []context.CancelFunc
	for _, rt := range s.timers {
		cancels = append(cancels, rt.cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}
