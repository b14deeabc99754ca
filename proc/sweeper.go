package proc

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/leeineian/tempo/sys"
)

// SweepTarget is swept on a schedule.
type SweepTarget interface {
	Sweep(force bool) SweepReport
}

// Sweeper runs non-forced sweeps from a single goroutine, so runs never overlap.
type Sweeper struct {
	target   SweepTarget
	clock    clockwork.Clock
	first    time.Duration
	interval time.Duration

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSweeper(target SweepTarget, clock clockwork.Clock, first, interval time.Duration) *Sweeper {
	return &Sweeper{
		target:   target,
		clock:    clock,
		first:    first,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		sys.LogDebug(sys.MsgPlayerSweeperStarted, s.first, s.interval)
		go s.loop()
	})
}

// Stop cancels future runs and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		// Never started: nothing to wait for.
		s.startOnce.Do(func() { close(s.done) })
		<-s.done
		sys.LogDebug(sys.MsgPlayerSweeperStopped)
	})
}

func (s *Sweeper) loop() {
	defer close(s.done)

	timer := s.clock.NewTimer(s.first)
	defer timer.Stop()
	select {
	case <-s.stop:
		return
	case <-timer.Chan():
	}
	s.run()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.run()
		}
	}
}

func (s *Sweeper) run() {
	defer func() {
		if r := recover(); r != nil {
			sys.LogError(sys.MsgLoaderPanicRecovered, r)
		}
	}()
	s.target.Sweep(false)
}
