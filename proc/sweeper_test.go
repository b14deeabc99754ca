package proc

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct {
	runs chan bool
}

func (c *countingTarget) Sweep(force bool) SweepReport {
	c.runs <- force
	return SweepReport{Force: force}
}

func waitRun(t *testing.T, runs <-chan bool) {
	t.Helper()
	select {
	case force := <-runs:
		assert.False(t, force, "scheduled sweeps are never forced")
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not run")
	}
}

func assertNoRun(t *testing.T, runs <-chan bool) {
	t.Helper()
	select {
	case <-runs:
		t.Fatal("sweep ran early")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweeperSchedule(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	target := &countingTarget{runs: make(chan bool, 4)}
	s := NewSweeper(target, clock, DefaultFirstSweep, DefaultSweepInterval)
	s.Start()
	defer s.Stop()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(19 * time.Minute)
	assertNoRun(t, target.runs)

	clock.Advance(time.Minute)
	waitRun(t, target.runs)

	for range 2 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(9 * time.Minute)
		assertNoRun(t, target.runs)
		clock.Advance(time.Minute)
		waitRun(t, target.runs)
	}
}

func TestSweeperStopPreventsRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	target := &countingTarget{runs: make(chan bool, 1)}
	s := NewSweeper(target, clock, time.Minute, time.Minute)
	s.Start()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	s.Stop()
	s.Stop()
	clock.Advance(time.Hour)
	assertNoRun(t, target.runs)
}

func TestSweeperStopWithoutStart(t *testing.T) {
	s := NewSweeper(&countingTarget{runs: make(chan bool)}, clockwork.NewFakeClock(), time.Minute, time.Minute)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a sweeper that never started")
	}
}

type panickingTarget struct{ runs chan struct{} }

func (p *panickingTarget) Sweep(bool) SweepReport {
	p.runs <- struct{}{}
	panic("sweep exploded")
}

func TestSweeperSurvivesPanickingSweep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	target := &panickingTarget{runs: make(chan struct{}, 2)}
	s := NewSweeper(target, clock, time.Minute, time.Minute)
	s.Start()
	defer s.Stop()

	for range 2 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Minute)
		select {
		case <-target.runs:
		case <-time.After(5 * time.Second):
			t.Fatal("sweep did not run")
		}
	}
}
