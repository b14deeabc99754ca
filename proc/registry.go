// Package proc holds the per-guild player registry, its sessions and the
// background sweeper that evicts idle players.
package proc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/leeineian/tempo/source"
	"github.com/leeineian/tempo/sys"
)

// ErrCapacityExceeded is returned by Get when a non-premium guild asks for a
// player while the registry is at its limit. Nothing is created.
var ErrCapacityExceeded = errors.New("player capacity exceeded")

// ErrRegistryClosed is returned by Get after Shutdown.
var ErrRegistryClosed = errors.New("player registry is shut down")

const (
	DefaultFirstSweep    = 20 * time.Minute
	DefaultSweepInterval = 10 * time.Minute

	// releaseConcurrency bounds parallel engine releases during a sweep.
	releaseConcurrency = 8
)

// PrivilegeOracle reports whether a guild may exceed the capacity limit.
type PrivilegeOracle interface {
	IsPrivileged(guildID snowflake.ID) bool
}

// PresenceOracle reports what the gateway knows about a guild.
type PresenceOracle interface {
	// Exists reports whether the bot is still in the guild.
	Exists(guildID snowflake.ID) bool
	// IsConnected reports whether the bot is in a voice channel of the guild.
	IsConnected(guildID snowflake.ID) bool
}

// EngineFactory builds the playback engine for a new session.
type EngineFactory func(guildID snowflake.ID) (PlaybackEngine, error)

type RegistryConfig struct {
	Limit     int
	Chain     source.Resolver
	Privilege PrivilegeOracle
	Presence  PresenceOracle
	NewEngine EngineFactory

	// Sweeper schedule, zero values use the defaults.
	Clock         clockwork.Clock
	FirstSweep    time.Duration
	SweepInterval time.Duration
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Force    bool
	Visited  int
	Removed  int
	Orphaned int
	Failed   int
	At       time.Time
}

// Registry keeps at most one Session per guild.
type Registry struct {
	mu       sync.RWMutex
	sessions map[snowflake.ID]*Session

	limit     int
	chain     source.Resolver
	privilege PrivilegeOracle
	presence  PresenceOracle
	newEngine EngineFactory
	clock     clockwork.Clock
	sweeper   *Sweeper

	reportMu   sync.Mutex
	lastReport *SweepReport

	shutdownOnce sync.Once
	closed       bool
}

// NewRegistry creates the registry and starts its sweeper.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Chain == nil || cfg.Privilege == nil || cfg.Presence == nil || cfg.NewEngine == nil {
		return nil, errors.New("registry: chain, oracles and engine factory are required")
	}
	if cfg.Limit < 0 {
		return nil, fmt.Errorf("registry: invalid limit %d", cfg.Limit)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.FirstSweep <= 0 {
		cfg.FirstSweep = DefaultFirstSweep
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	r := &Registry{
		sessions:  make(map[snowflake.ID]*Session),
		limit:     cfg.Limit,
		chain:     cfg.Chain,
		privilege: cfg.Privilege,
		presence:  cfg.Presence,
		newEngine: cfg.NewEngine,
		clock:     cfg.Clock,
	}
	r.sweeper = NewSweeper(r, cfg.Clock, cfg.FirstSweep, cfg.SweepInterval)
	r.sweeper.Start()
	return r, nil
}

// Get returns the guild's session, creating it when absent. Premium guilds
// skip the capacity check.
func (r *Registry) Get(guildID snowflake.ID) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[guildID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if ok {
		return s, nil
	}

	if size := r.Size(); size >= r.limit && !r.privilege.IsPrivileged(guildID) {
		sys.LogDebug(sys.MsgPlayerCapacityBlocked, guildID, size, r.limit)
		return nil, ErrCapacityExceeded
	}

	engine, err := r.newEngine(guildID)
	if err != nil {
		return nil, fmt.Errorf("creating player for guild %s: %w", guildID, err)
	}
	s = newSession(guildID, r.chain, engine)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if err := s.release(); err != nil {
			sys.LogPlayerWarn(sys.MsgPlayerReleaseFail, guildID, err)
		}
		return nil, ErrRegistryClosed
	}
	if existing, ok := r.sessions[guildID]; ok {
		r.mu.Unlock()
		// Lost the race to a concurrent Get.
		if err := s.release(); err != nil {
			sys.LogPlayerWarn(sys.MsgPlayerReleaseFail, guildID, err)
		}
		return existing, nil
	}
	r.sessions[guildID] = s
	size := len(r.sessions)
	r.mu.Unlock()

	sys.LogPlayer(sys.MsgPlayerCreated, guildID, size, r.limit)
	return s, nil
}

func (r *Registry) GetExisting(guildID snowflake.ID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[guildID]
	return s, ok
}

// Destroy removes the guild's session and releases its engine before
// returning. Destroying an absent guild is a no-op.
func (r *Registry) Destroy(guildID snowflake.ID) {
	r.mu.Lock()
	s, ok := r.sessions[guildID]
	if ok {
		delete(r.sessions, guildID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := s.release(); err != nil {
		sys.LogPlayerWarn(sys.MsgPlayerReleaseFail, guildID, err)
	}
	sys.LogPlayer(sys.MsgPlayerDestroyed, guildID)
}

func (r *Registry) Contains(guildID snowflake.ID) bool {
	_, ok := r.GetExisting(guildID)
	return ok
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Limit() int { return r.limit }

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// LastSweep returns the report of the most recent sweep.
func (r *Registry) LastSweep() (SweepReport, bool) {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	if r.lastReport == nil {
		return SweepReport{}, false
	}
	return *r.lastReport, true
}

// removeIf deletes the entry only if it still holds s.
func (r *Registry) removeIf(guildID snowflake.ID, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[guildID]; ok && cur == s {
		delete(r.sessions, guildID)
		return true
	}
	return false
}

type sweepVerdict int

const (
	sweepKeep sweepVerdict = iota
	sweepOrphan
	sweepEvict
)

// Sweep evaluates every session present when it starts. Guilds the bot has
// left are dropped regardless of force; otherwise sessions are evicted when
// forced, disconnected from voice, or idle. A fault in one entry is logged
// and the pass continues.
func (r *Registry) Sweep(force bool) SweepReport {
	sys.LogPlayer(sys.MsgPlayerSweepStart, force)

	snapshot := make(map[snowflake.ID]*Session)
	r.mu.RLock()
	for id, s := range r.sessions {
		snapshot[id] = s
	}
	r.mu.RUnlock()

	report := SweepReport{Force: force, Visited: len(snapshot), At: r.clock.Now()}
	var reportMu sync.Mutex
	count := func(f func()) {
		reportMu.Lock()
		f()
		reportMu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(releaseConcurrency)
	for guildID, s := range snapshot {
		verdict, err := r.evaluate(guildID, s, force)
		if err != nil {
			sys.LogPlayerWarn(sys.MsgPlayerSweepEntryFault, guildID, err)
			count(func() { report.Failed++ })
			if !force {
				continue
			}
			verdict = sweepEvict
		}
		if verdict == sweepKeep {
			continue
		}
		if !r.removeIf(guildID, s) {
			continue
		}

		g.Go(func() error {
			if err := r.cleanup(guildID, s, verdict); err != nil {
				sys.LogPlayerWarn(sys.MsgPlayerSweepEntryFault, guildID, err)
				count(func() { report.Failed++ })
			}
			count(func() {
				report.Removed++
				if verdict == sweepOrphan {
					report.Orphaned++
				}
			})
			// Errors are logged above and never abort the group.
			return nil
		})
	}
	_ = g.Wait()

	sys.LogPlayer(sys.MsgPlayerSweepDone, report.Visited, report.Removed, report.Orphaned, report.Failed)
	r.reportMu.Lock()
	r.lastReport = &report
	r.reportMu.Unlock()
	return report
}

func (r *Registry) evaluate(guildID snowflake.ID, s *Session, force bool) (verdict sweepVerdict, err error) {
	defer func() {
		if p := recover(); p != nil {
			verdict, err = sweepKeep, fmt.Errorf("panic: %v", p)
		}
	}()

	if !r.presence.Exists(guildID) {
		sys.LogPlayer(sys.MsgPlayerSweepOrphan, guildID)
		return sweepOrphan, nil
	}
	if force || !r.presence.IsConnected(guildID) || !s.engine.HasCurrentTrack() {
		return sweepEvict, nil
	}
	return sweepKeep, nil
}

func (r *Registry) cleanup(guildID snowflake.ID, s *Session, verdict sweepVerdict) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if verdict == sweepEvict {
		sys.LogDebug(sys.MsgPlayerSweepEntry, guildID)
		s.engine.ClearQueue()
	}
	return s.release()
}

// Shutdown refuses new sessions, stops the sweeper and force-sweeps every
// session. Later calls are no-ops.
func (r *Registry) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		r.sweeper.Stop()
		sys.LogPlayer(sys.MsgPlayerShutdown, r.Size())
		r.Sweep(true)
	})
}
