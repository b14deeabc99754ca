package proc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeineian/tempo/source"
)

type fakeEngine struct {
	mu         sync.Mutex
	playing    bool
	queue      []source.Track
	cleared    int
	releases   int
	releaseErr error
}

func (e *fakeEngine) Connect(context.Context, snowflake.ID) error { return nil }

func (e *fakeEngine) Enqueue(tracks ...source.Track) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, tracks...)
}

func (e *fakeEngine) Queue() []source.Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]source.Track(nil), e.queue...)
}

func (e *fakeEngine) NowPlaying() (source.Track, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return source.Track{Title: "song"}, e.playing
}

func (e *fakeEngine) Skip() bool { return false }

func (e *fakeEngine) HasCurrentTrack() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *fakeEngine) ClearQueue() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleared++
	e.queue = nil
}

func (e *fakeEngine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releases++
	return e.releaseErr
}

func (e *fakeEngine) releaseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releases
}

type fakeChain struct{}

func (fakeChain) Name() string { return "fake" }

func (fakeChain) Resolve(_ context.Context, query string) ([]source.Track, error) {
	return []source.Track{{Title: query}}, nil
}

type fakePrivilege struct {
	mu      sync.Mutex
	premium map[snowflake.ID]bool
}

func (p *fakePrivilege) IsPrivileged(guildID snowflake.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.premium[guildID]
}

type fakePresence struct {
	mu           sync.Mutex
	gone         map[snowflake.ID]bool
	disconnected map[snowflake.ID]bool
	panics       map[snowflake.ID]bool
}

func (p *fakePresence) Exists(guildID snowflake.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panics[guildID] {
		panic("presence lookup exploded")
	}
	return !p.gone[guildID]
}

func (p *fakePresence) IsConnected(guildID snowflake.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.disconnected[guildID]
}

type registryFixture struct {
	registry  *Registry
	privilege *fakePrivilege
	presence  *fakePresence

	mu      sync.Mutex
	engines map[snowflake.ID][]*fakeEngine
	built   atomic.Int32
}

func newRegistryFixture(t *testing.T, limit int) *registryFixture {
	t.Helper()
	f := &registryFixture{
		privilege: &fakePrivilege{premium: map[snowflake.ID]bool{}},
		presence: &fakePresence{
			gone:         map[snowflake.ID]bool{},
			disconnected: map[snowflake.ID]bool{},
			panics:       map[snowflake.ID]bool{},
		},
		engines: map[snowflake.ID][]*fakeEngine{},
	}
	r, err := NewRegistry(RegistryConfig{
		Limit:     limit,
		Chain:     fakeChain{},
		Privilege: f.privilege,
		Presence:  f.presence,
		NewEngine: func(guildID snowflake.ID) (PlaybackEngine, error) {
			f.built.Add(1)
			e := &fakeEngine{}
			f.mu.Lock()
			f.engines[guildID] = append(f.engines[guildID], e)
			f.mu.Unlock()
			return e, nil
		},
		Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	f.registry = r
	return f
}

func (f *registryFixture) engine(t *testing.T, guildID snowflake.ID) *fakeEngine {
	t.Helper()
	s, ok := f.registry.GetExisting(guildID)
	require.True(t, ok)
	return s.engine.(*fakeEngine)
}

func TestNewRegistryValidatesConfig(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{Limit: 1})
	assert.Error(t, err)

	_, err = NewRegistry(RegistryConfig{
		Limit:     -1,
		Chain:     fakeChain{},
		Privilege: &fakePrivilege{},
		Presence:  &fakePresence{},
		NewEngine: func(snowflake.ID) (PlaybackEngine, error) { return &fakeEngine{}, nil },
	})
	assert.Error(t, err)
}

func TestGetReturnsSameSession(t *testing.T) {
	f := newRegistryFixture(t, 10)

	first, err := f.registry.Get(1)
	require.NoError(t, err)
	second, err := f.registry.Get(1)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.registry.Size())
	assert.EqualValues(t, 1, f.built.Load())
	assert.Equal(t, snowflake.ID(1), first.GuildID)
}

func TestSessionResolvesThroughSharedChain(t *testing.T) {
	f := newRegistryFixture(t, 10)
	s, err := f.registry.Get(1)
	require.NoError(t, err)

	tracks, err := s.Resolve(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "hello", tracks[0].Title)
}

func TestGetAtCapacityCreatesNothing(t *testing.T) {
	f := newRegistryFixture(t, 2)
	_, err := f.registry.Get(1)
	require.NoError(t, err)
	_, err = f.registry.Get(2)
	require.NoError(t, err)

	s, err := f.registry.Get(3)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Nil(t, s)
	assert.Equal(t, 2, f.registry.Size())
	assert.False(t, f.registry.Contains(3))
	assert.EqualValues(t, 2, f.built.Load())

	// Existing sessions are still returned at capacity.
	_, err = f.registry.Get(1)
	assert.NoError(t, err)
}

func TestGetPremiumBypassesCapacity(t *testing.T) {
	f := newRegistryFixture(t, 1)
	f.privilege.premium[3] = true

	_, err := f.registry.Get(1)
	require.NoError(t, err)
	_, err = f.registry.Get(3)
	require.NoError(t, err)

	assert.Equal(t, 2, f.registry.Size())
	assert.Greater(t, f.registry.Size(), f.registry.Limit())
}

func TestZeroLimitOnlyAdmitsPremium(t *testing.T) {
	f := newRegistryFixture(t, 0)
	f.privilege.premium[7] = true

	_, err := f.registry.Get(1)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	_, err = f.registry.Get(7)
	assert.NoError(t, err)
}

func TestGetPropagatesEngineError(t *testing.T) {
	boom := errors.New("no voice manager")
	r, err := NewRegistry(RegistryConfig{
		Limit:     5,
		Chain:     fakeChain{},
		Privilege: &fakePrivilege{},
		Presence:  &fakePresence{},
		NewEngine: func(snowflake.ID) (PlaybackEngine, error) { return nil, boom },
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	defer r.Shutdown()

	_, err = r.Get(1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Size())
}

func TestDestroyIsIdempotent(t *testing.T) {
	f := newRegistryFixture(t, 10)
	s, err := f.registry.Get(1)
	require.NoError(t, err)
	e := f.engine(t, 1)

	f.registry.Destroy(1)
	f.registry.Destroy(1)
	f.registry.Destroy(42)

	assert.False(t, f.registry.Contains(1))
	assert.Equal(t, 0, f.registry.Size())
	assert.True(t, s.Destroyed())
	assert.Equal(t, 1, e.releaseCount())
}

func TestDestroyThenGetCreatesFreshSession(t *testing.T) {
	f := newRegistryFixture(t, 10)
	old, err := f.registry.Get(1)
	require.NoError(t, err)
	f.registry.Destroy(1)

	fresh, err := f.registry.Get(1)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.False(t, fresh.Destroyed())
}

func TestDestroyReleaseErrorStillRemoves(t *testing.T) {
	f := newRegistryFixture(t, 10)
	_, err := f.registry.Get(1)
	require.NoError(t, err)
	f.engine(t, 1).releaseErr = errors.New("voice close failed")

	f.registry.Destroy(1)
	assert.False(t, f.registry.Contains(1))
}

func TestConcurrentGetLeavesNoPhantoms(t *testing.T) {
	f := newRegistryFixture(t, 10)

	const workers = 32
	results := make([]*Session, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, err := f.registry.Get(9)
			assert.NoError(t, err)
			results[i] = s
		}()
	}
	close(start)
	wg.Wait()

	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, 1, f.registry.Size())

	f.mu.Lock()
	defer f.mu.Unlock()
	live := 0
	for _, e := range f.engines[9] {
		if e.releaseCount() == 0 {
			live++
		}
	}
	assert.Equal(t, 1, live, "only the winning engine may stay alive")
}

func TestSweepEvictionRules(t *testing.T) {
	f := newRegistryFixture(t, 10)
	for _, id := range []snowflake.ID{1, 2, 3, 4} {
		_, err := f.registry.Get(id)
		require.NoError(t, err)
	}

	// 1: playing and connected, kept
	f.engine(t, 1).playing = true
	// 2: playing but the bot left the guild
	f.engine(t, 2).playing = true
	f.presence.gone[2] = true
	// 3: playing but no longer in voice
	f.engine(t, 3).playing = true
	f.presence.disconnected[3] = true
	// 4: connected and idle
	e2, e3, e4 := f.engine(t, 2), f.engine(t, 3), f.engine(t, 4)

	report := f.registry.Sweep(false)

	assert.Equal(t, 4, report.Visited)
	assert.Equal(t, 3, report.Removed)
	assert.Equal(t, 1, report.Orphaned)
	assert.Equal(t, 0, report.Failed)
	assert.False(t, report.Force)

	assert.True(t, f.registry.Contains(1))
	assert.False(t, f.registry.Contains(2))
	assert.False(t, f.registry.Contains(3))
	assert.False(t, f.registry.Contains(4))

	assert.Equal(t, 1, e2.releaseCount())
	assert.Equal(t, 0, e2.cleared, "orphans are released without clearing")
	assert.Equal(t, 1, e3.cleared)
	assert.Equal(t, 1, e4.cleared)

	last, ok := f.registry.LastSweep()
	require.True(t, ok)
	assert.Equal(t, report, last)
}

func TestSweepForceEvictsEverything(t *testing.T) {
	f := newRegistryFixture(t, 10)
	for _, id := range []snowflake.ID{1, 2, 3} {
		_, err := f.registry.Get(id)
		require.NoError(t, err)
		f.engine(t, id).playing = true
	}

	report := f.registry.Sweep(true)
	assert.True(t, report.Force)
	assert.Equal(t, 3, report.Removed)
	assert.Equal(t, 0, f.registry.Size())
}

func TestSweepIsolatesFaultyEntries(t *testing.T) {
	f := newRegistryFixture(t, 10)
	for _, id := range []snowflake.ID{1, 2, 3} {
		_, err := f.registry.Get(id)
		require.NoError(t, err)
	}
	f.presence.panics[2] = true
	f.engine(t, 3).releaseErr = errors.New("release failed")

	report := f.registry.Sweep(false)

	assert.Equal(t, 3, report.Visited)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 2, report.Removed)
	assert.True(t, f.registry.Contains(2), "a faulted entry is kept by a normal sweep")
	assert.False(t, f.registry.Contains(1))
	assert.False(t, f.registry.Contains(3))

	report = f.registry.Sweep(true)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, f.registry.Size())
}

func TestSweepSkipsConcurrentlyReplacedEntry(t *testing.T) {
	f := newRegistryFixture(t, 10)
	old, err := f.registry.Get(1)
	require.NoError(t, err)

	// Replaced between snapshot and removal.
	f.registry.Destroy(1)
	fresh, err := f.registry.Get(1)
	require.NoError(t, err)
	assert.False(t, f.registry.removeIf(1, old))

	cur, ok := f.registry.GetExisting(1)
	require.True(t, ok)
	assert.Same(t, fresh, cur)
}

func TestShutdownForceSweepsOnce(t *testing.T) {
	f := newRegistryFixture(t, 10)
	_, err := f.registry.Get(1)
	require.NoError(t, err)
	f.engine(t, 1).playing = true
	e := f.engine(t, 1)

	f.registry.Shutdown()
	f.registry.Shutdown()

	assert.Equal(t, 0, f.registry.Size())
	assert.Equal(t, 1, e.releaseCount())
	last, ok := f.registry.LastSweep()
	require.True(t, ok)
	assert.True(t, last.Force)
}

func TestSessionsSnapshot(t *testing.T) {
	f := newRegistryFixture(t, 10)
	_, _ = f.registry.Get(1)
	_, _ = f.registry.Get(2)

	snapshot := f.registry.Sessions()
	f.registry.Destroy(1)

	assert.Len(t, snapshot, 2)
	assert.Equal(t, 1, f.registry.Size())
}

func TestGetAfterShutdownIsRefused(t *testing.T) {
	f := newRegistryFixture(t, 10)
	_, err := f.registry.Get(1)
	require.NoError(t, err)

	f.registry.Shutdown()

	s, err := f.registry.Get(1)
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Nil(t, s)
	_, err = f.registry.Get(2)
	assert.ErrorIs(t, err, ErrRegistryClosed)

	assert.Equal(t, 0, f.registry.Size())
	assert.EqualValues(t, 1, f.built.Load(), "no engine is built once closed")
}
