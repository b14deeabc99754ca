package proc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/tempo/source"
)

// PlaybackEngine is the per-guild player behind a Session.
type PlaybackEngine interface {
	Connect(ctx context.Context, channelID snowflake.ID) error
	Enqueue(tracks ...source.Track)
	Queue() []source.Track
	NowPlaying() (source.Track, bool)
	Skip() bool
	HasCurrentTrack() bool
	ClearQueue()
	// Release stops playback and frees the engine. It must be idempotent.
	Release() error
}

// Session is the live player state of one guild. Sessions are created by the
// Registry only.
type Session struct {
	GuildID snowflake.ID

	chain  source.Resolver
	engine PlaybackEngine

	destroyed   atomic.Bool
	releaseOnce sync.Once
	releaseErr  error
}

func newSession(guildID snowflake.ID, chain source.Resolver, engine PlaybackEngine) *Session {
	return &Session{GuildID: guildID, chain: chain, engine: engine}
}

// Resolve looks up query through the shared resolver chain.
func (s *Session) Resolve(ctx context.Context, query string) ([]source.Track, error) {
	return s.chain.Resolve(ctx, query)
}

func (s *Session) Connect(ctx context.Context, channelID snowflake.ID) error {
	return s.engine.Connect(ctx, channelID)
}

func (s *Session) Enqueue(tracks ...source.Track) { s.engine.Enqueue(tracks...) }

func (s *Session) Queue() []source.Track { return s.engine.Queue() }

func (s *Session) NowPlaying() (source.Track, bool) { return s.engine.NowPlaying() }

func (s *Session) Skip() bool { return s.engine.Skip() }

func (s *Session) Destroyed() bool { return s.destroyed.Load() }

// release frees the engine once. Later calls return the first result.
func (s *Session) release() error {
	s.releaseOnce.Do(func() {
		s.destroyed.Store(true)
		s.releaseErr = s.engine.Release()
	})
	return s.releaseErr
}
