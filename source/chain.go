package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/leeineian/tempo/sys"
)

type ChainConfig struct {
	Spotify   SpotifyConfig
	Egress    EgressConfig
	CacheSize int
	CacheTTL  time.Duration
	Clock     clockwork.Clock
}

// ChainConfigFromConfig maps the bot configuration onto a ChainConfig.
func ChainConfigFromConfig(cfg *sys.Config) ChainConfig {
	return ChainConfig{
		Spotify: SpotifyConfig{
			ClientID:     cfg.SpotifyClientID,
			ClientSecret: cfg.SpotifyClientSecret,
		},
		Egress: EgressConfig{
			Block:   cfg.IPv6Block,
			Exclude: cfg.IPv6Exclude,
		},
		CacheSize: cfg.SourceCacheSize,
		CacheTTL:  cfg.SourceCacheTTL,
	}
}

// PlayerChain is the process-wide resolver stack shared by every session.
type PlayerChain struct {
	Resolver
	Inner   *Chain
	YouTube *YouTubeSource
	Planner *RotatingPlanner
}

// NewPlayerChain assembles the cache, Spotify, YouTube and the remaining
// extractor backends in that order.
func NewPlayerChain(ctx context.Context, cfg ChainConfig) (*PlayerChain, error) {
	youtube := NewYouTubeSource()

	if cfg.Egress.Clock == nil {
		cfg.Egress.Clock = cfg.Clock
	}
	planner, err := SetupEgress(ctx, cfg.Egress, youtube)
	if err != nil {
		return nil, fmt.Errorf("setting up egress: %w", err)
	}

	spotify, err := NewSpotifySource(cfg.Spotify, youtube)
	if err != nil {
		return nil, fmt.Errorf("setting up spotify: %w", err)
	}
	if !spotify.HasCredentials() {
		sys.LogSourceWarn(sys.MsgSourceSpotifyCredentials)
	}

	inner := NewChain(
		spotify,
		youtube,
		NewSoundCloudSource(),
		NewGetyarnSource(),
		NewBandcampSource(),
		NewVimeoSource(),
		NewTwitchSource(),
	)

	size := cfg.CacheSize
	if size == 0 {
		size = sys.DefaultSourceCacheSize
	}
	cached := NewCachingResolver(inner, NewResultStore(size, cfg.CacheTTL, cfg.Clock))
	sys.LogSource(sys.MsgSourceChainReady, cached.Name()+" -> "+inner.String())

	return &PlayerChain{
		Resolver: cached,
		Inner:    inner,
		YouTube:  youtube,
		Planner:  planner,
	}, nil
}
