package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	spotifyAPIBase   = "https://api.spotify.com/v1"
	spotifyTokenURL  = "https://accounts.spotify.com/api/token"
	spotifyOEmbedURL = "https://open.spotify.com/oembed"
)

var (
	spotifyURLPattern = regexp.MustCompile(`^https?://open\.spotify\.com/(?:intl-[a-z]{2}/)?(track|album|playlist)/([A-Za-z0-9]+)`)
	spotifyURIPattern = regexp.MustCompile(`^spotify:(track|album|playlist):([A-Za-z0-9]+)$`)
)

// ErrSpotifyCredentials is returned for albums and playlists when no API
// credentials are configured.
var ErrSpotifyCredentials = errors.New("spotify: albums and playlists need API credentials")

// TrackMatcher finds a playable track for Spotify metadata.
type TrackMatcher interface {
	SearchTrack(ctx context.Context, artist, title string) (Track, error)
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string

	// Endpoint overrides, empty means the public Spotify endpoints.
	APIBase   string
	TokenURL  string
	OEmbedURL string

	HTTPClient *http.Client
}

// SpotifySource redirects Spotify links to playable tracks. Single tracks are
// matched immediately; album and playlist entries become deferred searches.
type SpotifySource struct {
	api       *http.Client
	plain     *http.Client
	limiter   *rate.Limiter
	matcher   TrackMatcher
	apiBase   string
	oembedURL string
}

func NewSpotifySource(cfg SpotifyConfig, matcher TrackMatcher) (*SpotifySource, error) {
	if matcher == nil {
		return nil, errors.New("spotify: a track matcher is required")
	}
	if (cfg.ClientID == "") != (cfg.ClientSecret == "") {
		return nil, errors.New("spotify: client id and secret must be set together")
	}

	plain := cfg.HTTPClient
	if plain == nil {
		plain = &http.Client{Timeout: 10 * time.Second}
	}
	s := &SpotifySource{
		plain:     plain,
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		matcher:   matcher,
		apiBase:   strings.TrimSuffix(orDefault(cfg.APIBase, spotifyAPIBase), "/"),
		oembedURL: orDefault(cfg.OEmbedURL, spotifyOEmbedURL),
	}

	if cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     orDefault(cfg.TokenURL, spotifyTokenURL),
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, plain)
		s.api = cc.Client(ctx)
	}
	return s, nil
}

func (s *SpotifySource) Name() string { return "spotify" }

// HasCredentials reports whether the Web API is used.
func (s *SpotifySource) HasCredentials() bool { return s.api != nil }

// parseSpotify extracts the entity kind and ID from a Spotify URL or URI.
func parseSpotify(query string) (kind, id string, ok bool) {
	if m := spotifyURLPattern.FindStringSubmatch(query); m != nil {
		return m[1], m[2], true
	}
	if m := spotifyURIPattern.FindStringSubmatch(query); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}

func (s *SpotifySource) Resolve(ctx context.Context, query string) ([]Track, error) {
	kind, id, ok := parseSpotify(query)
	if !ok {
		return nil, ErrDeclined
	}

	if s.api == nil {
		if kind != "track" {
			return nil, ErrSpotifyCredentials
		}
		return s.resolveOEmbed(ctx, id)
	}

	switch kind {
	case "track":
		var t spotifyTrack
		if err := s.get(ctx, "/tracks/"+id, &t); err != nil {
			return nil, err
		}
		matched, err := s.match(ctx, t)
		if err != nil {
			return nil, err
		}
		return []Track{matched}, nil
	case "album":
		var page struct {
			Items []spotifyTrack `json:"items"`
		}
		if err := s.get(ctx, fmt.Sprintf("/albums/%s/tracks?limit=50", id), &page); err != nil {
			return nil, err
		}
		return deferTracks(page.Items), nil
	default:
		var page struct {
			Items []struct {
				Track *spotifyTrack `json:"track"`
			} `json:"items"`
		}
		if err := s.get(ctx, fmt.Sprintf("/playlists/%s/tracks?limit=%d", id, MaxPlaylistTracks), &page); err != nil {
			return nil, err
		}
		items := make([]spotifyTrack, 0, len(page.Items))
		for _, it := range page.Items {
			if it.Track != nil && it.Track.Name != "" {
				items = append(items, *it.Track)
			}
		}
		return deferTracks(items), nil
	}
}

type spotifyTrack struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
}

func (t spotifyTrack) artist() string {
	if len(t.Artists) == 0 {
		return ""
	}
	return t.Artists[0].Name
}

func (s *SpotifySource) match(ctx context.Context, t spotifyTrack) (Track, error) {
	matched, err := s.matcher.SearchTrack(ctx, t.artist(), t.Name)
	if err != nil {
		return Track{}, err
	}
	matched.Title = t.Name
	matched.Author = t.artist()
	if t.DurationMS > 0 {
		matched.Duration = time.Duration(t.DurationMS) * time.Millisecond
	}
	return matched, nil
}

func deferTracks(items []spotifyTrack) []Track {
	tracks := make([]Track, 0, len(items))
	for _, t := range items {
		if len(tracks) == MaxPlaylistTracks {
			break
		}
		tracks = append(tracks, Track{
			Title:      t.Name,
			Author:     t.artist(),
			URI:        "ytsearch1:" + trackQuery(t.artist(), t.Name),
			Identifier: t.ID,
			Source:     "spotify",
			Duration:   time.Duration(t.DurationMS) * time.Millisecond,
		})
	}
	return tracks
}

func (s *SpotifySource) resolveOEmbed(ctx context.Context, id string) ([]Track, error) {
	target := "https://open.spotify.com/track/" + id
	var meta struct {
		Title string `json:"title"`
	}
	if err := s.fetchJSON(ctx, s.plain, s.oembedURL+"?url="+url.QueryEscape(target), &meta); err != nil {
		return nil, err
	}
	if meta.Title == "" {
		return nil, errors.New("spotify: oembed returned no title")
	}
	matched, err := s.matcher.SearchTrack(ctx, "", meta.Title)
	if err != nil {
		return nil, err
	}
	matched.Title = meta.Title
	return []Track{matched}, nil
}

func (s *SpotifySource) get(ctx context.Context, path string, dst any) error {
	return s.fetchJSON(ctx, s.api, s.apiBase+path, dst)
}

func (s *SpotifySource) fetchJSON(ctx context.Context, c *http.Client, u string, dst any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("spotify: HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
