package source

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"

	"github.com/leeineian/tempo/sys"
)

var (
	searchPrefix    = regexp.MustCompile(`^(ytm?search)(\d*):(.+)$`)
	anySearchPrefix = regexp.MustCompile(`^[a-z]+search\d*:`)
)

var youtubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// ErrPlannerAttached is returned when a second route planner is attached.
var ErrPlannerAttached = errors.New("source: route planner already attached")

// YouTubeSource handles YouTube URLs, search prefixes and plain text searches.
type YouTubeSource struct {
	mu         sync.RWMutex
	planner    RoutePlanner
	httpClient *http.Client
}

func NewYouTubeSource() *YouTubeSource {
	return &YouTubeSource{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (y *YouTubeSource) Name() string { return "youtube" }

// SetRoutePlanner attaches the egress planner. Only one planner may be attached.
func (y *YouTubeSource) SetRoutePlanner(p RoutePlanner) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.planner != nil {
		return ErrPlannerAttached
	}
	y.planner = p
	if hc, ok := p.(interface{ HTTPClient() *http.Client }); ok {
		c := hc.HTTPClient()
		y.httpClient = c
		// ytmusic only reads its package-level client.
		ytmusic.HTTPClient = c
	}
	return nil
}

// RoutePlanner returns the attached planner, if any.
func (y *YouTubeSource) RoutePlanner() RoutePlanner {
	y.mu.RLock()
	defer y.mu.RUnlock()
	return y.planner
}

func (y *YouTubeSource) sourceAddress() string {
	if p := y.RoutePlanner(); p != nil {
		return p.NextAddress().String()
	}
	return ""
}

func (y *YouTubeSource) client() *http.Client {
	y.mu.RLock()
	defer y.mu.RUnlock()
	return y.httpClient
}

type youtubeQueryKind int

const (
	youtubeDecline youtubeQueryKind = iota
	youtubeURL
	youtubeSearch
	youtubeMusicSearch
)

// classifyYouTube decides how a query is handled and returns the target to
// pass on: a normalized URL or the search terms.
func classifyYouTube(query string) (youtubeQueryKind, string) {
	if m := searchPrefix.FindStringSubmatch(query); m != nil {
		terms := strings.TrimSpace(m[3])
		if terms == "" {
			return youtubeDecline, ""
		}
		if m[1] == "ytmsearch" {
			return youtubeMusicSearch, terms
		}
		return youtubeSearch, terms
	}

	if isURL(query) {
		u, err := url.Parse(query)
		if err != nil || !youtubeHosts[strings.ToLower(u.Hostname())] {
			return youtubeDecline, ""
		}
		return youtubeURL, normalizeYouTubeURL(u)
	}

	// Other search prefixes such as "scsearch:" belong to other sources.
	if anySearchPrefix.MatchString(query) || strings.HasPrefix(query, "spotify:") {
		return youtubeDecline, ""
	}
	return youtubeSearch, query
}

// normalizeYouTubeURL drops the playlist of a watch URL so a single video is loaded.
func normalizeYouTubeURL(u *url.URL) string {
	q := u.Query()
	if q.Get("v") != "" && q.Get("list") != "" {
		q.Del("list")
		q.Del("index")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (y *YouTubeSource) Resolve(ctx context.Context, query string) ([]Track, error) {
	kind, target := classifyYouTube(query)
	switch kind {
	case youtubeURL:
		tracks, err := extract(ctx, target, MaxPlaylistTracks, y.sourceAddress())
		if err != nil {
			return nil, err
		}
		for i := range tracks {
			tracks[i].Source = y.Name()
		}
		return tracks, nil
	case youtubeMusicSearch:
		t, err := y.searchMusic(ctx, target)
		if err != nil {
			return nil, err
		}
		return []Track{t}, nil
	case youtubeSearch:
		t, err := y.searchVideo(ctx, target)
		if err != nil {
			return nil, err
		}
		return []Track{t}, nil
	default:
		return nil, ErrDeclined
	}
}

// SearchTrack finds the best match for an artist and title, preferring YouTube Music.
func (y *YouTubeSource) SearchTrack(ctx context.Context, artist, title string) (Track, error) {
	q := trackQuery(artist, title)
	if t, err := y.searchMusic(ctx, q); err == nil {
		return t, nil
	}
	return y.searchVideo(ctx, q)
}

func (y *YouTubeSource) searchVideo(ctx context.Context, q string) (Track, error) {
	c := ytsearch.NewClient(y.client())
	r, err := c.Search(ctx, q)
	if err == nil {
		for _, v := range r.Results {
			if v.VideoID == "" {
				continue
			}
			return Track{
				Title:      v.Title,
				URI:        "https://www.youtube.com/watch?v=" + v.VideoID,
				Identifier: v.VideoID,
				Source:     y.Name(),
			}, nil
		}
		err = ErrNoMatches
	}

	sys.LogSourceWarn(sys.MsgSourceSearchFallback, q, err)
	tracks, err := search(ctx, "ytsearch", q, 1, y.sourceAddress())
	if err != nil {
		return Track{}, err
	}
	if len(tracks) == 0 {
		return Track{}, ErrNoMatches
	}
	tracks[0].Source = y.Name()
	return tracks[0], nil
}

func (y *YouTubeSource) searchMusic(ctx context.Context, q string) (Track, error) {
	r, err := ytmusic.TrackSearch(q).Next()
	if err == nil {
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			t := Track{
				Title:      v.Title,
				URI:        "https://music.youtube.com/watch?v=" + v.VideoID,
				Identifier: v.VideoID,
				Source:     y.Name(),
			}
			if len(v.Artists) > 0 {
				t.Author = v.Artists[0].Name
			}
			return t, nil
		}
	}

	tracks, err := search(ctx, "ytmsearch", q, 1, y.sourceAddress())
	if err != nil {
		return Track{}, err
	}
	if len(tracks) == 0 {
		return Track{}, ErrNoMatches
	}
	tracks[0].Source = y.Name()
	return tracks[0], nil
}

// trackQuery builds "artist - title", or just the title when the artist is unknown.
func trackQuery(artist, title string) string {
	artist, title = strings.TrimSpace(artist), strings.TrimSpace(title)
	if artist == "" {
		return title
	}
	return artist + " - " + title
}

// FetchedFromYouTube reports whether yt-dlp downloads uri from YouTube: a
// YouTube URL or a ytsearch/ytmsearch query.
func FetchedFromYouTube(uri string) bool {
	if searchPrefix.MatchString(uri) {
		return true
	}
	if !isURL(uri) {
		return false
	}
	u, err := url.Parse(uri)
	return err == nil && youtubeHosts[strings.ToLower(u.Hostname())]
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
