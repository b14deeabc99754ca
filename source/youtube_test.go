package source

import (
	"context"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/raitonoberu/ytmusic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keepMusicClient restores the shared ytmusic client after a planner is attached.
func keepMusicClient(t *testing.T) {
	t.Helper()
	prev := ytmusic.HTTPClient
	t.Cleanup(func() { ytmusic.HTTPClient = prev })
}

func TestClassifyYouTube(t *testing.T) {
	tests := []struct {
		query  string
		kind   youtubeQueryKind
		target string
	}{
		{"never gonna give you up", youtubeSearch, "never gonna give you up"},
		{"ytsearch:lofi beats", youtubeSearch, "lofi beats"},
		{"ytsearch5:lofi beats", youtubeSearch, "lofi beats"},
		{"ytmsearch:daft punk", youtubeMusicSearch, "daft punk"},
		{"ytsearch:   ", youtubeDecline, ""},
		{"scsearch:some song", youtubeDecline, ""},
		{"spotify:track:4uLU6hMCjMI75M1A2tKUQC", youtubeDecline, ""},
		{"https://soundcloud.com/artist/track", youtubeDecline, ""},
		{"https://youtu.be/dQw4w9WgXcQ", youtubeURL, "https://youtu.be/dQw4w9WgXcQ"},
		{"https://www.youtube.com/playlist?list=PL123", youtubeURL, "https://www.youtube.com/playlist?list=PL123"},
		{"https://www.youtube.com/watch?v=abc&list=PL123&index=4", youtubeURL, "https://www.youtube.com/watch?v=abc"},
		{"https://MUSIC.youtube.com/watch?v=abc", youtubeURL, "https://MUSIC.youtube.com/watch?v=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			kind, target := classifyYouTube(tt.query)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.target, target)
		})
	}
}

func TestYouTubeDeclinesForeignQueries(t *testing.T) {
	yt := NewYouTubeSource()
	_, err := yt.Resolve(context.Background(), "https://vimeo.com/12345")
	assert.ErrorIs(t, err, ErrDeclined)
}

type fixedPlanner netip.Addr

func (f fixedPlanner) NextAddress() netip.Addr { return netip.Addr(f) }

func TestYouTubeSourceAddressFollowsPlanner(t *testing.T) {
	yt := NewYouTubeSource()
	assert.Equal(t, "", yt.sourceAddress())

	addr := netip.MustParseAddr("2001:db8::7")
	require.NoError(t, yt.SetRoutePlanner(fixedPlanner(addr)))
	assert.Equal(t, "2001:db8::7", yt.sourceAddress())
	assert.ErrorIs(t, yt.SetRoutePlanner(fixedPlanner(addr)), ErrPlannerAttached)
}

func TestParseFlat(t *testing.T) {
	out := "https://www.youtube.com/watch?v=a\tSong A\tArtist A\t212.0\ta\tYoutube\tFalse\n" +
		"NA\tbroken\tNA\tNA\tb\tYoutube\tNA\n" +
		"https://www.twitch.tv/chan\tLive\tchan\tNA\tchan\tTwitchStream\tTrue\n" +
		"short\tline\n"

	tracks := parseFlat(out)
	require.Len(t, tracks, 2)

	assert.Equal(t, Track{
		Title:      "Song A",
		Author:     "Artist A",
		URI:        "https://www.youtube.com/watch?v=a",
		Identifier: "a",
		Source:     "youtube",
		Duration:   212 * time.Second,
	}, tracks[0])

	assert.True(t, tracks[1].IsStream)
	assert.Zero(t, tracks[1].Duration)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "ERROR: unavailable", firstLine("\nERROR: unavailable\nmore detail\n"))
}

func TestPlannerBindsSearchClients(t *testing.T) {
	keepMusicClient(t)
	defaultMusic := ytmusic.HTTPClient

	yt := NewYouTubeSource()
	planner, err := SetupEgress(context.Background(), EgressConfig{Block: "2001:db8::/64"}, yt)
	require.NoError(t, err)
	require.NotNil(t, planner)

	for name, c := range map[string]*http.Client{"ytsearch": yt.client(), "ytmusic": ytmusic.HTTPClient} {
		assert.NotSame(t, defaultMusic, c, name)
		tr, ok := c.Transport.(*http.Transport)
		if assert.True(t, ok, name) {
			assert.NotNil(t, tr.DialContext, name)
		}
	}
}

func TestFetchedFromYouTube(t *testing.T) {
	tests := map[string]bool{
		"https://www.youtube.com/watch?v=a":   true,
		"https://youtu.be/a":                  true,
		"https://music.youtube.com/watch?v=a": true,
		"ytsearch1:Daft Punk - Aerodynamic":   true,
		"ytmsearch1:Daft Punk":                true,
		"https://soundcloud.com/a/b":          false,
		"scsearch1:lofi":                      false,
		"https://www.twitch.tv/chan":          false,
	}
	for uri, want := range tests {
		assert.Equal(t, want, FetchedFromYouTube(uri), uri)
	}

	deferred := deferTracks([]spotifyTrack{{Name: "Aerodynamic"}})
	assert.True(t, FetchedFromYouTube(deferred[0].URI), "deferred Spotify entries download from YouTube")
}

func TestTrackQuery(t *testing.T) {
	assert.Equal(t, "Daft Punk - One More Time", trackQuery("Daft Punk", "One More Time"))
	assert.Equal(t, "One More Time", trackQuery("", "One More Time"))
	assert.Equal(t, "One More Time", trackQuery("  ", " One More Time "))

	deferred := deferTracks([]spotifyTrack{{Name: "Untitled"}})
	assert.Equal(t, "ytsearch1:Untitled", deferred[0].URI)
}
