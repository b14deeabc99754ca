package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// MaxPlaylistTracks caps the entries read from a single playlist or album.
const MaxPlaylistTracks = 100

const flatTemplate = "%(webpage_url,url)s\t%(title)s\t%(uploader,channel,artist)s\t%(duration)s\t%(id)s\t%(extractor_key,ie_key)s\t%(is_live)s"

// extract runs a flat yt-dlp extraction of target. sourceAddr binds outgoing
// connections when non-empty.
func extract(ctx context.Context, target string, limit int, sourceAddr string) ([]Track, error) {
	cmd := ytdlp.New().
		FlatPlaylist().
		Print(flatTemplate).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		NoWarnings().
		IgnoreConfig()
	if sourceAddr != "" {
		cmd = cmd.SourceAddress(sourceAddr)
	}

	res, err := cmd.Run(ctx, target)
	if err != nil {
		if res != nil && res.Stderr != "" {
			return nil, fmt.Errorf("yt-dlp: %w: %s", err, firstLine(res.Stderr))
		}
		return nil, fmt.Errorf("yt-dlp: %w", err)
	}
	return parseFlat(res.Stdout), nil
}

// search runs a yt-dlp search such as "ytsearch5:query".
func search(ctx context.Context, prefix, query string, limit int, sourceAddr string) ([]Track, error) {
	return extract(ctx, fmt.Sprintf("%s%d:%s", prefix, limit, query), limit, sourceAddr)
}

func parseFlat(out string) []Track {
	var tracks []Track
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 7 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		tracks = append(tracks, Track{
			URI:        ps[0],
			Title:      naToEmpty(ps[1]),
			Author:     naToEmpty(ps[2]),
			Duration:   parseSeconds(ps[3]),
			Identifier: naToEmpty(ps[4]),
			Source:     strings.ToLower(naToEmpty(ps[5])),
			IsStream:   ps[6] == "True",
		})
	}
	return tracks
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func naToEmpty(s string) string {
	if s == "NA" {
		return ""
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
