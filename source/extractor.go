package source

import (
	"context"
	"net/url"
	"strings"
)

// ExtractorSource resolves URLs of one site through yt-dlp flat extraction.
type ExtractorSource struct {
	name   string
	hosts  []string
	prefix string
}

func NewExtractorSource(name, searchPrefix string, hosts ...string) *ExtractorSource {
	return &ExtractorSource{name: name, hosts: hosts, prefix: searchPrefix}
}

func NewSoundCloudSource() *ExtractorSource {
	return NewExtractorSource("soundcloud", "scsearch", "soundcloud.com", "snd.sc")
}

func NewGetyarnSource() *ExtractorSource {
	return NewExtractorSource("getyarn", "", "getyarn.io", "yarn.co")
}

func NewBandcampSource() *ExtractorSource {
	return NewExtractorSource("bandcamp", "", "bandcamp.com")
}

func NewVimeoSource() *ExtractorSource {
	return NewExtractorSource("vimeo", "", "vimeo.com")
}

func NewTwitchSource() *ExtractorSource {
	return NewExtractorSource("twitch", "", "twitch.tv")
}

func (e *ExtractorSource) Name() string { return e.name }

// Accepts reports whether the query is a URL on one of the source's hosts or
// starts with its search prefix.
func (e *ExtractorSource) Accepts(query string) bool {
	if e.prefix != "" && strings.HasPrefix(query, e.prefix+":") {
		return strings.TrimSpace(strings.TrimPrefix(query, e.prefix+":")) != ""
	}
	if !isURL(query) {
		return false
	}
	u, err := url.Parse(query)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range e.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (e *ExtractorSource) Resolve(ctx context.Context, query string) ([]Track, error) {
	if !e.Accepts(query) {
		return nil, ErrDeclined
	}

	target, limit := query, MaxPlaylistTracks
	if e.prefix != "" && strings.HasPrefix(query, e.prefix+":") {
		terms := strings.TrimSpace(strings.TrimPrefix(query, e.prefix+":"))
		target, limit = e.prefix+"1:"+terms, 1
	}

	tracks, err := extract(ctx, target, limit, "")
	if err != nil {
		return nil, err
	}
	for i := range tracks {
		tracks[i].Source = e.name
	}
	return tracks, nil
}
