package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractorAccepts(t *testing.T) {
	tests := []struct {
		source *ExtractorSource
		query  string
		want   bool
	}{
		{NewSoundCloudSource(), "https://soundcloud.com/artist/track", true},
		{NewSoundCloudSource(), "https://m.soundcloud.com/artist/track", true},
		{NewSoundCloudSource(), "https://snd.sc/abc", true},
		{NewSoundCloudSource(), "scsearch:lofi", true},
		{NewSoundCloudSource(), "scsearch:  ", false},
		{NewSoundCloudSource(), "https://notsoundcloud.com/x", false},
		{NewSoundCloudSource(), "soundcloud.com/artist/track", false},
		{NewGetyarnSource(), "https://getyarn.io/yarn-clip/abc", true},
		{NewGetyarnSource(), "https://yarn.co/yarn-clip/abc", true},
		{NewBandcampSource(), "https://artist.bandcamp.com/album/x", true},
		{NewVimeoSource(), "https://vimeo.com/12345", true},
		{NewVimeoSource(), "https://player.vimeo.com/video/12345", true},
		{NewTwitchSource(), "https://www.twitch.tv/somechannel", true},
		{NewTwitchSource(), "https://www.youtube.com/watch?v=a", false},
		{NewTwitchSource(), "plain text", false},
	}
	for _, tt := range tests {
		t.Run(tt.source.Name()+" "+tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.source.Accepts(tt.query))
		})
	}
}

func TestExtractorDeclinesForeignQueries(t *testing.T) {
	_, err := NewBandcampSource().Resolve(context.Background(), "https://vimeo.com/1")
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestPlayerChainOrder(t *testing.T) {
	pc, err := NewPlayerChain(context.Background(), ChainConfig{})
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, []string{"spotify", "youtube", "soundcloud", "getyarn", "bandcamp", "vimeo", "twitch"}, pc.Inner.Names())
	assert.Equal(t, "cache", pc.Name())
	assert.Nil(t, pc.Planner)
}
