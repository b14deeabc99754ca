package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"github.com/lrstanley/go-ytdlp"

	"github.com/leeineian/tempo/source"
	"github.com/leeineian/tempo/sys"
)

var errPlayerReleased = errors.New("player released")

// Player streams queued tracks into a disgo voice connection. Audio is pulled
// with yt-dlp and re-encoded to Ogg/Opus by an ffmpeg process.
type Player struct {
	GuildID snowflake.ID

	conn    voice.Conn
	planner source.RoutePlanner

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []source.Track
	current   *source.Track
	skipTrack context.CancelFunc
	channelID snowflake.ID
	released  bool

	ctx         context.Context
	cancel      context.CancelFunc
	loopStarted bool
	loopDone    chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

// PlayerFactory returns an EngineFactory backed by the client's voice manager.
// Stream downloads of YouTube tracks use planner addresses when it is non-nil.
func PlayerFactory(client *bot.Client, planner source.RoutePlanner) EngineFactory {
	return func(guildID snowflake.ID) (PlaybackEngine, error) {
		return NewPlayer(guildID, client.VoiceManager.CreateConn(guildID), planner), nil
	}
}

func NewPlayer(guildID snowflake.ID, conn voice.Conn, planner source.RoutePlanner) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		GuildID:  guildID,
		conn:     conn,
		planner:  planner,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Connect joins channelID, or moves there if already connected elsewhere.
func (p *Player) Connect(ctx context.Context, channelID snowflake.ID) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return errPlayerReleased
	}
	if p.channelID == channelID {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.conn.Open(ctx, channelID, false, true); err != nil {
		sys.LogPlayerWarn(sys.MsgPlayerVoiceConnectFail, p.GuildID, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.channelID = channelID
	if !p.loopStarted {
		p.loopStarted = true
		go p.loop()
	}
	return nil
}

func (p *Player) Enqueue(tracks ...source.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.queue = append(p.queue, tracks...)
	p.cond.Broadcast()
}

func (p *Player) Queue() []source.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]source.Track(nil), p.queue...)
}

func (p *Player) NowPlaying() (source.Track, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return source.Track{}, false
	}
	return *p.current, true
}

func (p *Player) HasCurrentTrack() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Skip stops the current track. It reports false when nothing was playing.
func (p *Player) Skip() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.skipTrack == nil {
		return false
	}
	p.skipTrack()
	return true
}

func (p *Player) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
}

// Release stops playback and closes the voice connection.
func (p *Player) Release() error {
	p.releaseOnce.Do(func() {
		p.mu.Lock()
		p.released = true
		p.queue = nil
		started := p.loopStarted
		p.cancel()
		p.cond.Broadcast()
		p.mu.Unlock()

		if started {
			select {
			case <-p.loopDone:
			case <-time.After(5 * time.Second):
				p.releaseErr = errors.New("playback loop did not stop in time")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.conn.Close(ctx)
	})
	return p.releaseErr
}

// next blocks until a track is queued or the player is released.
func (p *Player) next() (source.Track, context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && p.ctx.Err() == nil {
		p.cond.Wait()
	}
	if p.ctx.Err() != nil {
		return source.Track{}, nil, false
	}

	t := p.queue[0]
	p.queue = p.queue[1:]
	p.current = &t
	trackCtx, cancel := context.WithCancel(p.ctx)
	p.skipTrack = cancel
	return t, trackCtx, true
}

func (p *Player) finishTrack() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.skipTrack != nil {
		p.skipTrack()
	}
	p.current = nil
	p.skipTrack = nil
}

func (p *Player) loop() {
	defer close(p.loopDone)
	for {
		t, ctx, ok := p.next()
		if !ok {
			return
		}
		sys.LogPlayer(sys.MsgPlayerTrackStart, p.GuildID, t.String())
		if err := p.stream(ctx, t); err != nil && ctx.Err() == nil {
			sys.LogPlayerWarn(sys.MsgPlayerTrackFail, p.GuildID, t.String(), err)
		}
		p.finishTrack()
	}
}

// stream pipes yt-dlp into ffmpeg and feeds the Ogg/Opus output to the voice
// connection until the track ends or ctx is cancelled.
func (p *Player) stream(ctx context.Context, t source.Track) error {
	dl := ytdlp.New().
		Format("bestaudio[ext=webm]/bestaudio").
		Output("-").
		NoPart().
		NoPlaylist().
		NoWarnings().
		IgnoreConfig()
	if p.planner != nil && source.FetchedFromYouTube(t.URI) {
		dl = dl.SourceAddress(p.planner.NextAddress().String())
	}
	ytCmd := dl.BuildCommand(ctx, t.URI)
	ytCmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	ytOut, err := ytCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("yt-dlp stdout: %w", err)
	}

	ffCmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-map", "0:a",
		"-acodec", "libopus",
		"-b:a", "128k",
		"-vbr", "on",
		"-compression_level", "10",
		"-ar", "48000",
		"-ac", "2",
		"-f", "opus",
		"pipe:1",
	)
	ffCmd.Stdin = ytOut
	ffOut, err := ffCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	ffErr, _ := ffCmd.StderrPipe()

	if err := ytCmd.Start(); err != nil {
		return fmt.Errorf("starting yt-dlp: %w", err)
	}
	if err := ffCmd.Start(); err != nil {
		_ = ytCmd.Process.Kill()
		_ = ytCmd.Wait()
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	if ffErr != nil {
		go func() {
			scanner := bufio.NewScanner(ffErr)
			for scanner.Scan() {
				sys.LogDebug("ffmpeg: %s", scanner.Text())
			}
		}()
	}

	finished := make(chan struct{})
	provider := NewOggOpusProvider(ffOut, func() { close(finished) })
	p.conn.SetOpusFrameProvider(provider)
	p.conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)

	select {
	case <-finished:
	case <-ctx.Done():
	}

	p.conn.SetOpusFrameProvider(nil)
	p.conn.SetSpeaking(context.Background(), 0)

	if ffCmd.Process != nil {
		_ = ffCmd.Process.Kill()
	}
	if ytCmd.Process != nil {
		_ = ytCmd.Process.Kill()
	}
	_ = ffCmd.Wait()
	_ = ytCmd.Wait()
	return nil
}
