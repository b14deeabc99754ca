package home

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/source"
	"github.com/leeineian/tempo/sys"
)

const queuePreviewSize = 10

func registerMusic(h *Handlers) {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music player",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a song, playlist or search result",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "query",
						Description: "A URL or search terms",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and leave",
			},
		},
	}, h.handleMusic)
}

func (h *Handlers) handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil || event.GuildID() == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		h.handleMusicPlay(event, data)
	case "skip":
		h.handleMusicSkip(event)
	case "queue":
		h.handleMusicQueue(event)
	case "stop":
		h.handleMusicStop(event)
	}
}

func (h *Handlers) handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	guildID := *event.GuildID()
	query := data.String("query")

	vs, ok := event.Client().Caches.VoiceState(guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		respond(event, sys.ErrPlayerNotInVoice, true)
		return
	}

	_ = event.DeferCreateMessage(false)
	sys.LogCommand("User %s (%s) requested playback in guild %s: %s", event.User().Username, event.User().ID, guildID, query)

	session, err := h.Registry.Get(guildID)
	if errors.Is(err, proc.ErrCapacityExceeded) {
		update(event, sys.ErrPlayerCapacity)
		return
	}
	if err != nil {
		sys.LogPlayerWarn(sys.MsgGenericError, err)
		update(event, sys.ErrPlayerResolveFail)
		return
	}

	ctx, cancel := context.WithTimeout(sys.AppContext, 30*time.Second)
	defer cancel()

	tracks, err := session.Resolve(ctx, query)
	if err != nil {
		if errors.Is(err, source.ErrNoMatches) {
			update(event, sys.ErrPlayerNoMatches)
		} else {
			sys.LogSourceWarn(sys.MsgSourceResolveFail, "chain", query, err)
			update(event, sys.ErrPlayerResolveFail)
		}
		h.destroyIfIdle(guildID, session)
		return
	}

	if err := session.Connect(ctx, *vs.ChannelID); err != nil {
		update(event, sys.ErrPlayerConnectFail)
		h.destroyIfIdle(guildID, session)
		return
	}

	session.Enqueue(tracks...)
	update(event, formatEnqueued(tracks))
}

// destroyIfIdle drops a session that never started playing.
func (h *Handlers) destroyIfIdle(guildID snowflake.ID, session *proc.Session) {
	if _, playing := session.NowPlaying(); playing || len(session.Queue()) > 0 {
		return
	}
	if cur, ok := h.Registry.GetExisting(guildID); ok && cur == session {
		h.Registry.Destroy(guildID)
	}
}

func (h *Handlers) handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	session, ok := h.Registry.GetExisting(*event.GuildID())
	if !ok {
		respond(event, sys.ErrPlayerNoSession, true)
		return
	}
	if !session.Skip() {
		respond(event, sys.MsgPlayerNothingToSkip, true)
		return
	}
	respond(event, sys.MsgPlayerSkipped, false)
}

func (h *Handlers) handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	session, ok := h.Registry.GetExisting(*event.GuildID())
	if !ok {
		respond(event, sys.ErrPlayerNoSession, true)
		return
	}
	respond(event, formatQueue(session), false)
}

func (h *Handlers) handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	guildID := *event.GuildID()
	if !h.Registry.Contains(guildID) {
		respond(event, sys.ErrPlayerNoSession, true)
		return
	}
	_ = event.DeferCreateMessage(false)
	h.Registry.Destroy(guildID)
	update(event, sys.MsgPlayerStopped)
}

func formatEnqueued(tracks []source.Track) string {
	if len(tracks) == 1 {
		return "Added to queue: " + formatTrack(tracks[0])
	}
	return fmt.Sprintf("Added %d tracks to queue, starting with %s", len(tracks), formatTrack(tracks[0]))
}

func formatTrack(t source.Track) string {
	s := "**" + sys.Truncate(t.String(), 90) + "**"
	if t.Duration > 0 {
		s += " (" + sys.FormatDuration(t.Duration) + ")"
	}
	return s
}

func formatQueue(session *proc.Session) string {
	var b strings.Builder
	if t, ok := session.NowPlaying(); ok {
		b.WriteString("Now playing: " + formatTrack(t) + "\n")
	}
	queue := session.Queue()
	if len(queue) == 0 {
		if b.Len() == 0 {
			return sys.MsgPlayerQueueEmpty
		}
		return b.String()
	}
	for i, t := range queue {
		if i == queuePreviewSize {
			fmt.Fprintf(&b, "...and %d more", len(queue)-queuePreviewSize)
			break
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, formatTrack(t))
	}
	return strings.TrimSpace(b.String())
}
