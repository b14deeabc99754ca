// Package home registers the bot's slash commands.
package home

import (
	"context"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"

	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/sys"
)

// Handlers carries what the commands act on.
type Handlers struct {
	Registry *proc.Registry
	Config   *sys.Config
}

// Register adds every command, the gateway handlers and the registry
// shutdown daemon to the loader.
func Register(h *Handlers) {
	registerMusic(h)
	registerPlayers(h)
	registerPremium(h)

	sys.RegisterVoiceStateUpdateHandler(h.onVoiceStateUpdate)
	sys.OnClientReady(func(ctx context.Context, client *bot.Client) {
		sys.LogPlayer(sys.MsgPlayerRegistryReady, h.Registry.Size(), h.Registry.Limit())
	})
	sys.RegisterDaemon(sys.LogPlayer, func(ctx context.Context) (bool, func(), func()) {
		return true, func() {}, h.Registry.Shutdown
	})
}

// onVoiceStateUpdate destroys the guild's player when the bot is disconnected
// from voice by someone else.
func (h *Handlers) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	vs := event.VoiceState
	if vs.UserID != event.Client().ID() || vs.ChannelID != nil {
		return
	}
	if !h.Registry.Contains(vs.GuildID) {
		return
	}
	sys.LogPlayer(sys.MsgPlayerExternalLeave, vs.GuildID)
	h.Registry.Destroy(vs.GuildID)
}

func respond(event *events.ApplicationCommandInteractionCreate, content string, ephemeral bool) {
	_ = event.CreateMessage(discord.NewMessageCreate().
		WithContent(content).
		WithEphemeral(ephemeral))
}

// update edits the deferred response.
func update(event *events.ApplicationCommandInteractionCreate, content string) {
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdate().WithContent(content))
}
