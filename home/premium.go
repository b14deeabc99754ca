package home

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/tempo/sys"
)

func registerPremium(h *Handlers) {
	adminPerm := discord.PermissionAdministrator
	guildOption := []discord.ApplicationCommandOption{
		discord.ApplicationCommandOptionString{
			Name:        "guild",
			Description: "Guild ID (default: this server)",
			Required:    false,
		},
	}

	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:                     "premium",
		Description:              "Manage premium guilds (Owner Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "add",
				Description: "Let a guild skip the player limit",
				Options:     guildOption,
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "remove",
				Description: "Remove a guild's premium status",
				Options:     guildOption,
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "status",
				Description: "Show a guild's premium status",
				Options:     guildOption,
			},
		},
	}, h.handlePremium)
}

func (h *Handlers) handlePremium(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	if !h.Config.IsOwner(event.User().ID) {
		respond(event, sys.ErrPremiumOwner, true)
		return
	}

	guildID, err := premiumTarget(event, data)
	if err != nil {
		respond(event, err.Error(), true)
		return
	}

	ctx, cancel := context.WithTimeout(sys.AppContext, 5*time.Second)
	defer cancel()

	switch *data.SubCommandName {
	case "add":
		if err := sys.AddPremiumGuild(ctx, guildID, event.User().ID); err != nil {
			sys.LogError(sys.MsgGenericError, err)
			respond(event, sys.ErrPremiumFailed, true)
			return
		}
		respond(event, fmt.Sprintf(sys.MsgPremiumAdded, guildID), true)
	case "remove":
		if _, err := sys.RemovePremiumGuild(ctx, guildID); err != nil {
			sys.LogError(sys.MsgGenericError, err)
			respond(event, sys.ErrPremiumFailed, true)
			return
		}
		respond(event, fmt.Sprintf(sys.MsgPremiumRemoved, guildID), true)
	case "status":
		ok, err := sys.IsPremiumGuild(ctx, guildID)
		if err != nil {
			sys.LogError(sys.MsgGenericError, err)
			respond(event, sys.ErrPremiumFailed, true)
			return
		}
		total, _ := sys.CountPremiumGuilds(ctx)
		respond(event, fmt.Sprintf(sys.MsgPremiumStatus, guildID, ok)+fmt.Sprintf(" (%d premium guilds)", total), true)
	}
}

func premiumTarget(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) (snowflake.ID, error) {
	if raw, ok := data.OptString("guild"); ok && raw != "" {
		id, err := snowflake.Parse(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid guild ID: %s", raw)
		}
		return id, nil
	}
	if event.GuildID() == nil {
		return 0, fmt.Errorf("a guild ID is required outside of servers")
	}
	return *event.GuildID(), nil
}
