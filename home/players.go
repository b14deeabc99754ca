package home

import (
	"fmt"
	"sort"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"

	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/sys"
)

func registerPlayers(h *Handlers) {
	adminPerm := discord.PermissionAdministrator

	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:                     "players",
		Description:              "Show player registry usage (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
	}, h.handlePlayers)
}

func (h *Handlers) handlePlayers(event *events.ApplicationCommandInteractionCreate) {
	respond(event, formatPlayers(h.Registry), true)
}

func formatPlayers(r *proc.Registry) string {
	sessions := r.Sessions()
	playing := 0
	for _, s := range sessions {
		if _, ok := s.NowPlaying(); ok {
			playing++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Players: **%d/%d** (%d playing)\n", len(sessions), r.Limit(), playing)

	if report, ok := r.LastSweep(); ok {
		fmt.Fprintf(&b, "Last sweep <t:%d:R>: visited %d, removed %d, orphaned %d, failed %d\n",
			report.At.Unix(), report.Visited, report.Removed, report.Orphaned, report.Failed)
	} else {
		b.WriteString("No sweep has run yet.\n")
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].GuildID < sessions[j].GuildID })
	for i, s := range sessions {
		if i == queuePreviewSize {
			fmt.Fprintf(&b, "...and %d more", len(sessions)-queuePreviewSize)
			break
		}
		status := "idle"
		if t, ok := s.NowPlaying(); ok {
			status = sys.Truncate(t.String(), 60)
		}
		fmt.Fprintf(&b, "`%s` %s\n", s.GuildID, status)
	}
	return strings.TrimSpace(b.String())
}
