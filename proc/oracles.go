package proc

import (
	"context"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/tempo/sys"
)

// DatabasePrivilegeOracle checks the premium_guilds table.
type DatabasePrivilegeOracle struct {
	timeout time.Duration
	lookup  func(ctx context.Context, guildID snowflake.ID) (bool, error)
}

func NewDatabasePrivilegeOracle() *DatabasePrivilegeOracle {
	return &DatabasePrivilegeOracle{timeout: 2 * time.Second, lookup: sys.IsPremiumGuild}
}

// IsPrivileged treats lookup failures as not premium.
func (o *DatabasePrivilegeOracle) IsPrivileged(guildID snowflake.ID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	ok, err := o.lookup(ctx, guildID)
	if err != nil {
		sys.LogPlayerWarn(sys.MsgPlayerPrivilegeLookup, guildID, err)
		return false
	}
	return ok
}

// ClientPresenceOracle answers from the disgo guild and voice state caches.
type ClientPresenceOracle struct {
	client *bot.Client
}

func NewClientPresenceOracle(client *bot.Client) *ClientPresenceOracle {
	return &ClientPresenceOracle{client: client}
}

func (o *ClientPresenceOracle) Exists(guildID snowflake.ID) bool {
	_, ok := o.client.Caches.Guild(guildID)
	return ok
}

func (o *ClientPresenceOracle) IsConnected(guildID snowflake.ID) bool {
	vs, ok := o.client.Caches.VoiceState(guildID, o.client.ID())
	return ok && vs.ChannelID != nil
}
