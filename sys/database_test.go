package sys

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDatabase(t *testing.T) context.Context {
	t.Helper()
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_journal_mode=WAL&_timeout=5000"
	require.NoError(t, InitDatabase(ctx, dsn))
	t.Cleanup(CloseDatabase)
	return ctx
}

func TestPremiumGuilds(t *testing.T) {
	ctx := openTestDatabase(t)
	guild, owner := snowflake.ID(1001), snowflake.ID(42)

	ok, err := IsPremiumGuild(ctx, guild)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, AddPremiumGuild(ctx, guild, owner))
	require.NoError(t, AddPremiumGuild(ctx, guild, owner))
	require.NoError(t, AddPremiumGuild(ctx, snowflake.ID(1002), owner))

	ok, err = IsPremiumGuild(ctx, guild)
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := CountPremiumGuilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	removed, err := RemovePremiumGuild(ctx, guild)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = RemovePremiumGuild(ctx, guild)
	require.NoError(t, err)
	assert.False(t, removed)

	ok, err = IsPremiumGuild(ctx, guild)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBotConfig(t *testing.T) {
	ctx := openTestDatabase(t)

	v, err := GetBotConfig(ctx, "last_cmd_hash")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, SetBotConfig(ctx, "last_cmd_hash", "abc"))
	require.NoError(t, SetBotConfig(ctx, "last_cmd_hash", "def"))

	v, err = GetBotConfig(ctx, "last_cmd_hash")
	require.NoError(t, err)
	assert.Equal(t, "def", v)
}

func TestCommandHashTracksDefinitions(t *testing.T) {
	before := calculateCommandHash(Commands())
	assert.Equal(t, before, calculateCommandHash(Commands()))
	assert.NotEmpty(t, before)
}
