package proc

import (
	"context"
	"errors"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
)

func TestDatabasePrivilegeOracle(t *testing.T) {
	o := NewDatabasePrivilegeOracle()
	o.lookup = func(_ context.Context, guildID snowflake.ID) (bool, error) {
		switch guildID {
		case 1:
			return true, nil
		case 2:
			return false, errors.New("database is locked")
		}
		return false, nil
	}

	assert.True(t, o.IsPrivileged(1))
	assert.False(t, o.IsPrivileged(2), "lookup failures are not premium")
	assert.False(t, o.IsPrivileged(3))
}
