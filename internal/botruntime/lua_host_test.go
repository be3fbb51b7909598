package botruntime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleBotScript = `
function new(id)
  local self = {}
  self.bot_id = id.bot_id
  self.calls = 0
  return self
end

function register_bot(self, registry)
  registry.tick_interval(10)
  registry.alive("ping", 1, function()
    self.calls = self.calls + 1
  end)
  registry.on_enter("greet", 1, function()
    self.calls = self.calls + 1
  end)
end
`

const panickingBotScript = `
function new(id)
  return {}
end

function register_bot(self, registry)
  registry.alive("boom", 1, function()
    error("kaboom")
  end)
end
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot.lua")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLuaHostInstantiateRegisterFire(t *testing.T) {
	host := NewLuaHost(writeScript(t, sampleBotScript))
	ctx := context.Background()

	handle, err := host.Instantiate(ctx, Identity{BotID: 1, InternalID: 1, GlobalID: 1})
	require.NoError(t, err)
	defer host.Destroy(handle)

	actions, err := host.Register(ctx, handle)
	require.NoError(t, err)
	require.Len(t, actions.AliveActions(), 1)
	require.Len(t, actions.EnterStateActions(1), 1)

	sample, err := host.Fire(ctx, handle, actions.AliveActions()[0])
	require.NoError(t, err)
	require.Equal(t, "ping", sample.Action)
	require.Equal(t, int64(0), sample.Status)
}

func TestLuaHostFireRecordsNegativeStatusOnScriptError(t *testing.T) {
	host := NewLuaHost(writeScript(t, panickingBotScript))
	ctx := context.Background()

	handle, err := host.Instantiate(ctx, Identity{BotID: 2, InternalID: 2, GlobalID: 2})
	require.NoError(t, err)
	defer host.Destroy(handle)

	actions, err := host.Register(ctx, handle)
	require.NoError(t, err)
	require.Len(t, actions.AliveActions(), 1)

	sample, err := host.Fire(ctx, handle, actions.AliveActions()[0])
	require.NoError(t, err)
	require.Equal(t, int64(statusScriptError), sample.Status)
}

func TestLuaHostInstantiateMissingConstructorFails(t *testing.T) {
	host := NewLuaHost(writeScript(t, "function register_bot(self, registry) end"))
	_, err := host.Instantiate(context.Background(), Identity{BotID: 1})
	require.Error(t, err)
}
