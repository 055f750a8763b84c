package builtin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominikletica/aaviondb/pkg/security"
)

func TestSecurityCommands(t *testing.T) {
	e := newTestEngine(t)

	status := func(t *testing.T, statement string) security.Status {
		t.Helper()
		resp := e.runOK(t, statement)
		st, ok := resp.Data.(security.Status)
		require.True(t, ok, "data is %T", resp.Data)
		return st
	}

	t.Run("status reports defaults", func(t *testing.T) {
		st := status(t, "security status")
		assert.True(t, st.Active)
		assert.EqualValues(t, 120, st.RateLimit)
		assert.EqualValues(t, 600, st.GlobalLimit)
		assert.EqualValues(t, 300, st.BlockDurationSec)
		assert.False(t, st.LockdownActive)
	})

	t.Run("status for a named client", func(t *testing.T) {
		st := status(t, "security status client=10.0.0.9")
		assert.Equal(t, "10.0.0.9", st.Client)
		assert.False(t, st.ClientBlocked)
	})

	t.Run("settings come from system config", func(t *testing.T) {
		e.runOK(t, "config set security.rate_limit 45 system")
		st := status(t, "security status")
		assert.EqualValues(t, 45, st.RateLimit)
	})

	t.Run("manual lockdown and purge", func(t *testing.T) {
		resp := e.runOK(t, "security lockdown 60")
		d := data(t, resp)
		until, err := time.Parse(time.RFC3339, d["until"].(string))
		require.NoError(t, err)
		assert.True(t, until.After(time.Now()))
		assert.Contains(t, resp.Message, "lockdown active until")

		st := status(t, "security status")
		assert.True(t, st.LockdownActive)
		assert.LessOrEqual(t, st.LockdownRemaining, 60)
		assert.Greater(t, st.LockdownRemaining, 0)

		purged := e.runOK(t, "security purge")
		assert.Equal(t, "security state purged", purged.Message)
		assert.False(t, status(t, "security status").LockdownActive)
	})

	t.Run("zero seconds falls back to the configured duration", func(t *testing.T) {
		e.runOK(t, "security lockdown")
		st := status(t, "security status")
		assert.True(t, st.LockdownActive)
		assert.Greater(t, st.LockdownRemaining, 60)
		e.runOK(t, "security purge")
	})
}
