package operation

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
)

func TestSelfAssignedIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 10000; i++ {
		op := NewSelfOriginated(protocol.Startup, "", nil)
		require.True(t, strings.HasSuffix(op.ID, SelfAssignedMarker))
		require.True(t, IsSelfAssigned(op.ID))
		_, dup := seen[op.ID]
		require.False(t, dup, "duplicate id %s", op.ID)
		seen[op.ID] = struct{}{}
	}
}

func TestNewFromEnvelope(t *testing.T) {
	op, err := NewFromEnvelope(protocol.Envelope{Operation: protocol.Reboot, OperationID: "server-7"})
	require.NoError(t, err)
	assert.Equal(t, "server-7", op.ID)
	assert.False(t, IsSelfAssigned(op.ID))
	assert.True(t, op.IsCore())
	assert.NotNil(t, op.Data)
	assert.Nil(t, op.Result)
	assert.Equal(t, "(reboot, server-7)", op.Describe())

	op, err = NewFromEnvelope(protocol.Envelope{Operation: protocol.Reboot})
	require.NoError(t, err)
	assert.True(t, IsSelfAssigned(op.ID))

	_, err = NewFromEnvelope(protocol.Envelope{OperationID: "x"})
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		hasID := rapid.Bool().Draw(t, "hasID")
		env := protocol.Envelope{
			Operation: protocol.OperationType(rapid.StringMatching(`[a-z_]{1,20}`).Draw(t, "type")),
			Plugin:    rapid.StringMatching(`[a-z]{0,10}`).Draw(t, "plugin"),
			Data: map[string]any{
				"name":  rapid.String().Draw(t, "name"),
				"flag":  rapid.Bool().Draw(t, "flag"),
				"count": float64(rapid.IntRange(-1000, 1000).Draw(t, "count")),
			},
		}
		if hasID {
			env.OperationID = rapid.StringMatching(`[a-z0-9-]{1,36}`).Draw(t, "id")
		}
		op, err := NewFromEnvelope(env)
		if err != nil {
			t.Fatal(err)
		}

		wire, err := protocol.EncodeEnvelope(op.Envelope("agent"))
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := protocol.Decode(wire)
		if err != nil {
			t.Fatal(err)
		}
		back, err := NewFromEnvelope(decoded)
		if err != nil {
			t.Fatal(err)
		}

		if back.Type != op.Type || back.ID != op.ID || back.Plugin != op.Plugin {
			t.Fatalf("identity changed: %s -> %s", op.Describe(), back.Describe())
		}
		assert.Equal(t, op.Data, back.Data)
	})
}

func TestSavePolicy(t *testing.T) {
	op := NewSelfOriginated(protocol.Reboot, "", nil)
	assert.False(t, op.IsSavable(SavePolicy{}))
	assert.False(t, op.IsSavable(NewSavePolicy()))
	assert.True(t, op.IsSavable(NewSavePolicy(" reboot ", protocol.Shutdown)))
	assert.Equal(t, 2, NewSavePolicy("reboot", "", "shutdown").Len())
}

type fakeClock struct {
	unix atomic.Int64
}

func (c *fakeClock) Now() time.Time {
	return time.Unix(c.unix.Load(), 0)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.unix.Add(int64(d / time.Second))
}

func TestResultSnapshot(t *testing.T) {
	op := NewSelfOriginated(protocol.Reboot, "power", nil)
	op.Result = map[string]any{protocol.KeySuccess: true}

	res := NewResult(op, true)
	op.Result[protocol.KeySuccess] = false
	op.Type = protocol.Shutdown

	assert.Equal(t, protocol.Reboot, res.Type)
	assert.Equal(t, true, res.Result[protocol.KeySuccess])
	assert.Equal(t, op.ID, res.OperationID)
	assert.NotEqual(t, op.ID, res.ID)
	assert.True(t, IsSelfAssigned(res.ID))
	assert.True(t, res.Retry)
}

func TestResultDelayGate(t *testing.T) {
	clock := &fakeClock{}
	clock.unix.Store(1_000_000)
	res := NewResult(NewSelfOriginated(protocol.Reboot, "", nil), false, WithClock(clock.Now))

	assert.Equal(t, int64(1_000_000), res.WaitUntil)
	assert.False(t, res.ShouldSend(), "strictly greater than wait_until")
	clock.Advance(time.Second)
	assert.True(t, res.ShouldSend())

	res.Delay(10 * time.Second)
	assert.False(t, res.ShouldSend())
	clock.Advance(5 * time.Second)

	// A second delay resets relative to now instead of stacking.
	res.Delay(10 * time.Second)
	assert.Equal(t, clock.Now().Unix()+10, res.WaitUntil)
	clock.Advance(10 * time.Second)
	assert.False(t, res.ShouldSend())
	clock.Advance(time.Second)
	assert.True(t, res.ShouldSend())
}

func TestResultSerialize(t *testing.T) {
	op := NewSelfOriginated(protocol.Startup, "", nil)
	op.Result = map[string]any{"ok": true}
	res := NewResult(op, true)

	out := res.Serialize()
	assert.Len(t, out, 3)
	assert.Equal(t, "startup", out[protocol.KeyOperationType])
	assert.Equal(t, op.Result, out[protocol.KeyOperationResult])
	assert.Equal(t, res.WaitUntil, out[protocol.KeyWaitUntil])

	wire, err := res.Encode("agent-9")
	require.NoError(t, err)
	env, err := protocol.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, op.ID, env.OperationID)
	assert.Equal(t, "agent-9", env.AgentID)
	assert.NotContains(t, env.Data, "retry")
	assert.NotContains(t, env.Data, "id")
}
