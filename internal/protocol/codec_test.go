package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	wire, err := Encode(CheckIn, "", "agent-1", "", nil)
	require.NoError(t, err)
	// operation_id is present even when empty.
	assert.JSONEq(t, `{"operation":"check_in","operation_id":"","agent_id":"agent-1","data":{}}`, wire)

	env, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, CheckIn, env.Operation)
	assert.Equal(t, "agent-1", env.AgentID)
	assert.Empty(t, env.OperationID)
	assert.True(t, env.IsCore())
	assert.NotNil(t, env.Data)
}

func TestDecodeMalformed(t *testing.T) {
	for _, msg := range []string{"", "   ", "{not json", "[1,2]", `"str"`, `{"operation": 5}`} {
		_, err := Decode(msg)
		var decodeErr *DecodeError
		require.Error(t, err, msg)
		assert.True(t, errors.As(err, &decodeErr), msg)
	}
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	env, err := Decode(`{"operation":"reboot","operation_id":"42","result":{"pwned":true},"extra":1}`)
	require.NoError(t, err)
	assert.Equal(t, Reboot, env.Operation)
	assert.Equal(t, "42", env.OperationID)
	assert.Empty(t, env.Data)
}

func TestExpandBulk(t *testing.T) {
	env, err := Decode(`{
		"agent_id": "a1",
		"plugin": "patching",
		"operations": [
			{"operation": "install", "operation_id": "s1", "data": {"pkg": "vim"}},
			{"operation": "reboot", "plugin": "power"}
		]
	}`)
	require.NoError(t, err)

	ops := env.Expand()
	require.Len(t, ops, 2)
	assert.Equal(t, "patching", ops[0].Plugin)
	assert.Equal(t, "vim", ops[0].Data["pkg"])
	assert.Equal(t, "a1", ops[0].AgentID)
	assert.Equal(t, "power", ops[1].Plugin)
	assert.NotNil(t, ops[1].Data)
}

func TestExpandEmpty(t *testing.T) {
	env, err := Decode(`{"operations": []}`)
	require.NoError(t, err)
	assert.Empty(t, env.Expand())

	env, err = FromMap(nil)
	require.NoError(t, err)
	assert.Empty(t, env.Expand())
}

func TestExpandSingle(t *testing.T) {
	env, err := FromMap(map[string]any{
		"operation": "new_agent_id",
		"data":      map[string]any{"agent_id": "xyz"},
	})
	require.NoError(t, err)
	ops := env.Expand()
	require.Len(t, ops, 1)
	assert.Equal(t, NewAgentID, ops[0].Operation)
	assert.Equal(t, "xyz", ops[0].Data["agent_id"])
}

func TestDecodeBulkUnderData(t *testing.T) {
	env, err := Decode(`{"plugin":"pkg","agent_id":"a1","data":[{"operation":"install","operation_id":"a"}]}`)
	require.NoError(t, err)
	assert.NotNil(t, env.Data)

	ops := env.Expand()
	require.Len(t, ops, 1)
	assert.Equal(t, OperationType("install"), ops[0].Operation)
	assert.Equal(t, "a", ops[0].OperationID)
	assert.Equal(t, "pkg", ops[0].Plugin)
	assert.Equal(t, "a1", ops[0].AgentID)

	_, err = Decode(`{"plugin":"pkg","data":[1,2]}`)
	assert.Error(t, err)
}

func TestDecodeRouteListUnderData(t *testing.T) {
	env, err := Decode(`{"operation":"refresh_response_uris","data":[{"operation":"check_in","response_uri":"x","request_method":"PUT"}]}`)
	require.NoError(t, err)
	assert.Empty(t, env.Operations)
	list, ok := env.Data[KeyData].([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)

	ops := env.Expand()
	require.Len(t, ops, 1)
	assert.Equal(t, RefreshResponseURIs, ops[0].Operation)
}
