package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/store"
)

func TestResolveDefaults(t *testing.T) {
	r := New(func() string { return "a1" })

	path, method := r.Resolve(protocol.RefreshResponseURIs)
	assert.Equal(t, "rvl/v2/core/uris/response", path)
	assert.Equal(t, "GET", method)

	for _, e := range r.Entries() {
		path, method := r.Resolve(e.Type)
		assert.NotEmpty(t, path)
		assert.Contains(t, []string{"GET", "POST", "PUT"}, method)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New(nil)
	path, method := r.Resolve("never_registered")
	assert.Equal(t, "", path)
	assert.Equal(t, "", method)
}

func TestSetSubstitutesAgentID(t *testing.T) {
	r := New(func() string { return "agent-42" })
	require.NoError(t, r.Set(protocol.CheckIn, "rvl/v2/{agent_id}/core/checkin", "get"))
	require.NoError(t, r.Set(protocol.Startup, "rvl/v2/{0}/core/startup", "PUT"))

	path, method := r.Resolve(protocol.CheckIn)
	assert.Equal(t, "rvl/v2/agent-42/core/checkin", path)
	assert.Equal(t, "GET", method)

	path, _ = r.Resolve(protocol.Startup)
	assert.Equal(t, "rvl/v2/agent-42/core/startup", path)
}

func TestSetRejectsBadRoutes(t *testing.T) {
	r := New(nil)
	assert.Error(t, r.Set(protocol.CheckIn, "x", "DELETE"))
	assert.Error(t, r.Set(protocol.CheckIn, "", "GET"))
	assert.Error(t, r.Set("", "x", "GET"))
	assert.Error(t, r.Set(protocol.CheckIn, "{agent_id}/{agent_id}", "GET"))
	path, _ := r.Resolve(protocol.CheckIn)
	assert.Empty(t, path)
}

func TestReplaceIsAllOrNothing(t *testing.T) {
	r := New(nil)
	err := r.Replace([]Entry{
		{Type: protocol.CheckIn, Route: Route{Path: "checkin", Method: "GET"}},
		{Type: protocol.Startup, Route: Route{Path: "startup", Method: "PATCH"}},
	})
	require.Error(t, err)
	path, _ := r.Resolve(protocol.CheckIn)
	assert.Empty(t, path)
}

func TestParseRefreshList(t *testing.T) {
	entries, err := ParseRefresh(map[string]any{
		"data": []any{
			map[string]any{"operation": "check_in", "response_uri": "rvl/v2/{agent_id}/core/checkin", "request_method": "GET"},
			map[string]any{"operation": "startup", "response_uri": "rvl/v2/{agent_id}/core/startup", "request_method": "PUT"},
		},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	r := New(func() string { return "a" })
	require.NoError(t, r.Replace(entries))
	path, method := r.Resolve(protocol.Startup)
	assert.Equal(t, "rvl/v2/a/core/startup", path)
	assert.Equal(t, "PUT", method)
}

func TestParseRefreshMapping(t *testing.T) {
	entries, err := ParseRefresh(map[string]any{
		"result": map[string]any{"response_uri": "rvl/v2/results", "request_method": "POST"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, protocol.Result, entries[0].Type)

	_, err = ParseRefresh(map[string]any{})
	assert.Error(t, err)
	_, err = ParseRefresh(map[string]any{"data": []any{map[string]any{"response_uri": "x"}}})
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.hujson")
	content := `{
		// check-ins poll for pending work
		"check_in": {"response_uri": "rvl/v2/{agent_id}/core/checkin", "request_method": "GET"},
		"result": {"response_uri": "rvl/v2/{agent_id}/core/results", "request_method": "PUT"}, // trailing comma
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r := New(func() string { return "z" })
	require.NoError(t, r.LoadFile(path))
	p, m := r.Resolve(protocol.Result)
	assert.Equal(t, "rvl/v2/z/core/results", p)
	assert.Equal(t, "PUT", m)

	assert.Error(t, r.LoadFile(filepath.Join(t.TempDir(), "missing")))
}

func TestPersistRestore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	r := New(nil)
	require.NoError(t, r.Set(protocol.CheckIn, "rvl/v2/{agent_id}/core/checkin", "GET"))
	require.NoError(t, r.Persist(ctx, st))

	fresh := New(func() string { return "b" })
	n, err := fresh.Restore(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	path, method := fresh.Resolve(protocol.CheckIn)
	assert.Equal(t, "rvl/v2/b/core/checkin", path)
	assert.Equal(t, "GET", method)

	empty, err := New(nil).Restore(ctx, store.NewMemoryStore())
	require.NoError(t, err)
	assert.Zero(t, empty)
}
