package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `; agent settings
[agent_config]
agentid = 7f3c-agent
token = secret-token
serveraddress = rv.example.com
serverport = 8443
views = global,web
tags =

[agent_info]
name = rvagent
version = 0.7.0
description = endpoint agent
installdate = 2026-10-01

[agent_runtime]
checkininterval = 30
savable = reboot, shutdown
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.config")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	assert.Equal(t, "7f3c-agent", cfg.Identity.AgentID)
	assert.Equal(t, "secret-token", cfg.Identity.Token)
	assert.Equal(t, "rv.example.com", cfg.Identity.ServerAddress)
	assert.Equal(t, 8443, cfg.Identity.ServerPort)
	assert.Equal(t, "https", cfg.Identity.Scheme)
	assert.Equal(t, []string{"global", "web"}, cfg.Identity.Views)
	assert.Empty(t, cfg.Identity.Tags)
	assert.Equal(t, "rvagent", cfg.Info.Name)

	assert.Equal(t, 30*time.Second, cfg.Runtime.CheckInInterval)
	assert.Equal(t, 5*time.Second, cfg.Runtime.ResultInterval)
	assert.Equal(t, []string{"reboot", "shutdown"}, cfg.Runtime.Savable)
	assert.Equal(t, 4, cfg.Runtime.Workers)
	assert.Equal(t, "debug", cfg.Runtime.LogLevel)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RVAGENT_AGENT_CONFIG_TOKEN", "from-env")
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Identity.Token)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.config"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "agent.config")
	require.NoError(t, os.WriteFile(path, []byte("[agent_config]\nagentid = x\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "serveraddress")
}

func TestStoreUpdateSaveReload(t *testing.T) {
	path := writeSample(t)
	s, err := Open(path)
	require.NoError(t, err)

	s.Update(func(id *Identity) {
		id.AgentID = "new-id"
		id.Tags = append(id.Tags, "db", "prod")
	})
	assert.Equal(t, "new-id", s.AgentID())
	require.NoError(t, s.Save())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "new-id", reopened.AgentID())
	assert.Equal(t, []string{"db", "prod"}, reopened.Identity().Tags)
	assert.Equal(t, []string{"reboot", "shutdown"}, reopened.Config().Runtime.Savable)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(string(content)+"\n"), 0o600))
	require.NoError(t, s.Reload())
	assert.Equal(t, "new-id", s.AgentID())
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := NewStatic(Config{Identity: Identity{AgentID: "a", ServerAddress: "h", ServerPort: 1}})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Identity().AgentID
			}
		}()
	}
	for j := 0; j < 100; j++ {
		s.Update(func(id *Identity) { id.Token = "t" })
	}
	wg.Wait()
	assert.Equal(t, "t", s.Identity().Token)
	assert.NoError(t, s.Save())
	assert.NoError(t, s.Reload())
}

func TestUpdateRuntimeIsNotSaved(t *testing.T) {
	path := writeSample(t)
	s, err := Open(path)
	require.NoError(t, err)

	s.UpdateRuntime(func(r *Runtime) { r.ListenAddr = "127.0.0.1:9003" })
	assert.Equal(t, "127.0.0.1:9003", s.Config().Runtime.ListenAddr)
	require.NoError(t, s.Save())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, reopened.Config().Runtime.ListenAddr)
}
