package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	porterr "github.com/kestrelhq/portico/pkg/errors"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portico.yaml")
	content := `
server:
  listen_addr: "127.0.0.1:9000"
integrations:
  - id: acme-portal
    probe_record:
      subscriber_id: "W000000000"
      date_of_birth: "1980-01-01"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	require.Equal(t, DefaultMaxAttempts, cfg.Retry.MaxAttempts)
	require.Equal(t, DefaultMonitorInterval, cfg.Monitor.Interval)
	require.Equal(t, "memory", cfg.Bus.Kind)

	integ, ok := cfg.Integration("acme-portal")
	require.True(t, ok)
	require.Equal(t, "W000000000", integ.ProbeRecord.SubscriberID)
}

func TestValidateRejectsDuplicateIntegrations(t *testing.T) {
	cfg := Default()
	cfg.Integrations = []IntegrationConfig{{ID: "a"}, {ID: "a"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownBusKind(t *testing.T) {
	cfg := Default()
	cfg.Bus.Kind = "kafka"
	require.Error(t, cfg.Validate())
}

func TestLoadParsesDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portico.yaml")
	content := `
session:
  login_timeout: 30s
  idle_ttl: 5m
retry:
  max_attempts: 5
  base_delay: 500ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.Session.LoginTimeout)
	require.Equal(t, 5*time.Minute, cfg.Session.IdleTTL)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
}

func TestCredentialDirectoryLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	content := `
tenants:
  clinic-a:
    acme-portal:
      username: frontdesk
      password: hunter2
      extra:
        office_code: "042"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	dir, err := LoadCredentials(path, zerolog.Nop())
	require.NoError(t, err)
	defer dir.Close()

	creds, err := dir.Get("clinic-a", "acme-portal")
	require.NoError(t, err)
	require.Equal(t, "frontdesk", creds.Username)
	require.Equal(t, "042", creds.Extra["office_code"])

	_, err = dir.Get("clinic-a", "unknown-portal")
	require.True(t, porterr.IsKind(err, porterr.KindNotConfigured))

	_, err = dir.Get("unknown-tenant", "acme-portal")
	require.True(t, porterr.IsKind(err, porterr.KindNotConfigured))
}

func TestCredentialDirectoryHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.yaml")
	write := func(password string) {
		content := "tenants:\n  clinic-a:\n    acme-portal:\n      username: u\n      password: " + password + "\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	write("old")

	cd, err := LoadCredentials(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, cd.Watch())
	defer cd.Close()

	write("new")
	require.Eventually(t, func() bool {
		creds, err := cd.Get("clinic-a", "acme-portal")
		return err == nil && creds.Password == "new"
	}, 3*time.Second, 50*time.Millisecond)
}
