package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://traffic:pw@localhost:5432/traffic?sslmode=disable"
  max_open_conns: 40

redis:
  url: "redis://localhost:6379/0"

fleet:
  max_accounts: 50
  default_timezone: "Europe/Moscow"

rate:
  hard_ceilings:
    comment: 20
    reaction: 50

channel_monitor:
  poll_interval_seconds: 90
  reader_account_id: "reader-1"

quiet_hours:
  start: "22:30"
  end: "07:00"

telegram:
  gateway_url: "http://gateway:8081"
  flood_wait_ceiling_seconds: 300
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 40, cfg.Database.MaxOpenConns)
	assert.Equal(t, 50, cfg.Fleet.MaxAccounts)
	assert.Equal(t, 20, cfg.Rate.HardCeilings["comment"])
	assert.Equal(t, "reader-1", cfg.Monitor.ReaderAccountID)
	assert.Equal(t, "http://gateway:8081", cfg.Telegram.GatewayURL)
	assert.Equal(t, 90, cfg.Monitor.PollIntervalSeconds)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://localhost/traffic"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "Europe/Moscow", cfg.Fleet.DefaultTimezone)
	assert.Equal(t, 200, cfg.Fleet.MaxAccounts)
	assert.Equal(t, 30, cfg.Rate.HardCeilings["comment"], "hard ceilings default")
	assert.Equal(t, "23:00", cfg.QuietHours.Start)
	assert.Equal(t, "08:00", cfg.QuietHours.End)
	assert.Equal(t, "http://localhost:8081", cfg.Telegram.GatewayURL)
	assert.InDelta(t, 0.2, cfg.Strategy.Epsilon, 1e-9)
	assert.Equal(t, "universal", cfg.Invite.TeaserSegment)
	assert.Equal(t, time.Duration(0), cfg.Invite.PublishInterval(), "teaser publisher disabled by default")
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	path := writeConfig(t, `
fleet:
  default_timezone: "Mars/Olympus"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadQuietHours(t *testing.T) {
	path := writeConfig(t, `
quiet_hours:
  start: "25:00"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadEpsilon(t *testing.T) {
	path := writeConfig(t, `
strategy:
  epsilon: 1.5
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"23:59", 23*60 + 59, false},
		{"08:30", 8*60 + 30, false},
		{"24:00", 0, true},
		{"8", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		got, err := parseClock(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestQuietWindowMinutes(t *testing.T) {
	cfg := &Config{QuietHours: QuietHoursConfig{Start: "23:00", End: "08:00"}}
	start, end := cfg.QuietWindowMinutes()
	assert.Equal(t, 23*60, start)
	assert.Equal(t, 8*60, end)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://file/traffic"
`)
	t.Setenv("DATABASE_URL", "postgres://env/traffic")
	t.Setenv("TELEGRAM_GATEWAY_TOKEN", "env-token")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/traffic", cfg.Database.URL)
	assert.Equal(t, "env-token", cfg.Telegram.GatewayToken)
}
