package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsbeat/internal/config"
)

func baseConfig(interval string) *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Enabled: true, Interval: interval, Timezone: "UTC"},
		Cycle:     config.CycleConfig{Categories: []string{"technology", "sports"}},
	}
}

func TestValidateConfigIntervalAgainstWindows(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.Config)
		interval string
		wantErr  string
	}{
		{name: "default five minutes", interval: "5m"},
		{name: "cron every ten minutes", interval: "*/10 * * * *"},
		{name: "hh:mm interval", interval: "00:15"},
		{name: "wider than hourly window", interval: "20m", wantErr: "narrowest delivery window"},
		{name: "once a day", interval: "0 9 * * *", wantErr: "narrowest delivery window"},
		{
			name:     "narrow hourly window",
			interval: "10m",
			mutate:   func(c *config.Config) { c.Policy.HourlyWindow = "5m" },
			wantErr:  "narrowest delivery window",
		},
		{
			name:     "disabled trigger is not checked",
			interval: "0 9 * * *",
			mutate:   func(c *config.Config) { c.Scheduler.Enabled = false },
		},
		{
			name:     "bad timezone",
			interval: "5m",
			mutate:   func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" },
			wantErr:  "scheduler.timezone",
		},
		{name: "garbage interval", interval: "whenever", wantErr: "scheduler.interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(tt.interval)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateConfigSections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name: "smtp without host",
			mutate: func(c *config.Config) {
				c.Mail.Enabled = true
				c.Mail.Driver = "smtp"
			},
			wantErr: "mail.smtp.host",
		},
		{
			name: "smtp host ignored while mail is off",
			mutate: func(c *config.Config) {
				c.Mail.Driver = "smtp"
			},
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} },
			wantErr: "storage.path",
		},
		{
			name:    "bad duration",
			mutate:  func(c *config.Config) { c.Cycle.StoreTimeout = "soon" },
			wantErr: "cycle.store_timeout",
		},
		{
			name:    "daily window past midnight",
			mutate:  func(c *config.Config) { c.Policy.DailyAt = "23:30" },
			wantErr: "policy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig("5m")
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMapPolicyUsesSchedulerTimezone(t *testing.T) {
	cfg := baseConfig("5m")
	cfg.Scheduler.Timezone = "Europe/Berlin"
	cfg.Policy.DailyAt = "07:30"
	cfg.Policy.HourlyMinute = 30

	p, err := mapPolicy(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", p.Location.String())
	assert.Equal(t, 7*time.Hour+30*time.Minute, p.DailyAt)
	assert.Equal(t, 30, p.HourlyMinute)
	assert.Equal(t, 15*time.Minute, p.MinWindow())
}

func TestMapSchedulerDefaults(t *testing.T) {
	cfg := baseConfig("")
	_, cs, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultInterval, cs.Spec)
	assert.Equal(t, defaultCycleTimeout, cs.Timeout)
	assert.True(t, cs.RunOnStart)

	off := false
	cfg.Scheduler.RunOnStart = &off
	cfg.Scheduler.Timeout = "90s"
	_, cs, err = mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.False(t, cs.RunOnStart)
	assert.Equal(t, 90*time.Second, cs.Timeout)
}

func TestMapHubConfigFallsBackToHTTPOrigins(t *testing.T) {
	cfg := baseConfig("5m")
	cfg.HTTP.AllowedOrigins = []string{"https://news.example"}
	assert.Equal(t, []string{"https://news.example"}, mapHubConfig(cfg).AllowedOrigins)

	cfg.Live.WebSocket.AllowedOrigins = []string{"https://live.example"}
	assert.Equal(t, []string{"https://live.example"}, mapHubConfig(cfg).AllowedOrigins)
}

func TestRestartOnlySections(t *testing.T) {
	old := baseConfig("5m")
	cfg := baseConfig("5m")
	assert.Empty(t, restartOnly(old, cfg))

	cfg.Feed.Limit = 20
	cfg.Ledger.Persist = true
	cfg.Mail.RatePerSec = 9
	assert.Equal(t, []string{"feed", "ledger"}, restartOnly(old, cfg))

	cfg.Mail.SMTP.Host = "smtp.example"
	assert.Contains(t, restartOnly(old, cfg), "mail.sender")
}

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Tech Wire</title>
<item><title>Chips get smaller</title><link>https://example.com/chips</link></item>
<item><title>Robots learn to fold</title><link>https://example.com/robots</link></item>
</channel></rss>`

func writeConfig(t *testing.T, feedURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "newsbeat.yaml")
	body := fmt.Sprintf(`
scheduler:
  enabled: false
  interval: 5m
  timezone: UTC
cycle:
  categories: [technology]
feed:
  driver: rss
  rss:
    urls:
      technology: %s
mail:
  enabled: true
  driver: log
  from: news@example.com
live:
  websocket:
    enabled: true
http:
  enabled: false
`, feedURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunOnceDeliversToImmediateSubscribers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssBody))
	}))
	defer srv.Close()

	a, err := NewApp(writeConfig(t, srv.URL), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"technology"}, a.Catalog().Names())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, created, err := a.subs.Subscribe(ctx, "reader@example.com", []string{"technology"}, "immediate")
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, a.RunOnce(ctx, 5*time.Second))

	last, ok := a.orch.Last()
	require.True(t, ok)
	require.Empty(t, last.Error)
	require.Len(t, last.Categories, 1)
	c := last.Categories[0]
	assert.Equal(t, "technology", c.Category)
	assert.Equal(t, 2, c.Articles)
	assert.True(t, c.Published)
	assert.Equal(t, 1, c.EmailsQueued)

	_, sent := a.ledger.Snapshot()["reader@example.com"]
	assert.True(t, sent)
}

func TestCheckConfig(t *testing.T) {
	path := writeConfig(t, "https://feeds.example/tech.xml")
	require.NoError(t, CheckConfig(path, ""))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("scheduler:\n  enabled: true\n  interval: \"0 9 * * *\"\n"), 0o600))
	err := CheckConfig(bad, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "narrowest delivery window")
}
