package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
app:
  capital: 1000000
  symbols: [NIFTY24DECFUT]
  strategies: [ORB]
broker:
  name: paper
risk:
  per_trade_risk_pct: 0.5
  max_portfolio_heat_pct: 2
  daily_loss_stop_pct: 3
  max_spread_mid_pct: 0.5
leader:
  redis_url: redis://localhost:6379/0
`

func TestParseConfigAppliesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "PAPER", cfg.App.Mode)
	assert.Equal(t, ":7800", cfg.App.ListenAddr)
	assert.Equal(t, "Asia/Kolkata", cfg.Session.Timezone)
	assert.Equal(t, "09:15", cfg.Session.EntryOpen)
	assert.Equal(t, 5*time.Second, cfg.ScanInterval())
	assert.Equal(t, 30*time.Second, cfg.LeaderLease())
	assert.Equal(t, 1500*time.Millisecond, cfg.BrokerTimeout())
}

func TestParseConfigSealsContentHash(t *testing.T) {
	a, err := ParseConfig([]byte(validYAML))
	require.NoError(t, err)
	b, err := ParseConfig([]byte(validYAML))
	require.NoError(t, err)

	assert.Len(t, a.SHA(), 12)
	assert.Equal(t, a.SHA(), b.SHA())

	c, err := ParseConfig([]byte(validYAML + "\nscan:\n  interval_ms: 2000\n"))
	require.NoError(t, err)
	assert.NotEqual(t, a.SHA(), c.SHA())
}

func TestParseConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_KITE_KEY", "k-123")
	t.Setenv("TEST_KITE_TOKEN", "t-456")

	yaml := `
app:
  capital: 1000000
  symbols: [NIFTY24DECFUT]
broker:
  name: kite
  api_key: ${TEST_KITE_KEY}
  access_token: ${TEST_KITE_TOKEN}
risk:
  per_trade_risk_pct: 0.5
  max_portfolio_heat_pct: 2
  daily_loss_stop_pct: 3
  max_spread_mid_pct: 0.5
leader:
  redis_url: redis://localhost:6379/0
`
	cfg, err := ParseConfig([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "k-123", cfg.Broker.APIKey)
	assert.Equal(t, "t-456", cfg.Broker.AccessToken)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative capital", func(c *Config) { c.App.Capital = -1 }, "app.capital"},
		{"no symbols", func(c *Config) { c.App.Symbols = nil }, "app.symbols"},
		{"unknown broker", func(c *Config) { c.Broker.Name = "zerodha" }, "broker.name"},
		{"kite without creds", func(c *Config) { c.Broker.Name = "kite" }, "api_key"},
		{"bad timezone", func(c *Config) { c.Session.Timezone = "Mars/Olympus" }, "session.timezone"},
		{"bad window", func(c *Config) { c.Session.EntryOpen = "9am" }, "entry_open"},
		{"bad holiday", func(c *Config) { c.Session.Holidays = []string{"25-12-2026"} }, "holidays"},
		{"risk out of range", func(c *Config) { c.Risk.PerTradeRiskPct = 7 }, "per_trade_risk_pct"},
		{"scan too fast", func(c *Config) { c.Scan.IntervalMs = 100 }, "scan.interval_ms"},
		{"no redis", func(c *Config) { c.Leader.RedisURL = "" }, "redis_url"},
		{"lease out of range", func(c *Config) { c.Leader.LeaseSec = 2 }, "lease_sec"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(validYAML))
			require.NoError(t, err)
			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseConfigRejectsInvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte("app: [unclosed"))
	require.Error(t, err)
}
