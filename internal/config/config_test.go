package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			WSURL:                 "wss://api.mainnet-beta.solana.com",
			TimeoutSeconds:        30,
			MaxReconnectAttempts:  10,
			ReconnectDelaySeconds: 5,
			EventBufferSize:       10000,
		},
		Programs: []ProgramConfig{
			{ID: "orca111", Name: "Orca", MonitorAccounts: true},
		},
		Global: GlobalConfig{MinSeverity: "info"},
		Engine: EngineConfig{
			MaxHistoryEvents:         10000,
			MaxHistoryAgeSeconds:     3600,
			MaxConcurrentEvaluations: 100,
			RuleTimeoutSeconds:       30,
			ResolvedRetentionSeconds: 3600,
		},
		RateLimiting: RateLimitConfig{Enabled: true, MaxMessagesPerMinute: 10, BurstSize: 5},
	}
}

func TestValidConfigPasses(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingWSURL(t *testing.T) {
	cfg := validConfig()
	cfg.Network.WSURL = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsProgramWithoutID(t *testing.T) {
	cfg := validConfig()
	cfg.Programs = append(cfg.Programs, ProgramConfig{Name: "nameless"})
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownSeverity(t *testing.T) {
	cfg := validConfig()
	cfg.Global.MinSeverity = "urgent"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadFilterSeverity(t *testing.T) {
	cfg := validConfig()
	cfg.Global.Filters = []AlertFilter{{Name: "f", Severities: []string{"mild"}}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNamelessFilter(t *testing.T) {
	cfg := validConfig()
	cfg.Global.Filters = []AlertFilter{{Severities: []string{"high"}}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.MaxConcurrentEvaluations = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadRuleParams(t *testing.T) {
	cfg := validConfig()
	cfg.Rules.OracleDeviation.Enabled = true
	assert.Error(t, cfg.Validate(), "missing reference oracle")

	cfg = validConfig()
	cfg.Rules.HighFailureRate.Enabled = true
	cfg.Rules.HighFailureRate.MinTransactionCount = 5
	cfg.Rules.HighFailureRate.MaxFailureRatePct = 150
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsAuthWithoutSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 30*time.Second, cfg.Network.Timeout())
	assert.Equal(t, 5*time.Second, cfg.Network.ReconnectDelay())
	assert.Equal(t, time.Hour, cfg.Engine.MaxHistoryAge())
	assert.Equal(t, 30*time.Second, cfg.Engine.RuleTimeout())
}

func TestProgramNames(t *testing.T) {
	names := validConfig().ProgramNames()
	assert.Equal(t, map[string]string{"orca111": "Orca"}, names)
}
