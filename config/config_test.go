package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/payroll"
)

// inTempDir keeps godotenv from picking up a .env next to the test binary.
func inTempDir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)

	cfg := config.Load()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "payroll.db", cfg.DBPath)
	assert.Equal(t, payroll.DefaultWorkers, cfg.Workers)
	assert.Equal(t, payroll.DefaultLeaseTTL, cfg.LeaseTTL)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "1000", cfg.Detection.LowNetPay.String())
	assert.Equal(t, []payroll.Severity{payroll.SeverityCritical, payroll.SeverityHigh}, cfg.Gate.BlockingSeverities)
	assert.False(t, cfg.Gate.AcknowledgedBlocks)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	inTempDir(t)
	t.Setenv("APP_ADDR", ":9090")
	t.Setenv("CALC_WORKERS", "8")
	t.Setenv("CALC_LEASE_TTL", "30s")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("DETECT_LOW_NET_PAY", "2500.50")
	t.Setenv("DETECT_REQUIRED_GOVERNMENT_IDS", "sss,tin")
	t.Setenv("GATE_BLOCKING_SEVERITIES", "critical")
	t.Setenv("GATE_ACKNOWLEDGED_BLOCKS", "true")

	cfg := config.Load()

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "2500.5", cfg.Detection.LowNetPay.String())
	assert.Equal(t, []string{"sss", "tin"}, cfg.Detection.RequiredGovernmentIDs)
	assert.Equal(t, []payroll.Severity{payroll.SeverityCritical}, cfg.Gate.BlockingSeverities)
	assert.True(t, cfg.Gate.AcknowledgedBlocks)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	inTempDir(t)
	t.Setenv("CALC_WORKERS", "many")
	t.Setenv("CALC_LEASE_TTL", "soon")
	t.Setenv("DETECT_HIGH_NET_PAY", "lots")

	cfg := config.Load()

	assert.Equal(t, payroll.DefaultWorkers, cfg.Workers)
	assert.Equal(t, payroll.DefaultLeaseTTL, cfg.LeaseTTL)
	assert.Equal(t, "500000", cfg.Detection.HighNetPay.String())
}

func TestLoad_DotEnvFile(t *testing.T) {
	inTempDir(t)
	require.NoError(t, os.WriteFile(".env", []byte("DB_PATH=/tmp/from-dotenv.db\n"), 0o600))
	t.Setenv("DB_PATH", "")
	os.Unsetenv("DB_PATH")
	t.Cleanup(func() { os.Unsetenv("DB_PATH") })

	cfg := config.Load()

	assert.Equal(t, "/tmp/from-dotenv.db", cfg.DBPath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"no db path", func(c *config.Config) { c.DBPath = " " }, "DB_PATH"},
		{"no workers", func(c *config.Config) { c.Workers = 0 }, "CALC_WORKERS"},
		{"short lease", func(c *config.Config) { c.LeaseTTL = time.Millisecond }, "CALC_LEASE_TTL"},
		{"kafka without interval", func(c *config.Config) {
			c.KafkaBrokers = []string{"kafka:9092"}
			c.DispatchEvery = 0
		}, "DISPATCH_INTERVAL"},
		{"inverted net thresholds", func(c *config.Config) { c.Detection.HighNetPay = c.Detection.LowNetPay }, "DETECT_HIGH_NET_PAY"},
		{"unknown severity", func(c *config.Config) {
			c.Gate.BlockingSeverities = []payroll.Severity{"urgent"}
		}, "unknown severity"},
		{"wildcard origin in production", func(c *config.Config) {
			c.Environment = "production"
			c.AllowedOrigins = []string{"*"}
		}, "CORS_ALLOWED_ORIGINS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inTempDir(t)
			cfg := config.Load()
			tt.mutate(&cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
