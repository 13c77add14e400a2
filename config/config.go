package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

type Config struct {
	Addr           string
	DBPath         string
	Environment    string
	SeedDemo       bool
	Workers        int
	LeaseTTL       time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	KafkaBrokers   []string
	KafkaTopic     string
	DispatchEvery  time.Duration
	DispatchOn     bool
	AllowedOrigins []string
	Detection      payroll.DetectionConfig
	Gate           payroll.GatePolicy
}

// Load reads a .env file when present, then the environment.
func Load() Config {
	_ = godotenv.Load()

	detection := payroll.DefaultDetectionConfig()
	detection.VarianceThreshold = getEnvDecimal("DETECT_VARIANCE_THRESHOLD", detection.VarianceThreshold)
	detection.LowNetPay = getEnvDecimal("DETECT_LOW_NET_PAY", detection.LowNetPay)
	detection.HighNetPay = getEnvDecimal("DETECT_HIGH_NET_PAY", detection.HighNetPay)
	detection.DeductionRatio = getEnvDecimal("DETECT_DEDUCTION_RATIO", detection.DeductionRatio)
	detection.RequiredGovernmentIDs = getEnvList("DETECT_REQUIRED_GOVERNMENT_IDS", detection.RequiredGovernmentIDs)

	gate := payroll.DefaultGatePolicy()
	var blocking []payroll.Severity
	for _, s := range getEnvList("GATE_BLOCKING_SEVERITIES", severityNames(gate.BlockingSeverities)) {
		blocking = append(blocking, payroll.Severity(s))
	}
	gate.BlockingSeverities = blocking
	gate.AcknowledgedBlocks = getEnvBool("GATE_ACKNOWLEDGED_BLOCKS", gate.AcknowledgedBlocks)

	return Config{
		Addr:           getEnv("APP_ADDR", ":8080"),
		DBPath:         getEnv("DB_PATH", "payroll.db"),
		Environment:    getEnv("APP_ENV", "development"),
		SeedDemo:       getEnvBool("SEED_DEMO", false),
		Workers:        getEnvInt("CALC_WORKERS", payroll.DefaultWorkers),
		LeaseTTL:       getEnvDuration("CALC_LEASE_TTL", payroll.DefaultLeaseTTL),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		KafkaBrokers:   getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:     getEnv("KAFKA_PAYMENT_TOPIC", "payroll.payment-sets"),
		DispatchEvery:  getEnvDuration("DISPATCH_INTERVAL", time.Minute),
		DispatchOn:     getEnvBool("DISPATCH_ENABLED", true),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		Detection:      detection,
		Gate:           gate,
	}
}

func severityNames(in []payroll.Severity) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("CALC_WORKERS must be positive")
	}
	if c.LeaseTTL < time.Second {
		return fmt.Errorf("CALC_LEASE_TTL must be at least 1s")
	}
	if len(c.KafkaBrokers) > 0 && c.DispatchEvery <= 0 {
		return fmt.Errorf("DISPATCH_INTERVAL must be positive when KAFKA_BROKERS is set")
	}
	if c.Detection.VarianceThreshold.IsNegative() || c.Detection.DeductionRatio.IsNegative() {
		return fmt.Errorf("detection ratios must not be negative")
	}
	if c.Detection.HighNetPay.LessThanOrEqual(c.Detection.LowNetPay) {
		return fmt.Errorf("DETECT_HIGH_NET_PAY must exceed DETECT_LOW_NET_PAY")
	}
	for _, s := range c.Gate.BlockingSeverities {
		if !s.Valid() {
			return fmt.Errorf("GATE_BLOCKING_SEVERITIES: unknown severity %q", s)
		}
	}
	if c.Environment == "production" {
		for _, o := range c.AllowedOrigins {
			if o == "*" {
				return fmt.Errorf("CORS_ALLOWED_ORIGINS must not be * in production")
			}
		}
	}
	return nil
}
