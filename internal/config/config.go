package config

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite"`
	DatabasePath   string `envconfig:"DATABASE_PATH" default:"/app/data/metering-proxy.db"`
	DatabaseDSN    string `envconfig:"DATABASE_DSN" default:""`
	AdminSecret    string `envconfig:"ADMIN_SECRET" default:""`
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:":8080"`
	FernetKey      string `envconfig:"FERNET_KEY" default:""`

	// Upstream
	UpstreamURL      string        `envconfig:"UPSTREAM_URL" default:""`
	AnthropicAPIKey  string        `envconfig:"ANTHROPIC_API_KEY" default:""`
	AnthropicVersion string        `envconfig:"ANTHROPIC_VERSION" default:"2023-06-01"`
	UpstreamTimeout  time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"0s"`
	UpstreamAuth     string        `envconfig:"UPSTREAM_AUTH" default:"x-api-key"` // or "bearer" for gateways

	// Billing policy
	Markup          string `envconfig:"MARKUP" default:"1.5"`
	LowBalanceCents int64  `envconfig:"LOW_BALANCE_CENTS" default:"100"`
	DowngradeModel  string `envconfig:"DOWNGRADE_MODEL" default:"claude-haiku-4-5"`
	DailyLimitCents int64  `envconfig:"DAILY_LIMIT_CENTS" default:"5000"`
	Timezone        string `envconfig:"TIMEZONE" default:"Local"`
	TopUpURL        string `envconfig:"TOPUP_URL" default:"/dashboard/billing"`
	PricingFile     string `envconfig:"PRICING_FILE" default:""`
	TopUpSchedule   string `envconfig:"TOPUP_SCHEDULE" default:"@every 1m"`

	// Shared cache; in-process when RedisAddr is empty
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogPath   string `envconfig:"LOG_PATH" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("METERING_PROXY", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// MarkupBasisPoints converts the decimal markup multiplier to basis points
// (1.5 -> 15000).
func (s Settings) MarkupBasisPoints() (int64, error) {
	m, err := strconv.ParseFloat(s.Markup, 64)
	if err != nil {
		return 0, fmt.Errorf("parse markup %q: %w", s.Markup, err)
	}
	if m <= 0 || math.IsInf(m, 0) || math.IsNaN(m) {
		return 0, fmt.Errorf("markup must be positive, got %q", s.Markup)
	}
	return int64(math.Round(m * 10000)), nil
}

// Location resolves the timezone used for the daily spend window.
func (s Settings) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}
