package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/tiers"
)

// Config holds all application configuration. Values come from the
// environment (optionally primed from a .env file by main); reward table
// defaults come from a YAML file.
type Config struct {
	Env  string
	Port string

	StoreDriver string // "redis" or "memory"
	RedisURL    string
	RedisPass   string
	RedisDB     int

	JWTSecret string
	JWTIssuer string
	JWTExpiry time.Duration

	LogLevel string
	LogFile  string

	QueryWindow    int
	WriteTimeout   time.Duration
	CommandTTL     time.Duration
	CollectionCap  int
	Timezone       string
	AdRateLimit    int
	AdRateWindow   time.Duration
	OutboxPath     string
	OutboxSchedule string

	HTTPRequestsPerMinute float64
	HTTPBurst             int

	OCRRandomFallback bool

	TiersFile string
	Defaults  Defaults
}

// Defaults seeds the settings projection until the remote configuration
// documents arrive.
type Defaults struct {
	Tokenomics      models.TokenomicsSettings              `yaml:"tokenomics"`
	StakingTiers    []models.StakingTier                   `yaml:"staking_tiers"`
	BoosterTiers    []models.BoosterTier                   `yaml:"booster_tiers"`
	ReferralSources map[string]models.ReferralRewardConfig `yaml:"referral_sources"`
	ReferralLadder  []models.ReferralStep                  `yaml:"referral_ladder"`
}

func (d Defaults) AppSettings() models.AppSettings {
	return models.AppSettings{
		Tokenomics:      d.Tokenomics,
		StakingTiers:    d.StakingTiers,
		BoosterTiers:    d.BoosterTiers,
		ReferralSources: d.ReferralSources,
		ReferralLadder:  d.ReferralLadder,
	}
}

func BuiltinDefaults() Defaults {
	return Defaults{
		Tokenomics: models.TokenomicsSettings{PointValueUSD: 0.001, TokenPriceUSD: 0.01},
		StakingTiers: []models.StakingTier{
			{Threshold: 0, Multiplier: 1.0, Label: "Bronze"},
			{Threshold: 1000, Multiplier: 1.2, Label: "Silver"},
			{Threshold: 5000, Multiplier: 1.5, Label: "Gold"},
			{Threshold: 10000, Multiplier: 2.0, Label: "Platinum"},
		},
		BoosterTiers: []models.BoosterTier{
			{MinAchievement: 25, RewardRate: 5},
			{MinAchievement: 50, RewardRate: 10},
			{MinAchievement: 100, RewardRate: 25},
		},
		ReferralSources: map[string]models.ReferralRewardConfig{
			models.ReferralSourceAd:      {Enabled: true, Tier1Rate: 10, Tier2Rate: 5},
			models.ReferralSourceMission: {Enabled: true, Tier1Rate: 5, Tier2Rate: 2},
		},
		ReferralLadder: []models.ReferralStep{
			{MinInvited: 0, Rate: 5},
			{MinInvited: 10, Rate: 7},
			{MinInvited: 50, Rate: 10},
		},
	}
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:                   getEnv("APP_ENV", "development"),
		Port:                  getEnv("PORT", "8080"),
		StoreDriver:           strings.ToLower(getEnv("STORE_DRIVER", "redis")),
		RedisURL:              getEnv("REDIS_URL", "localhost:6379"),
		RedisPass:             os.Getenv("REDIS_PASSWORD"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		JWTIssuer:             getEnv("JWT_ISSUER", "rewards-miniapp"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFile:               os.Getenv("LOG_FILE"),
		Timezone:              getEnv("TIMEZONE", "UTC"),
		OutboxPath:            getEnv("OUTBOX_PATH", "data/outbox.db"),
		OutboxSchedule:        getEnv("OUTBOX_SCHEDULE", "@every 30s"),
		TiersFile:             getEnv("TIERS_FILE", "config/tiers.yaml"),
		HTTPRequestsPerMinute: 120,
		HTTPBurst:             20,
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.QueryWindow, err = getInt("QUERY_WINDOW", 50); err != nil {
		return nil, err
	}
	if cfg.CollectionCap, err = getInt("COLLECTION_CAP", 100); err != nil {
		return nil, err
	}
	if cfg.AdRateLimit, err = getInt("AD_RATE_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.HTTPBurst, err = getInt("HTTP_BURST", cfg.HTTPBurst); err != nil {
		return nil, err
	}
	if cfg.JWTExpiry, err = getDuration("JWT_EXPIRY", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = getDuration("WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CommandTTL, err = getDuration("COMMAND_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AdRateWindow, err = getDuration("AD_RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if v := os.Getenv("HTTP_REQUESTS_PER_MINUTE"); v != "" {
		if cfg.HTTPRequestsPerMinute, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("parse HTTP_REQUESTS_PER_MINUTE: %w", err)
		}
	}
	if v := os.Getenv("OCR_RANDOM_FALLBACK"); v != "" {
		if cfg.OCRRandomFallback, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("parse OCR_RANDOM_FALLBACK: %w", err)
		}
	}

	cfg.Defaults, err = LoadDefaults(cfg.TiersFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefaults reads reward table defaults from a YAML file. Sections missing
// from the file (or a missing file) fall back to the built-in tables.
func LoadDefaults(path string) (Defaults, error) {
	defaults := BuiltinDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Defaults{}, fmt.Errorf("read tiers file: %w", err)
	}
	if len(data) > 0 {
		var fromFile Defaults
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return Defaults{}, fmt.Errorf("parse tiers file: %w", err)
		}
		if fromFile.Tokenomics != (models.TokenomicsSettings{}) {
			defaults.Tokenomics = fromFile.Tokenomics
		}
		if len(fromFile.StakingTiers) > 0 {
			defaults.StakingTiers = fromFile.StakingTiers
		}
		if len(fromFile.BoosterTiers) > 0 {
			defaults.BoosterTiers = fromFile.BoosterTiers
		}
		if len(fromFile.ReferralSources) > 0 {
			defaults.ReferralSources = fromFile.ReferralSources
		}
		if len(fromFile.ReferralLadder) > 0 {
			defaults.ReferralLadder = fromFile.ReferralLadder
		}
	}

	if err := tiers.ValidateStakingTiers(defaults.StakingTiers); err != nil {
		return Defaults{}, fmt.Errorf("tiers file: %w", err)
	}
	if err := tiers.ValidateBoosterTiers(defaults.BoosterTiers); err != nil {
		return Defaults{}, fmt.Errorf("tiers file: %w", err)
	}
	if err := tiers.ValidateReferralLadder(defaults.ReferralLadder); err != nil {
		return Defaults{}, fmt.Errorf("tiers file: %w", err)
	}
	return defaults, nil
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.StoreDriver {
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.QueryWindow <= 0 {
		return fmt.Errorf("QUERY_WINDOW must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
