package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Settings holds process-scope configuration, as opposed to the per-strategy preset
type Settings struct {
	App      AppSettings      `mapstructure:"app"`
	Trading  TradingSettings  `mapstructure:"trading"`
	Exchange ExchangeSettings `mapstructure:"exchange"`
	Database DatabaseSettings `mapstructure:"database"`
	Redis    RedisSettings    `mapstructure:"redis"`
	API      APISettings      `mapstructure:"api"`
	Metrics  MetricsSettings  `mapstructure:"metrics"`
}

// AppSettings contains application-level settings
type AppSettings struct {
	Name      string `mapstructure:"name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // "json" or "console"
}

// TradingSettings selects paper or live mode and paper simulation parameters
type TradingSettings struct {
	Mode                 string  `mapstructure:"mode"` // "paper" or "live"
	PaperStartingBalance float64 `mapstructure:"paper_starting_balance"`
	PaperSlippageBps     float64 `mapstructure:"paper_slippage_bps"`
	PaperImpactCoeff     float64 `mapstructure:"paper_impact_coeff"` // extra slippage per qty/depth unit
	PresetPath           string  `mapstructure:"preset_path"`
}

// ExchangeSettings contains venue connectivity and credentials (live only)
type ExchangeSettings struct {
	RESTBaseURL  string  `mapstructure:"rest_base_url"`
	WSPublicURL  string  `mapstructure:"ws_public_url"`
	APIKey       string  `mapstructure:"api_key"`
	APISecret    string  `mapstructure:"api_secret"`
	Category     string  `mapstructure:"category"` // "linear" or "spot"
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
}

// DatabaseSettings contains the optional persistence store settings
type DatabaseSettings struct {
	URL      string `mapstructure:"url"` // empty disables persistence
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisSettings contains the optional hot-cache settings
type RedisSettings struct {
	Addr     string `mapstructure:"addr"` // empty disables the cache
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APISettings contains the control API listener settings
type APISettings struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MetricsSettings contains the Prometheus scrape endpoint settings
type MetricsSettings struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoadSettings loads process settings from file and environment variables
func LoadSettings(configPath string) (*Settings, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("settings")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("RANGEBREAK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setSettingsDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		// Settings file not found; defaults and environment variables apply
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks process settings for consistency
func (s *Settings) Validate() error {
	var errs ValidationErrors

	if s.Trading.Mode != "paper" && s.Trading.Mode != "live" {
		errs = append(errs, ValidationError{"trading.mode", fmt.Sprintf("must be 'paper' or 'live', got %q", s.Trading.Mode)})
	}
	if s.Trading.Mode == "paper" && s.Trading.PaperStartingBalance <= 0 {
		errs = append(errs, ValidationError{"trading.paper_starting_balance", "must be positive in paper mode"})
	}
	if s.Trading.Mode == "live" {
		if s.Exchange.APIKey == "" || s.Exchange.APISecret == "" {
			errs = append(errs, ValidationError{"exchange", "api_key and api_secret are required in live mode"})
		}
	}
	if s.API.Port <= 0 || s.API.Port > 65535 {
		errs = append(errs, ValidationError{"api.port", fmt.Sprintf("must be a valid port, got %d", s.API.Port)})
	}
	if s.Metrics.Enabled && (s.Metrics.Port <= 0 || s.Metrics.Port > 65535) {
		errs = append(errs, ValidationError{"metrics.port", fmt.Sprintf("must be a valid port, got %d", s.Metrics.Port)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func setSettingsDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rangebreak")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.paper_starting_balance", 100000.0)
	v.SetDefault("trading.paper_slippage_bps", 1.0)
	v.SetDefault("trading.paper_impact_coeff", 5.0)
	v.SetDefault("trading.preset_path", "./presets/breakout_v1.yaml")

	v.SetDefault("exchange.rest_base_url", "https://api.bybit.com")
	v.SetDefault("exchange.ws_public_url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("exchange.category", "linear")
	v.SetDefault("exchange.rate_limit_rps", 10.0)

	v.SetDefault("database.pool_size", 10)
	v.SetDefault("redis.db", 0)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
}

// LoadPreset loads and validates a trading preset from a YAML or JSON file.
// Unknown fields produce a warning, not a failure, so older engines can read
// presets written by newer ones.
func LoadPreset(path string) (*TradingPreset, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setPresetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read preset %s: %w", path, err)
	}

	var preset TradingPreset
	var md mapstructure.Metadata
	if err := v.Unmarshal(&preset, func(dc *mapstructure.DecoderConfig) {
		dc.Metadata = &md
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preset %s: %w", path, err)
	}

	for _, key := range md.Unused {
		log.Warn().
			Str("preset", path).
			Str("field", key).
			Msg("Unknown preset field ignored")
	}

	if preset.Name == "" {
		preset.Name = strings.TrimSuffix(strings.TrimSuffix(pathBase(path), ".yaml"), ".json")
	}

	if err := preset.Validate(); err != nil {
		return nil, fmt.Errorf("preset %s: %w", path, err)
	}

	log.Info().
		Str("preset", preset.Name).
		Str("strategy_priority", preset.StrategyPriority).
		Int("max_candidates", preset.ScannerConfig.MaxCandidates).
		Msg("Preset loaded")

	return &preset, nil
}

func setPresetDefaults(v *viper.Viper) {
	v.SetDefault("strategy_priority", "momentum")
	v.SetDefault("scanner_config.donchian_period", 20)
	v.SetDefault("scanner_config.level_max_age_bars", 120)
	v.SetDefault("position_config.add_on_obv_confirm", true)
	v.SetDefault("position_config.panic_exit_atr_mult", 3.0)
	v.SetDefault("execution_config.twap_min_slices", 1)
	v.SetDefault("execution_config.twap_max_slices", 10)
	v.SetDefault("execution_config.twap_interval_seconds", 2.0)
	v.SetDefault("execution_config.deadman_timeout_ms", 10000)
}

func pathBase(path string) string {
	if idx := strings.LastIndexAny(path, "/\\"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
