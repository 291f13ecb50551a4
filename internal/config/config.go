package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gazequiz/internal/gaze"
)

type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Quiz struct {
		BaseURL      string `yaml:"base_url"`
		Token        string `yaml:"token"`
		Timeout      string `yaml:"timeout"`
		Chapter      string `yaml:"chapter"`
		MaxQuestions int    `yaml:"max_questions"`
		DeviceInfo   string `yaml:"device_info"`
		SummaryTTL   string `yaml:"summary_ttl"`
	} `yaml:"quiz"`
	Tracker struct {
		URL            string `yaml:"url"`
		ConnectTimeout string `yaml:"connect_timeout"`
		PollInterval   string `yaml:"poll_interval"`
	} `yaml:"tracker"`
	Synthetic struct {
		Interval         string        `yaml:"interval"`
		FocusProbability float64       `yaml:"focus_probability"`
		Spread           float64       `yaml:"spread"`
		Viewport         gaze.Viewport `yaml:"viewport"`
	} `yaml:"synthetic"`
	Attention struct {
		TickInterval      string       `yaml:"tick_interval"`
		CalibrationDwell  string       `yaml:"calibration_dwell"`
		CalibrationSettle string       `yaml:"calibration_settle"`
		BufferCapacity    int          `yaml:"buffer_capacity"`
		Region            *gaze.Region `yaml:"region"`
	} `yaml:"attention"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
	Tracing struct {
		ServiceName string `yaml:"service_name"`
		Endpoint    string `yaml:"endpoint"`
	} `yaml:"tracing"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Load reads YAML config from path. A missing file yields the zero config so
// every setting falls back to its default; QUIZ_TOKEN overrides quiz.token.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if token := os.Getenv("QUIZ_TOKEN"); token != "" {
		cfg.Quiz.Token = token
	}
	return cfg, nil
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}
