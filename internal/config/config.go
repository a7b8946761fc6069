package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Source    SourceConfig    `json:"source" yaml:"source"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type DetectionConfig struct {
	Threshold       int64    `json:"threshold" yaml:"threshold"`
	SpikeMultiplier float64  `json:"spike_multiplier" yaml:"spike_multiplier"`
	PollInterval    Duration `json:"poll_interval" yaml:"poll_interval"`
}

type SourceConfig struct {
	Driver string       `json:"driver" yaml:"driver"`
	Sheets SheetsConfig `json:"sheets" yaml:"sheets"`
	File   FileConfig   `json:"file" yaml:"file"`
}

type SheetsConfig struct {
	SpreadsheetID   string   `json:"spreadsheet_id" yaml:"spreadsheet_id"`
	SpreadsheetName string   `json:"spreadsheet_name" yaml:"spreadsheet_name"`
	Range           string   `json:"range" yaml:"range"`
	CredentialsFile string   `json:"credentials_file" yaml:"credentials_file"`
	BaseURL         string   `json:"base_url" yaml:"base_url"`
	Timeout         Duration `json:"timeout" yaml:"timeout"`
}

type FileConfig struct {
	Path string `json:"path" yaml:"path"`
}

type NotifyConfig struct {
	Email EmailConfig `json:"email" yaml:"email"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
	Log   bool        `json:"log" yaml:"log"`
}

type EmailConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port"`
	From     string   `json:"from" yaml:"from"`
	Password string   `json:"password" yaml:"password"`
	To       []string `json:"to" yaml:"to"`
	Subject  string   `json:"subject" yaml:"subject"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

const (
	DefaultThreshold       = 100
	DefaultSpikeMultiplier = 2.0
	DefaultPollInterval    = 60 * time.Second
	MinPollInterval        = time.Second
	DefaultEmailSubject    = "Failed Transactions Alert"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Detection: DetectionConfig{
			Threshold:       DefaultThreshold,
			SpikeMultiplier: DefaultSpikeMultiplier,
			PollInterval:    Duration(DefaultPollInterval),
		},
		Source: SourceConfig{
			Driver: "sheets",
			Sheets: SheetsConfig{
				Range:           "Sheet1",
				CredentialsFile: "credentials.json",
				BaseURL:         "https://sheets.googleapis.com/v4/spreadsheets",
				Timeout:         Duration(15 * time.Second),
			},
		},
		Notify: NotifyConfig{
			Email: EmailConfig{
				Enabled: false,
				Host:    "smtp.gmail.com",
				Port:    465,
				Subject: DefaultEmailSubject,
				Timeout: Duration(15 * time.Second),
			},
			Kafka: KafkaConfig{Enabled: false, Timeout: Duration(10 * time.Second)},
			Log:   true,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "csv", DSN: "failure_trends.csv"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

// Load reads a YAML or JSON config file and applies environment overrides.
// An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return fmt.Errorf("parse config: %w", decodeErr)
	}
	return nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

type lookupFunc func(string) (string, bool)

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("THRESHOLD"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("THRESHOLD: %w", err)
		}
		cfg.Detection.Threshold = n
	}
	if v, ok := get("SPIKE_MULTIPLIER"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SPIKE_MULTIPLIER: %w", err)
		}
		cfg.Detection.SpikeMultiplier = f
	}
	if v, ok := get("POLL_INTERVAL"); ok {
		d, err := ParseInterval(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL: %w", err)
		}
		cfg.Detection.PollInterval = Duration(d)
	}
	if v, ok := get("SPREADSHEET_ID"); ok {
		cfg.Source.Sheets.SpreadsheetID = v
	}
	if v, ok := get("SPREADSHEET_NAME"); ok {
		cfg.Source.Sheets.SpreadsheetName = v
	}
	if v, ok := get("SPREADSHEET_RANGE"); ok {
		cfg.Source.Sheets.Range = v
	}
	if v, ok := get("GOOGLE_CREDENTIALS_FILE"); ok {
		cfg.Source.Sheets.CredentialsFile = v
	}
	if v, ok := get("TXWATCH_SOURCE"); ok {
		cfg.Source.Driver = v
	}
	if v, ok := get("TXWATCH_SOURCE_FILE"); ok {
		cfg.Source.File.Path = v
	}
	if v, ok := get("EMAIL_ADDRESS"); ok {
		cfg.Notify.Email.From = v
	}
	if v, ok := get("APP_PASSWORD"); ok {
		cfg.Notify.Email.Password = v
	}
	if v, ok := get("TO_EMAIL"); ok {
		cfg.Notify.Email.To = splitList(v)
		cfg.Notify.Email.Enabled = true
	}
	if v, ok := get("SMTP_HOST"); ok {
		cfg.Notify.Email.Host = v
	}
	if v, ok := get("SMTP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_PORT: %w", err)
		}
		cfg.Notify.Email.Port = port
	}
	if v, ok := get("TXWATCH_KAFKA_BROKERS"); ok {
		cfg.Notify.Kafka.Brokers = splitList(v)
		cfg.Notify.Kafka.Enabled = true
	}
	if v, ok := get("TXWATCH_KAFKA_TOPIC"); ok {
		cfg.Notify.Kafka.Topic = v
	}
	if v, ok := get("TXWATCH_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := get("TXWATCH_LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := get("TXWATCH_API_ADDR"); ok {
		cfg.API.Addr = v
	}
	if v, ok := get("TXWATCH_STORAGE_DRIVER"); ok {
		cfg.Storage.Driver = v
		cfg.Storage.Enabled = true
	}
	if v, ok := get("TXWATCH_STORAGE_DSN"); ok {
		cfg.Storage.DSN = v
	}
	return nil
}

// ParseInterval accepts a Go duration ("90s", "2m") or a bare number of seconds.
func ParseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Source.Driver == "" {
		cfg.Source.Driver = "sheets"
	}
	if cfg.Source.Sheets.Range == "" {
		cfg.Source.Sheets.Range = "Sheet1"
	}
	if cfg.Source.Sheets.BaseURL == "" {
		cfg.Source.Sheets.BaseURL = "https://sheets.googleapis.com/v4/spreadsheets"
	}
	if cfg.Notify.Email.Subject == "" {
		cfg.Notify.Email.Subject = DefaultEmailSubject
	}
	if cfg.Notify.Email.Port == 0 {
		cfg.Notify.Email.Port = 465
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
}

func Validate(cfg *Config) error {
	if cfg.Detection.Threshold < 0 {
		return errors.New("detection.threshold must be >= 0")
	}
	if cfg.Detection.SpikeMultiplier <= 0 {
		return errors.New("detection.spike_multiplier must be > 0")
	}
	if cfg.Detection.PollInterval.Std() < MinPollInterval {
		return fmt.Errorf("detection.poll_interval must be >= %s, got %s", MinPollInterval, cfg.Detection.PollInterval)
	}
	switch strings.ToLower(cfg.Source.Driver) {
	case "sheets":
		if strings.TrimSpace(cfg.Source.Sheets.SpreadsheetID) == "" {
			return errors.New("source.sheets.spreadsheet_id required (SPREADSHEET_ID)")
		}
	case "file":
		if strings.TrimSpace(cfg.Source.File.Path) == "" {
			return errors.New("source.file.path required when source.driver is file")
		}
	default:
		return fmt.Errorf("unsupported source driver %q", cfg.Source.Driver)
	}
	if cfg.Notify.Email.Enabled {
		if cfg.Notify.Email.Host == "" || cfg.Notify.Email.From == "" || len(cfg.Notify.Email.To) == 0 {
			return errors.New("notify.email requires host, from and to")
		}
	}
	if cfg.Notify.Kafka.Enabled {
		if len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "" {
			return errors.New("notify.kafka requires brokers and topic")
		}
	}
	if !cfg.Notify.Log && !cfg.Notify.Email.Enabled && !cfg.Notify.Kafka.Enabled {
		return errors.New("notify: no sink enabled (log, email or kafka)")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "csv", "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the config file and calls onReload with each successfully
// reloaded config until stop is closed.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
