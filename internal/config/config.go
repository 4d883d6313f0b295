package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration. It is treated as immutable once loaded.
type Config struct {
	Version       int       `yaml:"version"`
	Sink          Sink      `yaml:"sink"`
	Queue         Queue     `yaml:"queue"`
	Reconcile     Reconcile `yaml:"reconcile"`
	StartBlock    uint64    `yaml:"start_block"`
	SystemAccount string    `yaml:"system_account"`
	Filters       Filters   `yaml:"filters"`
	Tokens        Tokens    `yaml:"tokens"`
	Source        Source    `yaml:"source"`
	Notify        Notify    `yaml:"notify"`
	Log           Log       `yaml:"log"`
	Tracing       Tracing   `yaml:"tracing"`
	ABIDir        string    `yaml:"abi_dir"`
	ABICacheTTL   Duration  `yaml:"abi_cache_ttl"`
}

type Sink struct {
	Driver        string   `yaml:"driver"`
	DSN           string   `yaml:"dsn"`
	MaxRetries    uint64   `yaml:"max_retries"`
	RetryInterval Duration `yaml:"retry_interval"`
	MaxConns      int      `yaml:"max_conns"`
}

type Queue struct {
	Size         int      `yaml:"size"`
	ThrottleBase Duration `yaml:"throttle_base"`
	ThrottleStep Duration `yaml:"throttle_step"`
	ThrottleMax  Duration `yaml:"throttle_max"`
	Poll         Duration `yaml:"poll"`
}

type Reconcile struct {
	PollInterval Duration `yaml:"poll_interval"`
}

type Filters struct {
	Actions      []string `yaml:"actions"`
	DenyAccounts []string `yaml:"deny_accounts"`
}

// Tokens lists the token contracts projected into balances.
type Tokens struct {
	Contracts []string `yaml:"contracts"`
}

// Subjects names the NATS subject carrying each stream.
type Subjects struct {
	Blocks       string `yaml:"blocks"`
	Irreversible string `yaml:"irreversible"`
	Transactions string `yaml:"transactions"`
	Traces       string `yaml:"traces"`
}

type Source struct {
	Type     string   `yaml:"type"`
	URL      string   `yaml:"url"`
	Subjects Subjects `yaml:"subjects"`
	Encoding string   `yaml:"encoding"`
	Path     string   `yaml:"path"`
}

type Notify struct {
	Kind       string `yaml:"kind"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	PerMinute  int    `yaml:"per_minute"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Tracing struct {
	Endpoint string `yaml:"endpoint"`
	Sample   int    `yaml:"sample"` // percent of traces kept
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(raw)
}

// Parse interpolates env vars in raw YAML, decodes it, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sink.Driver == "" {
		c.Sink.Driver = "sqlite"
	}
	if c.Sink.DSN == "" && c.Sink.Driver == "sqlite" {
		c.Sink.DSN = "ledger-sink.db"
	}
	if c.Sink.MaxRetries == 0 {
		c.Sink.MaxRetries = 5
	}
	if c.Sink.RetryInterval == 0 {
		c.Sink.RetryInterval = Duration(200 * time.Millisecond)
	}
	if c.Sink.MaxConns == 0 {
		c.Sink.MaxConns = 8
	}
	if c.Queue.Size == 0 {
		c.Queue.Size = 5000
	}
	if c.Queue.ThrottleBase == 0 {
		c.Queue.ThrottleBase = Duration(100 * time.Millisecond)
	}
	if c.Queue.ThrottleStep == 0 {
		c.Queue.ThrottleStep = Duration(100 * time.Millisecond)
	}
	if c.Queue.ThrottleMax == 0 {
		c.Queue.ThrottleMax = Duration(2 * time.Second)
	}
	if c.Queue.Poll == 0 {
		c.Queue.Poll = Duration(250 * time.Millisecond)
	}
	if c.Reconcile.PollInterval == 0 {
		c.Reconcile.PollInterval = Duration(10 * time.Millisecond)
	}
	if c.SystemAccount == "" {
		c.SystemAccount = "eosio"
	}
	if len(c.Tokens.Contracts) == 0 {
		c.Tokens.Contracts = []string{"eosio.token"}
	}
	if c.Source.Type == "" {
		c.Source.Type = "nats"
	}
	if c.Source.Encoding == "" {
		c.Source.Encoding = "json"
	}
	s := &c.Source.Subjects
	if s.Blocks == "" {
		s.Blocks = "ledger.blocks.accepted"
	}
	if s.Irreversible == "" {
		s.Irreversible = "ledger.blocks.irreversible"
	}
	if s.Transactions == "" {
		s.Transactions = "ledger.transactions.accepted"
	}
	if s.Traces == "" {
		s.Traces = "ledger.transactions.applied"
	}
	if c.Notify.PerMinute == 0 {
		c.Notify.PerMinute = 6
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Tracing.Sample == 0 {
		c.Tracing.Sample = 100
	}
	if c.ABICacheTTL == 0 {
		c.ABICacheTTL = Duration(10 * time.Minute)
	}
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 100 {
		return errors.New("tracing.sample must be a percentage")
	}
	if c.Notify.PerMinute < 0 {
		return errors.New("notify.per_minute must not be negative")
	}
	for _, a := range c.Filters.Actions {
		if a == "" {
			return errors.New("filters.actions must not contain empty names")
		}
	}
	for _, a := range c.Tokens.Contracts {
		if a == "" {
			return errors.New("tokens.contracts must not contain empty names")
		}
	}
	return nil
}

func (s *Sink) Validate() error {
	switch strings.ToLower(s.Driver) {
	case "sqlite":
	case "postgres", "postgresql", "pgx":
		if s.DSN == "" {
			return errors.New("dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported driver: %s", s.Driver)
	}
	if s.MaxConns < 0 {
		return errors.New("max_conns must not be negative")
	}
	return nil
}

func (q *Queue) Validate() error {
	if q.Size < 0 {
		return errors.New("size must not be negative")
	}
	if q.ThrottleMax < q.ThrottleBase {
		return errors.New("throttle_max must not be below throttle_base")
	}
	return nil
}

func (s *Source) Validate() error {
	switch strings.ToLower(s.Type) {
	case "nats":
		if s.URL == "" {
			return errors.New("url is required for nats sources")
		}
	case "file":
		if s.Path == "" {
			return errors.New("path is required for file sources")
		}
	default:
		return fmt.Errorf("unsupported source type: %s", s.Type)
	}
	switch strings.ToLower(s.Encoding) {
	case "json", "msgpack":
	default:
		return fmt.Errorf("unsupported encoding: %s", s.Encoding)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
