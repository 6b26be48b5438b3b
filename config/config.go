package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for mixerd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Database      DatabaseConfig  `yaml:"database"`
	Node          NodeConfig      `yaml:"node"`
	Mixing        MixingConfig    `yaml:"mixing"`
	Guard         GuardConfig     `yaml:"guard"`
	Scheduler     SchedulerConfig `yaml:"scheduler"`
	Workers       WorkerConfig    `yaml:"workers"`
	Alerts        AlertConfig     `yaml:"alerts"`
	Recon         ReconConfig     `yaml:"recon"`
	Admin         AdminConfig     `yaml:"admin"`
	Log           LogConfig       `yaml:"log"`
}

// DatabaseConfig selects the backing store. DSN wins when both are set; Path
// is expanded into an on-disk sqlite DSN for development deployments.
type DatabaseConfig struct {
	DSN  string `yaml:"dsn"`
	Path string `yaml:"path"`
}

// NodeConfig describes the Bitcoin node RPC endpoint the daemon consumes.
type NodeConfig struct {
	URL      string   `yaml:"url"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	Timeout  Duration `yaml:"timeout"`
}

// MixingConfig tunes the round plan and admission amounts.
type MixingConfig struct {
	MinAmountSats    int64    `yaml:"min_amount_sats"`
	MaxAmountSats    int64    `yaml:"max_amount_sats"`
	FeePercent       float64  `yaml:"fee_percent"`
	Rounds           int      `yaml:"rounds"`
	HopsMin          int      `yaml:"hops_min"`
	HopsMax          int      `yaml:"hops_max"`
	DelayMin         Duration `yaml:"delay_min"`
	DelayMax         Duration `yaml:"delay_max"`
	DepositExpiry    Duration `yaml:"deposit_expiry"`
	MinConfirmations int64    `yaml:"min_confirmations"`
	ToleranceSats    int64    `yaml:"tolerance_sats"`
}

// FeeBasisPoints converts the configured fee percentage into basis points so
// fee arithmetic stays pure integer math.
func (m MixingConfig) FeeBasisPoints() int64 {
	return int64(m.FeePercent*10_000 + 0.5)
}

// GuardConfig tunes the abuse guard.
type GuardConfig struct {
	RateWindow        Duration `yaml:"rate_window"`
	RateLimit         int      `yaml:"rate_limit"`
	ReuseHorizon      Duration `yaml:"reuse_horizon"`
	ReuseSoftSubjects int      `yaml:"reuse_soft_subjects"`
	ReuseHardSubjects int      `yaml:"reuse_hard_subjects"`
	HTTPPerMinute     float64  `yaml:"http_per_minute"`
	HTTPBurst         int      `yaml:"http_burst"`
}

// SchedulerConfig tunes the periodic driver.
type SchedulerConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
	ClaimTimeout Duration `yaml:"claim_timeout"`
	Retention    Duration `yaml:"retention"`
	SweepHour    int      `yaml:"sweep_hour"`
}

// WorkerConfig tunes the distribution worker pool.
type WorkerConfig struct {
	Count        int      `yaml:"count"`
	PollInterval Duration `yaml:"poll_interval"`
	RetryLimit   int      `yaml:"retry_limit"`
	BackoffBase  Duration `yaml:"backoff_base"`
}

// AlertConfig wires the security alert webhook.
type AlertConfig struct {
	WebhookURL  string   `yaml:"webhook_url"`
	Interval    Duration `yaml:"interval"`
	RateLimit   int      `yaml:"rate_limit"`
	RateWindow  Duration `yaml:"rate_window"`
	HTTPTimeout Duration `yaml:"http_timeout"`
}

// ReconConfig tunes the daily reconciliation report run.
type ReconConfig struct {
	OutputDir string `yaml:"output_dir"`
	RunHour   int    `yaml:"run_hour"`
	RunMinute int    `yaml:"run_minute"`
	Disabled  bool   `yaml:"disabled"`
}

// AdminConfig protects operator routes.
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// LogConfig selects log output. When File is set, output rotates through
// lumberjack instead of stdout.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads configuration from the supplied path and applies environment
// overrides for secrets.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MIXERD_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("MIXERD_NODE_URL")); v != "" {
		cfg.Node.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("MIXERD_NODE_USER")); v != "" {
		cfg.Node.User = v
	}
	if v := strings.TrimSpace(os.Getenv("MIXERD_NODE_PASS")); v != "" {
		cfg.Node.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("MIXERD_ALERT_WEBHOOK")); v != "" {
		cfg.Alerts.WebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MIXERD_ADMIN_JWT_SECRET")); v != "" {
		cfg.Admin.JWTSecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Database.DSN == "" && cfg.Database.Path == "" {
		cfg.Database.Path = "/var/data/mixerd.sqlite"
	}
	if cfg.Node.Timeout.Duration == 0 {
		cfg.Node.Timeout.Duration = 15 * time.Second
	}
	if cfg.Mixing.MinAmountSats == 0 {
		cfg.Mixing.MinAmountSats = 100_000 // 0.001 BTC
	}
	if cfg.Mixing.MaxAmountSats == 0 {
		cfg.Mixing.MaxAmountSats = 10_000_000_000 // 100 BTC
	}
	if cfg.Mixing.FeePercent == 0 {
		cfg.Mixing.FeePercent = 0.03
	}
	if cfg.Mixing.Rounds == 0 {
		cfg.Mixing.Rounds = 3
	}
	if cfg.Mixing.HopsMin == 0 {
		cfg.Mixing.HopsMin = 1
	}
	if cfg.Mixing.HopsMax == 0 {
		cfg.Mixing.HopsMax = 3
	}
	if cfg.Mixing.DelayMin.Duration == 0 {
		cfg.Mixing.DelayMin.Duration = 10 * time.Minute
	}
	if cfg.Mixing.DelayMax.Duration == 0 {
		cfg.Mixing.DelayMax.Duration = 60 * time.Minute
	}
	if cfg.Mixing.DepositExpiry.Duration == 0 {
		cfg.Mixing.DepositExpiry.Duration = 24 * time.Hour
	}
	if cfg.Mixing.MinConfirmations == 0 {
		cfg.Mixing.MinConfirmations = 1
	}
	if cfg.Mixing.ToleranceSats == 0 {
		cfg.Mixing.ToleranceSats = 1_000
	}
	if cfg.Guard.RateWindow.Duration == 0 {
		cfg.Guard.RateWindow.Duration = time.Minute
	}
	if cfg.Guard.RateLimit == 0 {
		cfg.Guard.RateLimit = 10
	}
	if cfg.Guard.ReuseHorizon.Duration == 0 {
		cfg.Guard.ReuseHorizon.Duration = time.Hour
	}
	if cfg.Guard.ReuseSoftSubjects == 0 {
		cfg.Guard.ReuseSoftSubjects = 3
	}
	if cfg.Guard.ReuseHardSubjects == 0 {
		cfg.Guard.ReuseHardSubjects = 10
	}
	if cfg.Guard.HTTPPerMinute == 0 {
		cfg.Guard.HTTPPerMinute = 60
	}
	if cfg.Guard.HTTPBurst == 0 {
		cfg.Guard.HTTPBurst = 10
	}
	if cfg.Scheduler.TickInterval.Duration == 0 {
		cfg.Scheduler.TickInterval.Duration = 30 * time.Second
	}
	if cfg.Scheduler.ClaimTimeout.Duration == 0 {
		cfg.Scheduler.ClaimTimeout.Duration = 10 * time.Minute
	}
	if cfg.Scheduler.Retention.Duration == 0 {
		cfg.Scheduler.Retention.Duration = 30 * 24 * time.Hour
	}
	if cfg.Scheduler.SweepHour == 0 {
		cfg.Scheduler.SweepHour = 2
	}
	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = 4
	}
	if cfg.Workers.PollInterval.Duration == 0 {
		cfg.Workers.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Workers.RetryLimit == 0 {
		cfg.Workers.RetryLimit = 5
	}
	if cfg.Workers.BackoffBase.Duration == 0 {
		cfg.Workers.BackoffBase.Duration = 2 * time.Second
	}
	if cfg.Alerts.Interval.Duration == 0 {
		cfg.Alerts.Interval.Duration = 30 * time.Second
	}
	if cfg.Alerts.RateLimit == 0 {
		cfg.Alerts.RateLimit = 60
	}
	if cfg.Alerts.RateWindow.Duration == 0 {
		cfg.Alerts.RateWindow.Duration = time.Minute
	}
	if cfg.Alerts.HTTPTimeout.Duration == 0 {
		cfg.Alerts.HTTPTimeout.Duration = 10 * time.Second
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "/var/data/mixerd-recon"
	}
	if cfg.Recon.RunHour == 0 {
		cfg.Recon.RunHour = 3
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Node.URL) == "" {
		return fmt.Errorf("node rpc url must be configured")
	}
	if cfg.Mixing.MinAmountSats >= cfg.Mixing.MaxAmountSats {
		return fmt.Errorf("min amount must be below max amount")
	}
	if cfg.Mixing.FeePercent < 0 || cfg.Mixing.FeePercent >= 1 {
		return fmt.Errorf("fee percent must be within [0, 1)")
	}
	if cfg.Mixing.DelayMin.Duration > cfg.Mixing.DelayMax.Duration {
		return fmt.Errorf("delay_min must not exceed delay_max")
	}
	if cfg.Mixing.HopsMin > cfg.Mixing.HopsMax {
		return fmt.Errorf("hops_min must not exceed hops_max")
	}
	if cfg.Mixing.Rounds < 1 {
		return fmt.Errorf("at least one mixing round must be configured")
	}
	return nil
}
