package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level resilience configuration tree, mirroring the
// JSON schema in spec.md §6. Every section is optional; absent sections
// are not applied by Bind.
type Config struct {
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	Timeout        TimeoutConfig        `json:"timeout" yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker" yaml:"circuitBreaker"`
	Bulkhead       BulkheadConfig       `json:"bulkhead" yaml:"bulkhead"`
	Hedging        HedgingConfig        `json:"hedging" yaml:"hedging"`
	Fallback       FallbackConfig       `json:"fallback" yaml:"fallback"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// BackoffConfig configures RetryPolicy's delay strategy.
type BackoffConfig struct {
	Type       string `json:"type" yaml:"type"` // none|constant|linear|exponential|decorrelatedJitter
	BaseMs     int    `json:"baseMs" yaml:"baseMs"`
	MaxDelayMs int    `json:"maxDelayMs" yaml:"maxDelayMs"`
	UseJitter  bool   `json:"useJitter" yaml:"useJitter"`
}

// RetryConfig configures RetryPolicy.
type RetryConfig struct {
	MaxRetries            int           `json:"maxRetries" yaml:"maxRetries" default:"3"`
	RetryForever          bool          `json:"retryForever" yaml:"retryForever"`
	Backoff               BackoffConfig `json:"backoff" yaml:"backoff"`
	RespectRetryAfter     bool          `json:"respectRetryAfterHeader" yaml:"respectRetryAfterHeader"`
	MaxRetryAfterDelay    time.Duration `json:"maxRetryAfterDelay" yaml:"maxRetryAfterDelay"`
}

// TimeoutConfig configures TimeoutPolicy.
type TimeoutConfig struct {
	Seconds float64 `json:"seconds" yaml:"seconds" default:"30"`
}

// CircuitBreakerMode selects consecutive-failure or sliding-window
// counting for CircuitBreakerPolicy; see SUPPLEMENTED FEATURES.
type CircuitBreakerMode string

const (
	CircuitModeConsecutive  CircuitBreakerMode = "consecutive"
	CircuitModeSlidingWindow CircuitBreakerMode = "slidingWindow"
)

// CircuitBreakerConfig configures CircuitBreakerPolicy.
type CircuitBreakerConfig struct {
	CircuitName              string             `json:"circuitName" yaml:"circuitName"`
	Mode                     CircuitBreakerMode `json:"mode" yaml:"mode"`
	FailureThreshold         int                `json:"failureThreshold" yaml:"failureThreshold" default:"5"`
	SuccessThreshold         int                `json:"successThreshold" yaml:"successThreshold" default:"1"`
	BreakSeconds             float64            `json:"breakSeconds" yaml:"breakSeconds" default:"30"`
	WindowSize               int                `json:"windowSize" yaml:"windowSize" default:"10"`
	DisableBackoffEscalation bool               `json:"disableBackoffEscalation" yaml:"disableBackoffEscalation"`
}

// BulkheadConfig configures BulkheadPolicy. spec.md §6 also allows a
// sibling top-level "bulkheadIsolation" block using the field names
// MaxConcurrentRequests/MaxQueueSize/QueueTimeoutSeconds instead of this
// struct's own; Config's UnmarshalJSON/UnmarshalYAML below merge that
// alternate block into Bulkhead.
type BulkheadConfig struct {
	MaxConcurrency      int           `json:"maxConcurrency" yaml:"maxConcurrency" default:"10"`
	MaxQueueDepth       int           `json:"maxQueueDepth" yaml:"maxQueueDepth" default:"0"`
	QueueTimeoutSeconds float64       `json:"queueTimeoutSeconds" yaml:"queueTimeoutSeconds"`
}

// bulkheadIsolationAlias mirrors spec.md §6's alternate "bulkheadIsolation"
// schema block, which names the same three bulkhead knobs differently.
type bulkheadIsolationAlias struct {
	MaxConcurrentRequests int     `json:"maxConcurrentRequests" yaml:"maxConcurrentRequests"`
	MaxQueueSize          int     `json:"maxQueueSize" yaml:"maxQueueSize"`
	QueueTimeoutSeconds   float64 `json:"queueTimeoutSeconds" yaml:"queueTimeoutSeconds"`
}

func (a bulkheadIsolationAlias) applyTo(b *BulkheadConfig) {
	b.MaxConcurrency = a.MaxConcurrentRequests
	b.MaxQueueDepth = a.MaxQueueSize
	b.QueueTimeoutSeconds = a.QueueTimeoutSeconds
}

// configAlias has Config's exact field layout; it exists so
// UnmarshalJSON/UnmarshalYAML can decode into it without recursing back
// into the custom method.
type configAlias Config

// UnmarshalJSON decodes a Config, additionally recognizing a top-level
// "bulkheadIsolation" block (spec.md §6) as an alternate spelling of
// "bulkhead". When both are present, "bulkheadIsolation" wins.
func (c *Config) UnmarshalJSON(data []byte) error {
	aux := struct {
		*configAlias
		BulkheadIsolation *bulkheadIsolationAlias `json:"bulkheadIsolation"`
	}{configAlias: (*configAlias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.BulkheadIsolation != nil {
		aux.BulkheadIsolation.applyTo(&c.Bulkhead)
	}
	return nil
}

// UnmarshalYAML is UnmarshalJSON's YAML counterpart, for the same
// "bulkheadIsolation" alias when ParseConfig is given YAML bytes.
// yaml.v3 passes the decoded node rather than a callback, unlike v2.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	aux := struct {
		*configAlias      `yaml:",inline"`
		BulkheadIsolation *bulkheadIsolationAlias `yaml:"bulkheadIsolation"`
	}{configAlias: (*configAlias)(c)}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.BulkheadIsolation != nil {
		aux.BulkheadIsolation.applyTo(&c.Bulkhead)
	}
	return nil
}

// HedgingConfig configures HedgingPolicy.
type HedgingConfig struct {
	HedgeAfterMs      int `json:"hedgeAfterMs" yaml:"hedgeAfterMs" default:"100"`
	MaxHedgedAttempts int `json:"maxHedgedAttempts" yaml:"maxHedgedAttempts" default:"1"`
}

// FallbackConfig configures FallbackPolicy's status-code-driven trigger.
type FallbackConfig struct {
	StatusCodes []int `json:"statusCodes" yaml:"statusCodes"`
}

// LoggingConfig controls ProductionLogger's output.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" default:"info"`
	Format string `json:"format" yaml:"format" default:"json"` // json|text
	Output string `json:"output" yaml:"output" default:"stdout"`
}

// Option configures a Config. Options are applied in order over
// DefaultConfig, mirroring the teacher's functional-options pattern.
type Option func(*Config) error

// DefaultConfig returns a Config with the defaults named throughout the
// struct tags above.
func DefaultConfig() *Config {
	return &Config{
		Retry: RetryConfig{
			MaxRetries: 3,
			Backoff: BackoffConfig{
				Type:       "exponential",
				BaseMs:     200,
				MaxDelayMs: 30_000,
				UseJitter:  true,
			},
		},
		Timeout: TimeoutConfig{Seconds: 30},
		CircuitBreaker: CircuitBreakerConfig{
			Mode:             CircuitModeConsecutive,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			BreakSeconds:     30,
			WindowSize:       10,
		},
		Bulkhead: BulkheadConfig{MaxConcurrency: 10, MaxQueueDepth: 0},
		Hedging:  HedgingConfig{HedgeAfterMs: 100, MaxHedgedAttempts: 1},
		Logging:  LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// NewConfig applies opts over DefaultConfig, returning the first error
// encountered.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("resilience: maxRetries must be >= 0, got %d", n)
		}
		c.Retry.MaxRetries = n
		return nil
	}
}

func WithBackoff(kind string, base, maxDelay time.Duration, jitter bool) Option {
	return func(c *Config) error {
		c.Retry.Backoff = BackoffConfig{
			Type:       kind,
			BaseMs:     int(base.Milliseconds()),
			MaxDelayMs: int(maxDelay.Milliseconds()),
			UseJitter:  jitter,
		}
		return nil
	}
}

func WithCircuitBreaker(name string, failureThreshold int, breakDuration time.Duration) Option {
	return func(c *Config) error {
		if failureThreshold <= 0 {
			return fmt.Errorf("resilience: circuit breaker failureThreshold must be > 0")
		}
		c.CircuitBreaker.CircuitName = name
		c.CircuitBreaker.FailureThreshold = failureThreshold
		c.CircuitBreaker.BreakSeconds = breakDuration.Seconds()
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("resilience: timeout must be > 0")
		}
		c.Timeout.Seconds = d.Seconds()
		return nil
	}
}

func WithBulkhead(maxConcurrency, maxQueueDepth int, queueTimeout time.Duration) Option {
	return func(c *Config) error {
		if maxConcurrency < 1 {
			return fmt.Errorf("resilience: bulkhead maxConcurrency must be >= 1")
		}
		if maxQueueDepth < 0 {
			return fmt.Errorf("resilience: bulkhead maxQueueDepth must be >= 0")
		}
		c.Bulkhead = BulkheadConfig{
			MaxConcurrency:      maxConcurrency,
			MaxQueueDepth:       maxQueueDepth,
			QueueTimeoutSeconds: queueTimeout.Seconds(),
		}
		return nil
	}
}

func WithHedging(hedgeAfter time.Duration, maxHedgedAttempts int) Option {
	return func(c *Config) error {
		if maxHedgedAttempts < 1 {
			return fmt.Errorf("resilience: maxHedgedAttempts must be >= 1")
		}
		c.Hedging = HedgingConfig{
			HedgeAfterMs:      int(hedgeAfter.Milliseconds()),
			MaxHedgedAttempts: maxHedgedAttempts,
		}
		return nil
	}
}

func WithLogging(level, format, output string) Option {
	return func(c *Config) error {
		c.Logging = LoggingConfig{Level: level, Format: format, Output: output}
		return nil
	}
}

// validBackoffTypes lists the acceptable Backoff.Type values after
// normalization (lower-cased, hyphens/underscores stripped).
var validBackoffTypes = map[string]string{
	"none":               "none",
	"constant":           "constant",
	"linear":             "linear",
	"exponential":        "exponential",
	"decorrelatedjitter": "decorrelatedJitter",
}

// normalizeBackoffType validates and canonicalizes a Backoff.Type value,
// per spec.md §6: "unknown back-off type strings (case-insensitive,
// hyphens/underscores stripped) MUST raise a format error listing
// acceptable values."
func normalizeBackoffType(raw string) (string, error) {
	key := strings.ToLower(raw)
	key = strings.NewReplacer("-", "", "_", "").Replace(key)
	canon, ok := validBackoffTypes[key]
	if !ok {
		return "", &PolicyError{
			Kind: "config",
			Err: fmt.Errorf("unknown backoff type %q, acceptable values: none, constant, linear, exponential, decorrelatedJitter", raw),
		}
	}
	return canon, nil
}

// ParseConfig decodes data as either JSON or YAML into a Config,
// depending on format ("json" or "yaml"/"yml"). It does not read from a
// file or watch for changes; that external loader/hot-reload concern
// remains out of scope per spec.md §1.
func ParseConfig(data []byte, format string) (*Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, &PolicyError{Kind: "config", Err: err}
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &PolicyError{Kind: "config", Err: err}
		}
	default:
		return nil, &PolicyError{Kind: "config", Err: fmt.Errorf("unsupported config format %q, want json or yaml", format)}
	}
	if cfg.Retry.Backoff.Type != "" {
		canon, err := normalizeBackoffType(cfg.Retry.Backoff.Type)
		if err != nil {
			return nil, err
		}
		cfg.Retry.Backoff.Type = canon
	}
	return cfg, nil
}

// ProductionLogger is the default non-test Logger, writing one JSON
// object per line or a human-readable line, matching the teacher's
// ProductionLogger.logEvent behavior.
type ProductionLogger struct {
	level     string
	debug     bool
	component string
	format    string
	output    io.Writer
}

// NewProductionLogger builds a ProductionLogger from LoggingConfig,
// writing to stdout unless Output is "stderr".
func NewProductionLogger(cfg LoggingConfig, component string) *ProductionLogger {
	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	return &ProductionLogger{
		level:     strings.ToLower(cfg.Level),
		debug:     strings.ToLower(cfg.Level) == "debug",
		component: component,
		format:    cfg.Format,
		output:    out,
	}
}

// WithComponent returns a ProductionLogger tagged with a different
// component name, sharing the same output/format/level configuration.
func (p *ProductionLogger) WithComponent(component string) Logger {
	out := *p
	out.component = component
	return &out
}

func (p *ProductionLogger) Info(msg string, fields map[string]any)  { p.logEvent("INFO", msg, fields) }
func (p *ProductionLogger) Warn(msg string, fields map[string]any)  { p.logEvent("WARN", msg, fields) }
func (p *ProductionLogger) Error(msg string, fields map[string]any) { p.logEvent("ERROR", msg, fields) }
func (p *ProductionLogger) Debug(msg string, fields map[string]any) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields)
	}
}

// The *WithContext variants ignore ctx today; they exist so
// ProductionLogger satisfies Logger and so a future trace-correlation
// addition (stamping a request/span ID into fields) has a single place
// to land.
func (p *ProductionLogger) InfoWithContext(_ context.Context, msg string, fields map[string]any) {
	p.logEvent("INFO", msg, fields)
}

func (p *ProductionLogger) WarnWithContext(_ context.Context, msg string, fields map[string]any) {
	p.logEvent("WARN", msg, fields)
}

func (p *ProductionLogger) ErrorWithContext(_ context.Context, msg string, fields map[string]any) {
	p.logEvent("ERROR", msg, fields)
}

func (p *ProductionLogger) DebugWithContext(_ context.Context, msg string, fields map[string]any) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]any) {
	timestamp := time.Now().Format(time.RFC3339Nano)
	if strings.ToLower(p.format) == "json" {
		entry := map[string]any{
			"timestamp": timestamp,
			"level":     level,
			"component": p.component,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}
	var sb strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&sb, " %s=%v", k, v)
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", timestamp, level, p.component, msg, sb.String())
}
